// Package role resolves a role name to its ordered list of backends
// and executes a query against them according to the role's strategy
// (first, parallel, or fallback).
package role

import (
	"fmt"

	"github.com/llm-mux/llm-mux/internal/backend"
)

// Strategy is the closed set of role execution strategies.
type Strategy string

const (
	StrategyFirst    Strategy = "first"
	StrategyParallel Strategy = "parallel"
	StrategyFallback Strategy = "fallback"
)

// Config is one `[roles.X]` table.
type Config struct {
	Name       string   `toml:"-"`
	Backends   []string `toml:"backends"`
	Strategy   Strategy `toml:"strategy"`
	MinSuccess int      `toml:"min_success"`
}

// Resolved is a role bound to its concrete, ordered backend list.
type Resolved struct {
	Name       string
	Strategy   Strategy
	MinSuccess int
	Backends   []backend.Backend
}

// Resolver maps role names to their resolved backend lists.
type Resolver struct {
	roles    map[string]Config
	backends map[string]backend.Backend
}

// NewResolver builds a Resolver from role configs and a name-indexed
// set of already-constructed backends.
func NewResolver(roles map[string]Config, backends map[string]backend.Backend) *Resolver {
	return &Resolver{roles: roles, backends: backends}
}

// Resolve returns the Resolved form of roleName, erroring if the role
// is unknown or names a backend that was never constructed (disabled
// or missing from config).
func (r *Resolver) Resolve(roleName string) (*Resolved, error) {
	cfg, ok := r.roles[roleName]
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", roleName)
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("role %s: no backends configured", roleName)
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyFirst
	}

	backends := make([]backend.Backend, 0, len(cfg.Backends))
	for _, name := range cfg.Backends {
		b, ok := r.backends[name]
		if !ok {
			continue
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("role %s: no enabled backends available", roleName)
	}

	minSuccess := cfg.MinSuccess
	if minSuccess == 0 {
		minSuccess = 1
	}

	return &Resolved{
		Name:       roleName,
		Strategy:   strategy,
		MinSuccess: minSuccess,
		Backends:   backends,
	}, nil
}
