// Package config loads the llm-mux configuration: named backends, roles
// that bind them into a strategy, and the free-form team/ecosystem
// tables exposed to the template substrate. Loaded from
// ~/.config/llm-mux/config.toml then .llm-mux/config.toml, deep-merged
// with the project file overriding the user file. Environment variables
// enter only through ${ENV_VAR} expansion in a backend's api_key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/llm-mux/llm-mux/internal/backend"
	"github.com/llm-mux/llm-mux/internal/role"
)

// Observability holds the ambient logging/metrics/tracing knobs. It is
// not part of the distilled workflow model; it exists so the
// observability package has somewhere to read settings from.
type Observability struct {
	MetricsAddr  string `toml:"metrics_addr"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	SentryDSN    string `toml:"sentry_dsn"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
}

// Config is the fully merged, env-expanded configuration.
type Config struct {
	Backends      map[string]backend.Config          `toml:"backends"`
	Roles         map[string]role.Config             `toml:"roles"`
	Teams         map[string]map[string]interface{}  `toml:"teams"`
	Ecosystems    map[string]map[string]interface{}  `toml:"ecosystems"`
	Observability Observability                      `toml:"observability"`
}

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Defaults returns a Config with every ambient default populated and
// empty maps for the rest, ready to merge into.
func Defaults() *Config {
	return &Config{
		Backends:   map[string]backend.Config{},
		Roles:      map[string]role.Config{},
		Teams:      map[string]map[string]interface{}{},
		Ecosystems: map[string]map[string]interface{}{},
		Observability: Observability{
			LogLevel:  DefaultLogLevel,
			LogFormat: DefaultLogFormat,
		},
	}
}

// Load reads the user config, then the project config if present, deep
// merges them (project overrides user), applies environment variable
// expansion to every `api_key` field, and validates the result.
func Load(userPath, projectPath string) (*Config, error) {
	cfg := Defaults()

	if userPath != "" && fileExists(userPath) {
		userCfg, err := loadFile(userPath)
		if err != nil {
			return nil, fmt.Errorf("load user config %s: %w", userPath, err)
		}
		if err := mergeInto(cfg, userCfg); err != nil {
			return nil, fmt.Errorf("merge user config: %w", err)
		}
	}

	if projectPath != "" && fileExists(projectPath) {
		projectCfg, err := loadFile(projectPath)
		if err != nil {
			return nil, fmt.Errorf("load project config %s: %w", projectPath, err)
		}
		if err := mergeInto(cfg, projectCfg); err != nil {
			return nil, fmt.Errorf("merge project config: %w", err)
		}
	}

	expandEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultUserPath returns ~/.config/llm-mux/config.toml, or "" if the
// home directory cannot be determined.
func DefaultUserPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "llm-mux", "config.toml")
}

// DefaultProjectPath returns .llm-mux/config.toml under dir.
func DefaultProjectPath(dir string) string {
	return filepath.Join(dir, ".llm-mux", "config.toml")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	for name, b := range cfg.Backends {
		b.Name = name
		cfg.Backends[name] = b
	}
	for name, r := range cfg.Roles {
		r.Name = name
		cfg.Roles[name] = r
	}
	return cfg, nil
}

// mergeInto deep-merges override into base in place, override winning
// on conflicts (mergo.WithOverride).
func mergeInto(base, override *Config) error {
	return mergo.Merge(base, override, mergo.WithOverride)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv expands ${ENV_VAR} references in every backend's APIKey
// field. Missing variables expand to the empty string.
func expandEnv(cfg *Config) {
	for name, b := range cfg.Backends {
		b.APIKey = expandEnvString(b.APIKey)
		cfg.Backends[name] = b
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks structural invariants: every role references
// backends that exist, and backend kinds are set.
func (c *Config) Validate() error {
	for name, b := range c.Backends {
		if b.Kind != backend.KindSubprocess && b.Kind != backend.KindHTTP {
			return fmt.Errorf("backend %s: invalid kind %q", name, b.Kind)
		}
	}
	for name, r := range c.Roles {
		if len(r.Backends) == 0 {
			return fmt.Errorf("role %s: no backends listed", name)
		}
		for _, bn := range r.Backends {
			if _, ok := c.Backends[bn]; !ok {
				return fmt.Errorf("role %s: references unknown backend %s", name, bn)
			}
		}
	}
	return nil
}

// BuildBackends constructs a concrete backend.Backend for every
// enabled backend config, skipping disabled ones.
func (c *Config) BuildBackends() (map[string]backend.Backend, error) {
	out := make(map[string]backend.Backend, len(c.Backends))
	for name, bc := range c.Backends {
		if !bc.Enabled {
			continue
		}
		bc := bc
		b, err := backend.New(&bc)
		if err != nil {
			return nil, fmt.Errorf("build backend %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

// BuildResolver constructs a role.Resolver over this config's roles and
// the already-built backend set.
func (c *Config) BuildResolver(backends map[string]backend.Backend) *role.Resolver {
	return role.NewResolver(c.Roles, backends)
}
