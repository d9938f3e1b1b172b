// Package backend implements the subprocess and HTTP backend executors:
// invoking a configured LLM backend with a resolved prompt, classifying
// failures into workflow.ErrorKind, retrying transient failures, and
// tracking per-backend rate-limit state.
package backend

import "time"

// Kind is the closed set of backend transports.
type Kind string

const (
	KindSubprocess Kind = "subprocess"
	KindHTTP       Kind = "http"
)

// AuthMode is the closed set of HTTP backend authentication
// strategies.
type AuthMode string

const (
	AuthNone              AuthMode = "none"
	AuthBearer            AuthMode = "bearer"
	AuthOAuth2ClientCreds AuthMode = "oauth2_client_creds"
	AuthJWTHS256          AuthMode = "jwt_hs256"
)

// RedisConfig configures the optional cross-process rate-limit mirror.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// Config is one `[backends.X]` table.
type Config struct {
	Name string `toml:"-"`
	Kind Kind   `toml:"kind"`

	// Subprocess fields.
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	PromptViaStdin bool     `toml:"prompt_via_stdin"`

	// HTTP fields.
	URL      string   `toml:"url"`
	Model    string   `toml:"model"`
	APIKey   string   `toml:"api_key"`
	AuthMode AuthMode `toml:"auth_mode"`

	Enabled         bool          `toml:"enabled"`
	TimeoutMS       int64         `toml:"timeout"`
	MaxRetries      int           `toml:"max_retries"`
	RetryDelayMS    int64         `toml:"retry_delay"`
	RetryRateLimit  bool          `toml:"retry_rate_limit"`
	RetryTimeout    bool          `toml:"retry_timeout"`
	RateLimitRedis  *RedisConfig  `toml:"rate_limit_redis"`
}

// Timeout returns the configured timeout, defaulting to 60s.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryDelay returns the configured base retry delay, defaulting to
// 500ms.
func (c *Config) RetryDelay() time.Duration {
	if c.RetryDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}
