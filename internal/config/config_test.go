package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-mux/llm-mux/internal/backend"
	"github.com/llm-mux/llm-mux/internal/role"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesBackendsAndRoles(t *testing.T) {
	path := writeConfig(t, `
[backends.ok]
kind = "subprocess"
command = "echo"
enabled = true

[backends.gpt]
kind = "http"
url = "https://api.example.com"
model = "gpt-4"
api_key = "${TEST_API_KEY}"
enabled = true

[roles.reviewer]
backends = ["ok", "gpt"]
strategy = "fallback"
`)
	t.Setenv("TEST_API_KEY", "secret-value")

	cfg, err := Load("", path)
	require.NoError(t, err)

	require.Contains(t, cfg.Backends, "ok")
	assert.Equal(t, backend.KindSubprocess, cfg.Backends["ok"].Kind)
	assert.Equal(t, "ok", cfg.Backends["ok"].Name)

	require.Contains(t, cfg.Backends, "gpt")
	assert.Equal(t, "secret-value", cfg.Backends["gpt"].APIKey)

	require.Contains(t, cfg.Roles, "reviewer")
	assert.Equal(t, []string{"ok", "gpt"}, cfg.Roles["reviewer"].Backends)
}

func TestLoadMissingEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
[backends.gpt]
kind = "http"
url = "https://api.example.com"
api_key = "${DEFINITELY_UNSET_VAR}"
enabled = true
`)
	os.Unsetenv("DEFINITELY_UNSET_VAR")

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Backends["gpt"].APIKey)
}

func TestProjectOverridesUser(t *testing.T) {
	userPath := writeConfig(t, `
[backends.ok]
kind = "subprocess"
command = "echo"
enabled = true
timeout = 1000

[roles.reviewer]
backends = ["ok"]
`)
	projectPath := writeConfig(t, `
[backends.ok]
kind = "subprocess"
command = "echo"
enabled = true
timeout = 5000
`)

	cfg, err := Load(userPath, projectPath)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), cfg.Backends["ok"].TimeoutMS)
	require.Contains(t, cfg.Roles, "reviewer")
}

func TestValidateUnknownBackendKind(t *testing.T) {
	cfg := Defaults()
	cfg.Backends["bad"] = backend.Config{Name: "bad", Kind: "carrier-pigeon"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid kind")
}

func TestValidateRoleReferencesUnknownBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Roles["reviewer"] = role.Config{Name: "reviewer", Backends: []string{"nope"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestValidateRoleWithNoBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Roles["empty"] = role.Config{Name: "empty"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backends listed")
}

func TestBuildBackendsSkipsDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Backends["on"] = backend.Config{Name: "on", Kind: backend.KindSubprocess, Command: "echo", Enabled: true}
	cfg.Backends["off"] = backend.Config{Name: "off", Kind: backend.KindSubprocess, Command: "echo", Enabled: false}

	built, err := cfg.BuildBackends()
	require.NoError(t, err)
	assert.Contains(t, built, "on")
	assert.NotContains(t, built, "off")
}

func TestDefaultsObservability(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, DefaultLogLevel, cfg.Observability.LogLevel)
	assert.Equal(t, DefaultLogFormat, cfg.Observability.LogFormat)
}
