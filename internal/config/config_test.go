package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "claude", cfg.ProcessName)
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Equal(t, 30*time.Second, cfg.RescanInterval)
	assert.Equal(t, "auto", cfg.Tunnel.Provider)
	assert.False(t, cfg.Tunnel.Enabled)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SPECBOARD_PORT", "9090")
	t.Setenv("SPECBOARD_SEARCH_ROOTS", "/src,/work")
	t.Setenv("SPECBOARD_DEBOUNCE", "1s")
	t.Setenv("SPECBOARD_TUNNEL_ENABLED", "true")
	t.Setenv("SPECBOARD_TUNNEL_PROVIDER", "ngrok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"/src", "/work"}, cfg.SearchRoots)
	assert.Equal(t, time.Second, cfg.Debounce)
	assert.True(t, cfg.Tunnel.Enabled)
	assert.Equal(t, "ngrok", cfg.Tunnel.Provider)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv("NGROK_TOKEN", "tok-123")
	path := writeFile(t, `
port: 4000
log_format: json
search_roots: [/home/dev/src]
tunnel:
  provider: ngrok
  auth_token: ${NGROK_TOKEN}
  password: secret
`)
	t.Setenv("SPECBOARD_PORT", "4100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Port, "env overrides file")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"/home/dev/src"}, cfg.SearchRoots)
	assert.Equal(t, "tok-123", cfg.Tunnel.AuthToken)
	assert.Equal(t, "secret", cfg.Tunnel.Password)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Tunnel.URLTimeout)
	assert.Equal(t, "claude", cfg.ProcessName)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "port: [not, a, number]"))
	assert.Error(t, err)

	t.Setenv("SPECBOARD_PORT", "abc")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"port too high", func(c *Config) { c.Port = 70000 }, false},
		{"negative depth", func(c *Config) { c.MaxDepth = -1 }, false},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"json log format", func(c *Config) { c.LogFormat = "JSON" }, true},
		{"negative rate", func(c *Config) { c.RateLimitRPS = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SB_A", "one")
	assert.Equal(t, "one-one-", expandEnvVars("${SB_A}-$SB_A-${SB_UNSET_VAR}"))
}
