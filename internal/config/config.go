// Package config loads specboard settings from defaults, an optional YAML
// file and SPECBOARD_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "SPECBOARD"

// Config holds all application configuration.
type Config struct {
	// General
	Port      int    `envconfig:"PORT" yaml:"port"`
	LogLevel  string `envconfig:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `envconfig:"LOG_FORMAT" yaml:"log_format"` // "console" or "json"

	// Discovery
	SearchRoots    []string      `envconfig:"SEARCH_ROOTS" yaml:"search_roots"` // comma-separated in env
	MaxDepth       int           `envconfig:"MAX_DEPTH" yaml:"max_depth"`
	ProcessName    string        `envconfig:"PROCESS_NAME" yaml:"process_name"`
	RescanInterval time.Duration `envconfig:"RESCAN_INTERVAL" yaml:"rescan_interval"`
	Debounce       time.Duration `envconfig:"DEBOUNCE" yaml:"debounce"`
	GitTimeout     time.Duration `envconfig:"GIT_TIMEOUT" yaml:"git_timeout"`

	// WebSocket
	ClientQueueSize int `envconfig:"CLIENT_QUEUE_SIZE" yaml:"client_queue_size"`

	// Tunnel
	Tunnel TunnelConfig `envconfig:"TUNNEL" yaml:"tunnel"`

	// HTTP
	CORSOrigins    string  `envconfig:"CORS_ORIGINS" yaml:"cors_origins"`
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" yaml:"rate_limit_rps"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" yaml:"rate_limit_burst"`
	SessionSecret  string  `envconfig:"SESSION_SECRET" yaml:"session_secret"`
}

// TunnelConfig configures the optional public tunnel.
type TunnelConfig struct {
	Enabled    bool          `envconfig:"ENABLED" yaml:"enabled"`
	Provider   string        `envconfig:"PROVIDER" yaml:"provider"`
	Password   string        `envconfig:"PASSWORD" yaml:"password"`
	AuthToken  string        `envconfig:"AUTH_TOKEN" yaml:"auth_token"`
	Subdomain  string        `envconfig:"SUBDOMAIN" yaml:"subdomain"`
	URLTimeout time.Duration `envconfig:"URL_TIMEOUT" yaml:"url_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            3000,
		LogLevel:        "info",
		LogFormat:       "console",
		MaxDepth:        3,
		ProcessName:     "claude",
		RescanInterval:  30 * time.Second,
		Debounce:        250 * time.Millisecond,
		GitTimeout:      5 * time.Second,
		ClientQueueSize: 256,
		Tunnel: TunnelConfig{
			Provider:   "auto",
			URLTimeout: 30 * time.Second,
		},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := mergeYAML(&cfg, raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	// No default tags: unset variables leave file values in place.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeYAML overlays the keys present in data onto cfg.
func mergeYAML(cfg *Config, data []byte) error {
	return yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("config: max_depth must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: rate_limit_rps must not be negative")
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value.
// Missing variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
