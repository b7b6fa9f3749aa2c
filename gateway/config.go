// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/memgate/memgate/lib/llm"
)

// Config is the gateway configuration. The file layout mirrors the
// field nesting; every section may be omitted.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Claude      ClaudeConfig      `yaml:"claude" json:"claude"`
	Context     ContextConfig     `yaml:"context" json:"context"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	HealthCheck HealthCheckConfig `yaml:"health_check" json:"health_check"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" json:"monitoring"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// SocketPath is an optional Unix socket served alongside TCP.
	SocketPath string `yaml:"socket_path" json:"socket_path"`

	// TrustForwardedFor takes the client address from the first
	// X-Forwarded-For hop. Enable only behind a proxy that sets it.
	TrustForwardedFor bool `yaml:"trust_forwarded_for" json:"trust_forwarded_for"`

	// CORSOrigins lists origins allowed to call from a browser. "*"
	// allows any.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// Address returns host:port.
func (config ServerConfig) Address() string {
	return net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
}

// ClaudeConfig configures the upstream.
type ClaudeConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"`

	// APIKeyFile names a file holding the API key, or "-" for the
	// first line of stdin. It excludes APIKey.
	APIKeyFile string `yaml:"api_key_file" json:"api_key_file"`

	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIVersion string `yaml:"api_version" json:"api_version"`

	// Timeout is the per-attempt limit in seconds.
	Timeout int `yaml:"timeout" json:"timeout"`

	MaxRetries            int `yaml:"max_retries" json:"max_retries"`
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds" json:"initial_backoff_seconds"`
	MaxBackoffSeconds     int `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`

	// DefaultMaxTokens applies when a request names no limit.
	DefaultMaxTokens int `yaml:"default_max_tokens" json:"default_max_tokens"`

	Models []llm.ModelMapping `yaml:"models" json:"models"`
}

// ContextConfig configures session memory.
type ContextConfig struct {
	// Enabled turns memory on. When off the gateway translates each
	// request on its own.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxContextMessages caps the verbatim messages sent upstream.
	// Zero leaves only the turn window.
	MaxContextMessages int `yaml:"max_context_messages" json:"max_context_messages"`

	MaxSummaryChars        int `yaml:"max_summary_chars" json:"max_summary_chars"`
	SessionTimeoutMinutes  int `yaml:"session_timeout_minutes" json:"session_timeout_minutes"`
	MaxSessions            int `yaml:"max_sessions" json:"max_sessions"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes" json:"cleanup_interval_minutes"`

	// FingerprintHeader is combined with the client address to derive
	// the session key.
	FingerprintHeader string `yaml:"fingerprint_header" json:"fingerprint_header"`

	// FingerprintSecret keys the fingerprint hash. Empty uses a random
	// key per process.
	FingerprintSecret string `yaml:"fingerprint_secret" json:"fingerprint_secret"`
}

// Rate-limit scopes.
const (
	ScopeClient  = "client"
	ScopeSession = "session"
	ScopeGlobal  = "global"
)

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int    `yaml:"burst_size" json:"burst_size"`
	Scope             string `yaml:"scope" json:"scope"`
}

// HealthCheckConfig configures /health.
type HealthCheckConfig struct {
	DegradedAfterFailures int `yaml:"degraded_after_failures" json:"degraded_after_failures"`
}

// MonitoringConfig configures logging.
type MonitoringConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	LogFormat   string `yaml:"log_format" json:"log_format"`
	LogRequests bool   `yaml:"log_requests" json:"log_requests"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	config := baseConfig()
	config.fillLists()
	return config
}

// baseConfig is the defaults without list values. Decoders append into
// existing slices element by element, so list defaults are filled
// after decoding, and only when the file left them unset.
func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ShutdownTimeoutSeconds: 30,
		},
		Claude: ClaudeConfig{
			BaseURL:               "https://api.anthropic.com/v1",
			APIVersion:            llm.DefaultAnthropicVersion,
			Timeout:               60,
			MaxRetries:            3,
			InitialBackoffSeconds: 1,
			MaxBackoffSeconds:     30,
			DefaultMaxTokens:      1000,
		},
		Context: ContextConfig{
			Enabled:                true,
			MaxContextMessages:     20,
			MaxSummaryChars:        2000,
			SessionTimeoutMinutes:  30,
			MaxSessions:            1000,
			CleanupIntervalMinutes: 10,
			FingerprintHeader:      "User-Agent",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
			Scope:             ScopeClient,
		},
		HealthCheck: HealthCheckConfig{DegradedAfterFailures: 3},
		Monitoring: MonitoringConfig{
			LogLevel:    "info",
			LogFormat:   "auto",
			LogRequests: true,
		},
	}
}

func (config *Config) fillLists() {
	if config.Server.CORSOrigins == nil {
		config.Server.CORSOrigins = []string{"*"}
	}
	if config.Claude.Models == nil {
		config.Claude.Models = []llm.ModelMapping{
			{Name: "claude-3-5-sonnet", ID: "claude-3-5-sonnet-20241022", Family: "claude-3.5"},
			{Name: "claude-3-5-haiku", ID: "claude-3-5-haiku-20241022", Family: "claude-3.5"},
			{Name: "claude-3-opus", ID: "claude-3-opus-20240229", Family: "claude-3"},
		}
	}
}

// LoadConfig reads a configuration file over [DefaultConfig] and
// applies environment overrides. Files ending in .json or .jsonc are
// read as JSON with comments; anything else as YAML. An empty path
// returns the defaults with overrides applied.
func LoadConfig(path string) (*Config, error) {
	config := baseConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		format := "yaml"
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".jsonc":
			format = "jsonc"
		}
		if err := config.parse(data, format, os.LookupEnv); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	config.fillLists()
	config.applyEnvironment(os.LookupEnv)
	return config, nil
}

// ParseConfig decodes data in the given format ("yaml" or "jsonc")
// over the defaults. Placeholders resolve against lookup; environment
// overrides are not applied.
func ParseConfig(data []byte, format string, lookup func(string) (string, bool)) (*Config, error) {
	config := baseConfig()
	if err := config.parse(data, format, lookup); err != nil {
		return nil, err
	}
	config.fillLists()
	return config, nil
}

func (config *Config) parse(data []byte, format string, lookup func(string) (string, bool)) error {
	expanded := []byte(expandPlaceholders(string(data), lookup))
	switch format {
	case "yaml":
		return yaml.Unmarshal(expanded, config)
	case "jsonc":
		return json.Unmarshal(jsonc.ToJSON(expanded), config)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
}

// placeholderPattern matches ${VAR}, ${VAR:default} and ${VAR:-default}.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-?([^}]*))?\}`)

// expandPlaceholders substitutes environment placeholders. An unset or
// empty variable takes the default, or the empty string.
func expandPlaceholders(text string, lookup func(string) (string, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		if value, ok := lookup(parts[1]); ok && value != "" {
			return value
		}
		return parts[2]
	})
}

// applyEnvironment applies the HOST, PORT and CLAUDE_API_KEY
// overrides. An unparseable PORT is ignored.
func (config *Config) applyEnvironment(lookup func(string) (string, bool)) {
	if host, ok := lookup("HOST"); ok && host != "" {
		config.Server.Host = host
	}
	if port, ok := lookup("PORT"); ok && port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			config.Server.Port = parsed
		}
	}
	if key, ok := lookup("CLAUDE_API_KEY"); ok && key != "" {
		config.Claude.APIKey = key
	}
}

// Validate reports every problem in the configuration at once.
func (config *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		add("server.port: %d is out of range", config.Server.Port)
	}
	if config.Server.ShutdownTimeoutSeconds < 0 {
		add("server.shutdown_timeout_seconds: must not be negative")
	}
	if config.Claude.APIKey != "" && config.Claude.APIKeyFile != "" {
		add("claude.api_key_file: set either api_key or api_key_file, not both")
	}
	if config.Claude.BaseURL == "" {
		add("claude.base_url: is required")
	}
	if config.Claude.Timeout <= 0 {
		add("claude.timeout: must be positive")
	}
	if config.Claude.MaxRetries < 0 {
		add("claude.max_retries: must not be negative")
	}
	if config.Claude.InitialBackoffSeconds < 0 || config.Claude.MaxBackoffSeconds < 0 {
		add("claude backoff: must not be negative")
	}
	if config.Claude.DefaultMaxTokens <= 0 {
		add("claude.default_max_tokens: must be positive")
	}
	if len(config.Claude.Models) == 0 {
		add("claude.models: no models configured")
	} else if _, err := llm.NewMapper(config.Claude.Models); err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, problem := range joined.Unwrap() {
				add("claude.%w", problem)
			}
		} else {
			add("claude.%w", err)
		}
	}
	if config.Context.Enabled {
		if config.Context.MaxSessions <= 0 {
			add("context.max_sessions: must be positive")
		}
		if config.Context.SessionTimeoutMinutes < 0 {
			add("context.session_timeout_minutes: must not be negative")
		}
		if config.Context.CleanupIntervalMinutes <= 0 {
			add("context.cleanup_interval_minutes: must be positive")
		}
		if config.Context.MaxContextMessages != 0 && config.Context.MaxContextMessages < 2 {
			add("context.max_context_messages: must be zero or at least 2")
		}
	}
	if config.RateLimit.Enabled {
		if config.RateLimit.RequestsPerMinute <= 0 {
			add("rate_limit.requests_per_minute: must be positive")
		}
		if config.RateLimit.BurstSize < 0 {
			add("rate_limit.burst_size: must not be negative")
		}
	}
	switch config.RateLimit.Scope {
	case ScopeClient, ScopeSession, ScopeGlobal, "":
	default:
		add("rate_limit.scope: unknown scope %q (supported: client, session, global)", config.RateLimit.Scope)
	}
	switch strings.ToLower(config.Monitoring.LogFormat) {
	case "auto", "text", "json", "":
	default:
		add("monitoring.log_format: unknown format %q (supported: auto, text, json)", config.Monitoring.LogFormat)
	}
	if _, err := config.Monitoring.Level(); err != nil {
		add("monitoring.log_level: %w", err)
	}
	return errors.Join(problems...)
}

// Level parses LogLevel. Empty means info; "warning" is accepted for
// warn.
func (config MonitoringConfig) Level() (slog.Level, error) {
	var level slog.Level
	switch strings.ToLower(config.LogLevel) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
