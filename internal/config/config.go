// ABOUTME: Configuration loading and parsing for coven-delivery
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-delivery/internal/auth"
)

// Config represents the complete coven-delivery configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Delivery    DeliveryConfig    `yaml:"delivery" toml:"delivery"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	Transport   TransportConfig   `yaml:"transport" toml:"transport"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the grpc.health.v1 service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables token auth. Empty means development mode: identities come
	// from the user_id query parameter and the API is open.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// Enabled reports whether token authentication is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// DeliveryConfig tunes the delivery manager
type DeliveryConfig struct {
	SendTimeout          time.Duration `yaml:"-" toml:"-"`
	RecoveryQueueSize    int           `yaml:"recovery_queue_size" toml:"recovery_queue_size"`
	ErrorRecoveryEnabled bool          `yaml:"error_recovery_enabled" toml:"error_recovery_enabled"`
	DedupeTTL            time.Duration `yaml:"-" toml:"-"`
	DedupeSize           int           `yaml:"dedupe_size" toml:"dedupe_size"`

	// Raw string values for unmarshaling
	SendTimeoutRaw string `yaml:"send_timeout" toml:"send_timeout"`
	DedupeTTLRaw   string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// MaintenanceConfig holds janitor timing configuration
type MaintenanceConfig struct {
	CleanupInterval  time.Duration `yaml:"-" toml:"-"`
	ErrorRetention   time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval    time.Duration `yaml:"-" toml:"-"`

	CleanupIntervalRaw  string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	ErrorRetentionRaw   string `yaml:"error_retention" toml:"error_retention"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepIntervalRaw    string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// TransportConfig holds WebSocket and SSE settings
type TransportConfig struct {
	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	PongWait     time.Duration `yaml:"-" toml:"-"`
	StreamBuffer int           `yaml:"stream_buffer" toml:"stream_buffer"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PongWaitRaw     string `yaml:"pong_wait" toml:"pong_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config with every optional field set. Load decodes on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8090",
		},
		Delivery: DeliveryConfig{
			RecoveryQueueSize:    100,
			ErrorRecoveryEnabled: true,
			DedupeSize:           10000,
			SendTimeoutRaw:       "5s",
			DedupeTTLRaw:         "5m",
		},
		Maintenance: MaintenanceConfig{
			CleanupIntervalRaw:  "10m",
			ErrorRetentionRaw:   "1h",
			HeartbeatTimeoutRaw: "90s",
			SweepIntervalRaw:    "30s",
		},
		Transport: TransportConfig{
			StreamBuffer:    128,
			WriteTimeoutRaw: "10s",
			PongWaitRaw:     "45s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses duration fields and validates. Load calls it; callers building a
// Config in code call it themselves.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if c.Delivery.RecoveryQueueSize < 1 {
		return fmt.Errorf("delivery.recovery_queue_size must be at least 1, got %d", c.Delivery.RecoveryQueueSize)
	}
	if c.Delivery.DedupeSize < 0 {
		return fmt.Errorf("delivery.dedupe_size must not be negative")
	}
	if c.Delivery.SendTimeout <= 0 {
		return fmt.Errorf("delivery.send_timeout must be positive")
	}

	if c.Transport.StreamBuffer < c.Delivery.RecoveryQueueSize {
		return fmt.Errorf("transport.stream_buffer (%d) must hold a full recovery queue (%d)",
			c.Transport.StreamBuffer, c.Delivery.RecoveryQueueSize)
	}
	if c.Transport.WriteTimeout <= 0 || c.Transport.PongWait <= 0 {
		return fmt.Errorf("transport.write_timeout and transport.pong_wait must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.send_timeout", cfg.Delivery.SendTimeoutRaw, &cfg.Delivery.SendTimeout},
		{"delivery.dedupe_ttl", cfg.Delivery.DedupeTTLRaw, &cfg.Delivery.DedupeTTL},
		{"maintenance.cleanup_interval", cfg.Maintenance.CleanupIntervalRaw, &cfg.Maintenance.CleanupInterval},
		{"maintenance.error_retention", cfg.Maintenance.ErrorRetentionRaw, &cfg.Maintenance.ErrorRetention},
		{"maintenance.heartbeat_timeout", cfg.Maintenance.HeartbeatTimeoutRaw, &cfg.Maintenance.HeartbeatTimeout},
		{"maintenance.sweep_interval", cfg.Maintenance.SweepIntervalRaw, &cfg.Maintenance.SweepInterval},
		{"transport.write_timeout", cfg.Transport.WriteTimeoutRaw, &cfg.Transport.WriteTimeout},
		{"transport.pong_wait", cfg.Transport.PongWaitRaw, &cfg.Transport.PongWait},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
