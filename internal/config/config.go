// ABOUTME: Configuration loading and parsing for weave-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete weave-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Engine       EngineConfig       `yaml:"engine"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Conversation ConversationConfig `yaml:"conversation"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EngineConfig holds automation-engine client configuration
type EngineConfig struct {
	// StateDir is where per-connection authentication state is kept so a
	// reconnect can reuse prior pairing instead of issuing a new QR code.
	StateDir string `yaml:"state_dir"`
	// DeviceName is the client name shown to the remote messaging service.
	DeviceName string `yaml:"device_name"`

	InitTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	InitTimeoutRaw string `yaml:"init_timeout"`
}

// ReconnectConfig holds reconnection and recovery timing configuration
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	BaseDelay    time.Duration `yaml:"-"`
	MaxDelay     time.Duration `yaml:"-"`
	ReadyTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw    string `yaml:"base_delay"`
	MaxDelayRaw     string `yaml:"max_delay"`
	ReadyTimeoutRaw string `yaml:"ready_timeout"`
}

// ConversationConfig holds settings for the AI conversation backend
type ConversationConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// SendRate limits outbound replies per connection (messages per second).
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`

	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when the config file leaves the tunables unset.
const (
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = 5 * time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultReadyTimeout = 30 * time.Second
	DefaultInitTimeout  = 2 * time.Minute
	DefaultSendRate     = 1.0
	DefaultSendBurst    = 3
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables are replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued tunables with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.ReadyTimeout == 0 {
		c.Reconnect.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Engine.InitTimeout == 0 {
		c.Engine.InitTimeout = DefaultInitTimeout
	}
	if c.Engine.DeviceName == "" {
		c.Engine.DeviceName = "weave-gateway"
	}
	if c.Conversation.SendRate == 0 {
		c.Conversation.SendRate = DefaultSendRate
	}
	if c.Conversation.SendBurst == 0 {
		c.Conversation.SendBurst = DefaultSendBurst
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Engine.StateDir == "" {
		return fmt.Errorf("engine.state_dir is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be at least reconnect.base_delay")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay, "reconnect.base_delay"},
		{cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay, "reconnect.max_delay"},
		{cfg.Reconnect.ReadyTimeoutRaw, &cfg.Reconnect.ReadyTimeout, "reconnect.ready_timeout"},
		{cfg.Engine.InitTimeoutRaw, &cfg.Engine.InitTimeout, "engine.init_timeout"},
		{cfg.Conversation.TimeoutRaw, &cfg.Conversation.Timeout, "conversation.timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
