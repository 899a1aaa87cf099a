// Package config provides YAML configuration support for the harness.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration errors.
var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrConfigNotFound  = errors.New("configuration file not found")
	ErrInvalidLevel    = errors.New("invalid log level")
	ErrInvalidFormat   = errors.New("invalid log format")
	ErrInvalidDuration = errors.New("duration must be positive")
)

// Config represents the complete harness configuration.
type Config struct {
	Harness     HarnessConfig           `yaml:"harness"`
	Convergence ConvergenceConfig       `yaml:"convergence"`
	Compare     CompareConfig           `yaml:"compare"`
	Servers     map[string]ServerConfig `yaml:"servers"`
	Logging     LoggingConfig           `yaml:"logging"`
	API         APIConfig               `yaml:"api"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// HarnessConfig holds process supervision settings.
type HarnessConfig struct {
	// WorkDir is the parent of per-server work directories (default: os.TempDir)
	WorkDir string `yaml:"work_dir"`

	// KeepArtifacts keeps work directories after Stop for post-mortem
	KeepArtifacts bool `yaml:"keep_artifacts"`

	// Host is the loopback address servers bind to
	Host string `yaml:"host"`

	StartTimeout time.Duration `yaml:"start_timeout"`
	StopGrace    time.Duration `yaml:"stop_grace"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// ConvergenceConfig holds the serial polling policy.
type ConvergenceConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Backoff     float64       `yaml:"backoff"`
}

// CompareConfig holds zone comparison options.
type CompareConfig struct {
	IgnoreTTL       bool     `yaml:"ignore_ttl"`
	FoldCase        bool     `yaml:"fold_case"`
	IgnoreSOATimers bool     `yaml:"ignore_soa_timers"`
	IgnoreTypes     []string `yaml:"ignore_types"`
}

// ServerConfig overrides the defaults of one server family.
type ServerConfig struct {
	// Binary is the server executable; empty uses the family default from PATH
	Binary string `yaml:"binary"`

	ExtraArgs []string          `yaml:"extra_args"`
	Params    map[string]string `yaml:"params"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error"
	Level string `yaml:"level"`

	// Format is the log format: "text" or "json"
	Format string `yaml:"format"`
}

// APIConfig configures the results API.
type APIConfig struct {
	ListenAddress string   `yaml:"listen_address"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Harness: HarnessConfig{
			Host:         "127.0.0.1",
			StartTimeout: 10 * time.Second,
			StopGrace:    5 * time.Second,
			QueryTimeout: 2 * time.Second,
		},
		Convergence: ConvergenceConfig{
			Timeout:     60 * time.Second,
			Interval:    250 * time.Millisecond,
			MaxInterval: 2 * time.Second,
			Backoff:     1.5,
		},
		Compare: CompareConfig{
			FoldCase: true,
		},
		Servers: map[string]ServerConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			ListenAddress: "127.0.0.1:8085",
			CORSOrigins:   []string{"http://localhost:*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Server returns the overrides for family, or the zero value.
func (c *Config) Server(family string) ServerConfig {
	return c.Servers[family]
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFileOrDefault loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration without error.
func LoadFromFileOrDefault(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"harness.start_timeout":    c.Harness.StartTimeout,
		"harness.stop_grace":       c.Harness.StopGrace,
		"harness.query_timeout":    c.Harness.QueryTimeout,
		"convergence.timeout":      c.Convergence.Timeout,
		"convergence.interval":     c.Convergence.Interval,
		"convergence.max_interval": c.Convergence.MaxInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s=%s", ErrInvalidDuration, name, d)
		}
	}

	if c.Convergence.MaxInterval < c.Convergence.Interval {
		return fmt.Errorf("%w: convergence.max_interval %s below interval %s", ErrInvalidConfig, c.Convergence.MaxInterval, c.Convergence.Interval)
	}
	if c.Convergence.Backoff < 1 {
		return fmt.Errorf("%w: convergence.backoff must be >= 1, got %g", ErrInvalidConfig, c.Convergence.Backoff)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLevel, c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidFormat, c.Logging.Format)
	}

	if c.Harness.Host == "" {
		return fmt.Errorf("%w: harness.host is empty", ErrInvalidConfig)
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
