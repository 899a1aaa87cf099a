package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/piwi3910/dns-harness/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig()

	if cfg.Harness.Host != "127.0.0.1" {
		t.Errorf("Expected default host 127.0.0.1, got %s", cfg.Harness.Host)
	}

	if cfg.Harness.StopGrace != 5*time.Second {
		t.Errorf("Expected default stop grace 5s, got %s", cfg.Harness.StopGrace)
	}

	if cfg.Convergence.Timeout != 60*time.Second {
		t.Errorf("Expected default convergence timeout 60s, got %s", cfg.Convergence.Timeout)
	}

	if !cfg.Compare.FoldCase {
		t.Error("Expected case folding to be enabled by default")
	}

	if cfg.Harness.KeepArtifacts {
		t.Error("Expected artifacts to be removed by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "harness.yaml")

	configContent := `
harness:
  work_dir: "/var/tmp/harness"
  keep_artifacts: true
  start_timeout: 20s
  stop_grace: 2s

convergence:
  timeout: 30s
  interval: 100ms
  max_interval: 1s

compare:
  ignore_ttl: true
  fold_case: false
  ignore_types: ["RRSIG", "NSEC"]

servers:
  knot:
    binary: "/opt/knot/sbin/knotd"
    extra_args: ["-v"]
  bind:
    params:
      notify-delay: "0"

logging:
  level: "debug"
  format: "json"

api:
  listen_address: ":9090"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Harness.WorkDir != "/var/tmp/harness" {
		t.Errorf("Expected work dir /var/tmp/harness, got %s", cfg.Harness.WorkDir)
	}
	if !cfg.Harness.KeepArtifacts {
		t.Error("Expected artifacts to be kept")
	}
	if cfg.Harness.StartTimeout != 20*time.Second {
		t.Errorf("Expected 20s start timeout, got %s", cfg.Harness.StartTimeout)
	}
	if cfg.Harness.QueryTimeout != 2*time.Second {
		t.Errorf("Expected default query timeout to survive, got %s", cfg.Harness.QueryTimeout)
	}

	if cfg.Convergence.Interval != 100*time.Millisecond {
		t.Errorf("Expected 100ms interval, got %s", cfg.Convergence.Interval)
	}

	if !cfg.Compare.IgnoreTTL || cfg.Compare.FoldCase {
		t.Errorf("Expected ignore_ttl on and fold_case off, got %+v", cfg.Compare)
	}
	if len(cfg.Compare.IgnoreTypes) != 2 {
		t.Errorf("Expected 2 ignored types, got %v", cfg.Compare.IgnoreTypes)
	}

	knot := cfg.Server("knot")
	if knot.Binary != "/opt/knot/sbin/knotd" || len(knot.ExtraArgs) != 1 {
		t.Errorf("Unexpected knot overrides: %+v", knot)
	}
	if cfg.Server("bind").Params["notify-delay"] != "0" {
		t.Errorf("Expected bind param, got %v", cfg.Server("bind").Params)
	}
	if cfg.Server("nsd").Binary != "" {
		t.Error("Expected empty overrides for unconfigured family")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format 'json', got %s", cfg.Logging.Format)
	}
	if cfg.API.ListenAddress != ":9090" {
		t.Errorf("Expected API address :9090, got %s", cfg.API.ListenAddress)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromFile("/nonexistent/path/harness.yaml")
	if !errors.Is(err, config.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadFromFileOrDefault(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromFileOrDefault("/nonexistent/harness.yaml")
	if err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}

	if cfg.Harness.StartTimeout != 10*time.Second {
		t.Errorf("Expected default start timeout, got %s", cfg.Harness.StartTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		modify      func(*config.Config)
		expectError bool
	}{
		{
			name:        "Valid default config",
			modify:      func(c *config.Config) {},
			expectError: false,
		},
		{
			name: "Zero start timeout",
			modify: func(c *config.Config) {
				c.Harness.StartTimeout = 0
			},
			expectError: true,
		},
		{
			name: "Negative convergence timeout",
			modify: func(c *config.Config) {
				c.Convergence.Timeout = -time.Second
			},
			expectError: true,
		},
		{
			name: "Max interval below interval",
			modify: func(c *config.Config) {
				c.Convergence.Interval = 5 * time.Second
				c.Convergence.MaxInterval = time.Second
			},
			expectError: true,
		},
		{
			name: "Backoff below one",
			modify: func(c *config.Config) {
				c.Convergence.Backoff = 0.5
			},
			expectError: true,
		},
		{
			name: "Invalid log level",
			modify: func(c *config.Config) {
				c.Logging.Level = "trace"
			},
			expectError: true,
		},
		{
			name: "Invalid log format",
			modify: func(c *config.Config) {
				c.Logging.Format = "xml"
			},
			expectError: true,
		},
		{
			name: "Empty host",
			modify: func(c *config.Config) {
				c.Harness.Host = ""
			},
			expectError: true,
		},
		{
			name: "Fixed interval",
			modify: func(c *config.Config) {
				c.Convergence.Backoff = 1
				c.Convergence.MaxInterval = c.Convergence.Interval
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.expectError {
				t.Errorf("Validate() error = %v, expectError = %v", err, tt.expectError)
			}
		})
	}
}

func TestSaveToFile(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "output.yaml")

	cfg := config.DefaultConfig()
	cfg.Harness.KeepArtifacts = true
	cfg.Convergence.Timeout = 90 * time.Second
	cfg.Servers["knot"] = config.ServerConfig{Binary: "/usr/local/sbin/knotd"}

	err := cfg.SaveToFile(configPath)
	if err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := config.LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if !loaded.Harness.KeepArtifacts {
		t.Error("Expected keep_artifacts to round trip")
	}
	if loaded.Convergence.Timeout != 90*time.Second {
		t.Errorf("Expected 90s timeout, got %s", loaded.Convergence.Timeout)
	}
	if loaded.Server("knot").Binary != "/usr/local/sbin/knotd" {
		t.Errorf("Expected knot binary override, got %q", loaded.Server("knot").Binary)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	_, err = config.LoadFromFile(configPath)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoadFromFile_InvalidConfig(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.yaml")

	configContent := `
convergence:
  interval: 0s
logging:
  level: "info"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	_, err = config.LoadFromFile(configPath)
	if !errors.Is(err, config.ErrInvalidDuration) {
		t.Errorf("Expected ErrInvalidDuration, got %v", err)
	}
}
