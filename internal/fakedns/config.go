// Package fakedns is a small authoritative DNS server used as a stand-in
// server family in tests. It serves master zones from zone files, replicates
// slave zones over AXFR/IXFR, sends and honours NOTIFY, and accepts RFC 2136
// updates.
package fakedns

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/dns-harness/pkg/zone"
)

// ErrInvalidConfig is returned for unusable configurations.
var ErrInvalidConfig = errors.New("invalid fakedns config")

// DefaultRefresh is the slave SOA poll interval.
const DefaultRefresh = 200 * time.Millisecond

// Config configures a Server.
type Config struct {
	// Listen is the UDP and TCP endpoint; port 0 picks a free one.
	Listen string `yaml:"listen"`

	Zones []ZoneConfig `yaml:"zones"`
	TSIG  *Key         `yaml:"tsig,omitempty"`

	// Refresh is the slave poll interval.
	Refresh time.Duration `yaml:"refresh"`

	LogLevel string `yaml:"log_level"`

	// Failure injection.
	FailStart   string `yaml:"fail_start,omitempty"`
	NeverReady  bool   `yaml:"never_ready,omitempty"`
	IgnoreTerm  bool   `yaml:"ignore_term,omitempty"`
	Partitioned bool   `yaml:"partitioned,omitempty"`
}

// Key is a TSIG key.
type Key struct {
	Name      string `yaml:"name"`
	Algorithm string `yaml:"algorithm"`
	Secret    string `yaml:"secret"`
}

// ZoneConfig is one served zone.
type ZoneConfig struct {
	Origin string `yaml:"origin"`

	// File is loaded for masters and written after each transfer for slaves.
	File string `yaml:"file"`

	// Masters makes the zone a slave of these endpoints.
	Masters []string `yaml:"masters,omitempty"`

	// Notify lists endpoints notified on change.
	Notify []string `yaml:"notify,omitempty"`

	IXFR bool `yaml:"ixfr,omitempty"`
	DDNS bool `yaml:"ddns,omitempty"`

	// DropOwner makes a slave discard every record of this owner after a
	// transfer, so the replica silently diverges.
	DropOwner string `yaml:"drop_owner,omitempty"`

	// Zone serves a master zone from memory instead of File.
	Zone *zone.Zone `yaml:"-"`
}

// Slave reports whether the zone is replicated from a master.
func (z ZoneConfig) Slave() bool {
	return len(z.Masters) > 0
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}

	seen := make(map[string]bool)
	for _, z := range c.Zones {
		if z.Origin == "" {
			return fmt.Errorf("%w: zone without origin", ErrInvalidConfig)
		}
		if seen[z.Origin] {
			return fmt.Errorf("%w: duplicate zone %s", ErrInvalidConfig, z.Origin)
		}
		seen[z.Origin] = true
		if !z.Slave() && z.File == "" && z.Zone == nil {
			return fmt.Errorf("%w: master zone %s has no data", ErrInvalidConfig, z.Origin)
		}
		if z.Slave() && z.DDNS {
			return fmt.Errorf("%w: slave zone %s cannot accept updates", ErrInvalidConfig, z.Origin)
		}
	}

	if c.TSIG != nil && (c.TSIG.Name == "" || c.TSIG.Secret == "") {
		return fmt.Errorf("%w: incomplete TSIG key", ErrInvalidConfig)
	}

	return nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
