package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/miekg/dns"

	"github.com/piwi3910/dns-harness/pkg/topology"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// Config is everything a driver needs to render a server configuration.
type Config struct {
	// Name is the server name within the test.
	Name string

	// Host and Port form the DNS listen endpoint.
	Host string
	Port int

	// Dir is the per-process working directory.
	Dir string

	// Binary is the server executable.
	Binary string

	// ExtraArgs are appended to the driver's command line.
	ExtraArgs []string

	// Params carries free-form per-family settings.
	Params map[string]string

	// Zones holds one entry per served zone.
	Zones []ZoneConfig

	// TSIG is the shared key, or nil.
	TSIG *topology.TSIGKey
}

// ZoneConfig is a zone role plus its on-disk location.
type ZoneConfig struct {
	topology.ZoneRole

	// File is the zone file: the fixture for masters, the transfer target for slaves.
	File string
}

// Master reports whether the zone is mastered here.
func (z ZoneConfig) Master() bool {
	return z.Role == topology.RoleMaster
}

// Addr returns the DNS endpoint.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Path joins elem onto the working directory.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.Dir}, elem...)...)
}

// Param returns a family setting or def.
func (c *Config) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}

	return def
}

// Launch describes the process to spawn.
type Launch struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Driver adapts one server implementation to the harness.
type Driver interface {
	// Family is the registry tag, e.g. "knot".
	Family() string

	// DefaultBinary is the executable used when none is configured.
	DefaultBinary() string

	// WriteConfig renders the configuration into cfg.Dir and returns its path.
	WriteConfig(cfg *Config) (string, error)

	// Command returns the process to spawn in the foreground.
	Command(cfg *Config, configPath string) Launch

	// ProbeReady returns nil once the server answers.
	ProbeReady(ctx context.Context, c *Client, cfg *Config) error

	// Serial returns the SOA serial the server currently serves.
	Serial(ctx context.Context, c *Client, origin string) (uint32, error)

	// Transfer returns the full record set of origin, SOA first.
	Transfer(ctx context.Context, c *Client, origin string) ([]dns.RR, error)
}

// DNSCapabilities implements the probe, serial and transfer operations over
// the DNS protocol. Drivers embed it and override what their server does
// differently.
type DNSCapabilities struct{}

// ProbeReady sends an SOA query for the first configured zone.
func (DNSCapabilities) ProbeReady(ctx context.Context, c *Client, cfg *Config) error {
	name := "."
	if len(cfg.Zones) > 0 {
		name = cfg.Zones[0].Origin()
	}

	return c.Ping(ctx, name)
}

// Serial queries the SOA.
func (DNSCapabilities) Serial(ctx context.Context, c *Client, origin string) (uint32, error) {
	return c.Serial(ctx, origin)
}

// Transfer runs an AXFR.
func (DNSCapabilities) Transfer(ctx context.Context, c *Client, origin string) ([]dns.RR, error) {
	return c.AXFR(ctx, origin)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by its family tag. Registering a
// family twice replaces the previous driver.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	drivers[d.Family()] = d
}

// LookupDriver returns the driver registered for family.
func LookupDriver(family string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()

	d, ok := drivers[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownFamily, family, familiesLocked())
	}

	return d, nil
}

// Families returns the registered family tags, sorted.
func Families() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	return familiesLocked()
}

func familiesLocked() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// zoneConfigs validates roles against the zones handed to Configure.
func zoneConfigs(name, dir string, zones []*zone.Zone, a *topology.RoleAssignment) ([]ZoneConfig, error) {
	passed := make(map[string]*zone.Zone, len(zones))
	for _, z := range zones {
		passed[z.Origin()] = z
	}

	if a == nil {
		return nil, nil
	}

	configs := make([]ZoneConfig, 0, len(a.Zones))
	for _, zr := range a.Zones {
		if zr.Zone == nil {
			return nil, &ConfigError{Server: name, Reason: "zone role without zone"}
		}
		if _, ok := passed[zr.Origin()]; !ok {
			return nil, &ConfigError{Server: name, Reason: fmt.Sprintf("role for zone %s which was not passed", zr.Origin())}
		}
		if zr.Role == topology.RoleSlave && len(zr.Masters) == 0 {
			return nil, &ConfigError{Server: name, Reason: fmt.Sprintf("slave of %s without a master endpoint", zr.Origin())}
		}
		for _, m := range zr.Masters {
			if _, port, err := net.SplitHostPort(m.Addr); err != nil || port == "" {
				return nil, &ConfigError{Server: name, Reason: fmt.Sprintf("slave of %s without a master endpoint: %s has address %q", zr.Origin(), m.Name, m.Addr), Err: err}
			}
		}
		if zr.Role == topology.RoleSlave && zr.DDNS {
			return nil, &ConfigError{Server: name, Reason: fmt.Sprintf("dynamic update enabled on slave of %s", zr.Origin())}
		}

		configs = append(configs, ZoneConfig{
			ZoneRole: zr,
			File:     filepath.Join(dir, "zones", zone.FileName(zr.Origin())),
		})
	}

	return configs, nil
}

// Peers returns every remote endpoint referenced by the zones, once each,
// ordered by name.
func (c *Config) Peers() []topology.Peer {
	seen := make(map[string]topology.Peer)
	for _, z := range c.Zones {
		for _, p := range z.Masters {
			seen[p.Name] = p
		}
		for _, p := range z.Downstreams {
			seen[p.Name] = p
		}
	}

	peers := make([]topology.Peer, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	return peers
}

// HasDDNS reports whether any zone accepts dynamic updates.
func (c *Config) HasDDNS() bool {
	for _, z := range c.Zones {
		if z.DDNS {
			return true
		}
	}

	return false
}
