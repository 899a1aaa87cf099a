// Package fakeserver registers the "fake" server family, backed by
// fakedns running inside a re-executed test binary.
//
// Test packages that spawn fake servers call MaybeServe first thing in
// TestMain:
//
//	func TestMain(m *testing.M) {
//		fakeserver.MaybeServe()
//		os.Exit(m.Run())
//	}
package fakeserver

import (
	"os"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/piwi3910/dns-harness/internal/fakedns"
	"github.com/piwi3910/dns-harness/pkg/server"
)

// Family is the registry tag of the fake driver.
const Family = "fake"

// EnvConfig tells a re-executed binary to run as a fake server.
const EnvConfig = "DNS_HARNESS_FAKEDNS_CONFIG"

// Params understood by the driver.
const (
	ParamFailStart  = "fail-start"
	ParamNeverReady = "never-ready"
	ParamIgnoreTerm = "ignore-term"
	ParamPartition  = "partition"
	ParamDropOwner  = "drop-owner"
	ParamRefresh    = "refresh"

	// ParamSkipZone leaves the named zone out of the server, as if it failed
	// to load.
	ParamSkipZone = "skip-zone"
)

// Driver runs fakedns.
type Driver struct {
	server.DNSCapabilities
}

func init() {
	server.Register(Driver{})
}

// MaybeServe runs fakedns and exits when the process was spawned by the driver.
func MaybeServe() {
	if path := os.Getenv(EnvConfig); path != "" {
		os.Exit(fakedns.Main(path))
	}
}

// Family implements server.Driver.
func (Driver) Family() string { return Family }

// DefaultBinary is the running executable.
func (Driver) DefaultBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}

	return exe
}

// WriteConfig renders the fakedns YAML config.
func (Driver) WriteConfig(cfg *server.Config) (string, error) {
	fc := &fakedns.Config{
		Listen:      cfg.Addr(),
		LogLevel:    cfg.Param("log-level", "debug"),
		FailStart:   cfg.Param(ParamFailStart, ""),
		NeverReady:  flag(cfg, ParamNeverReady),
		IgnoreTerm:  flag(cfg, ParamIgnoreTerm),
		Partitioned: flag(cfg, ParamPartition),
	}

	if v := cfg.Param(ParamRefresh, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return "", &server.ConfigError{Server: cfg.Name, Reason: "invalid refresh interval", Err: err}
		}
		fc.Refresh = d
	}

	if cfg.TSIG != nil {
		fc.TSIG = &fakedns.Key{
			Name:      cfg.TSIG.Name,
			Algorithm: cfg.TSIG.Algorithm,
			Secret:    cfg.TSIG.Secret,
		}
	}

	skip := dns.CanonicalName(cfg.Param(ParamSkipZone, ""))
	for _, z := range cfg.Zones {
		if skip != "" && z.Origin() == skip {
			continue
		}
		zc := fakedns.ZoneConfig{
			Origin: z.Origin(),
			File:   z.File,
			IXFR:   z.IXFR,
			DDNS:   z.DDNS,
		}
		for _, m := range z.Masters {
			zc.Masters = append(zc.Masters, m.Addr)
		}
		for _, d := range z.Downstreams {
			zc.Notify = append(zc.Notify, d.Addr)
		}
		if !z.Master() {
			zc.DropOwner = cfg.Param(ParamDropOwner, "")
		}
		fc.Zones = append(fc.Zones, zc)
	}

	path := cfg.Path("fakedns.yaml")
	if err := fakedns.SaveConfig(fc, path); err != nil {
		return "", err
	}

	return path, nil
}

// Command re-executes the binary with the config path in the environment.
func (Driver) Command(cfg *server.Config, configPath string) server.Launch {
	return server.Launch{
		Path: cfg.Binary,
		Args: append([]string{"-test.run=^$"}, cfg.ExtraArgs...),
		Env:  []string{EnvConfig + "=" + configPath},
		Dir:  cfg.Dir,
	}
}

func flag(cfg *server.Config, key string) bool {
	v, err := strconv.ParseBool(cfg.Param(key, "false"))

	return err == nil && v
}
