package server_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/piwi3910/dns-harness/pkg/server"
	"github.com/piwi3910/dns-harness/pkg/topology"
)

func driverConfig(t *testing.T, ddns bool) *server.Config {
	t.Helper()

	master := testZone(t, "zonea.test.", 5)
	slave := testZone(t, "zoneb.test.", 5)
	key := &topology.TSIGKey{Name: "xfr-key.", Algorithm: "hmac-sha256.", Secret: "c2VjcmV0"}

	dir := t.TempDir()
	cfg := &server.Config{
		Name:   "ns1",
		Host:   "127.0.0.1",
		Port:   5353,
		Dir:    dir,
		Binary: "/usr/sbin/test",
		TSIG:   key,
		Zones: []server.ZoneConfig{
			{
				ZoneRole: topology.ZoneRole{
					Zone:        master,
					Role:        topology.RoleMaster,
					Downstreams: []topology.Peer{{Name: "ns2", Addr: "127.0.0.1:5354"}},
					IXFR:        true,
					DDNS:        ddns,
					TSIG:        key,
				},
				File: dir + "/zones/zonea.test.zone",
			},
			{
				ZoneRole: topology.ZoneRole{
					Zone:    slave,
					Role:    topology.RoleSlave,
					Masters: []topology.Peer{{Name: "ns0", Addr: "127.0.0.1:5352"}},
					TSIG:    key,
				},
				File: dir + "/zones/zoneb.test.zone",
			},
		},
	}

	return cfg
}

func renderWith(t *testing.T, family string, cfg *server.Config) string {
	t.Helper()

	d, err := server.LookupDriver(family)
	if err != nil {
		t.Fatalf("LookupDriver(%s) failed: %v", family, err)
	}

	path, err := d.WriteConfig(cfg)
	if err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read rendered config: %v", err)
	}

	launch := d.Command(cfg, path)
	if launch.Path != cfg.Binary {
		t.Errorf("Expected binary %s, got %s", cfg.Binary, launch.Path)
	}
	if !strings.Contains(strings.Join(launch.Args, " "), path) {
		t.Errorf("Expected config path in args, got %v", launch.Args)
	}

	return string(data)
}

func TestDrivers_Render(t *testing.T) {
	t.Parallel()

	tests := []struct {
		family string
		ddns   bool
		want   []string
	}{
		{
			family: "knot",
			ddns:   true,
			want: []string{
				"listen: 127.0.0.1@5353",
				"id: xfr-key",
				"algorithm: hmac-sha256",
				"- id: ns0",
				"address: 127.0.0.1@5352",
				"domain: zonea.test.",
				"notify: [ns2]",
				"master: [ns0]",
				"acl: [xfr, update]",
			},
		},
		{
			family: "bind",
			ddns:   true,
			want: []string{
				"listen-on port 5353 { 127.0.0.1; };",
				`key "xfr-key"`,
				`zone "zonea.test."`,
				"type primary;",
				"ixfr-from-differences yes;",
				`allow-update { key "xfr-key"; };`,
				`also-notify { 127.0.0.1 port 5354 key "xfr-key"; };`,
				"type secondary;",
				`primaries { 127.0.0.1 port 5352 key "xfr-key"; };`,
			},
		},
		{
			family: "nsd",
			want: []string{
				"ip-address: 127.0.0.1@5353",
				`name: "xfr-key"`,
				`name: "zonea.test."`,
				"notify: 127.0.0.1@5354 xfr-key",
				"request-xfr: 127.0.0.1@5352 xfr-key",
				"store-ixfr: yes",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			t.Parallel()

			got := renderWith(t, tt.family, driverConfig(t, tt.ddns))
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("Expected %q in %s config:\n%s", want, tt.family, got)
				}
			}
		})
	}
}

func TestNSD_RejectsDynamicUpdate(t *testing.T) {
	t.Parallel()

	d, err := server.LookupDriver("nsd")
	if err != nil {
		t.Fatalf("LookupDriver failed: %v", err)
	}

	_, err = d.WriteConfig(driverConfig(t, true))
	if !errors.Is(err, server.ErrConfig) {
		t.Errorf("Expected ErrConfig, got %v", err)
	}
}

func TestFreePort(t *testing.T) {
	t.Parallel()

	seen := make(map[int]bool)
	for range 5 {
		port, err := server.FreePort("127.0.0.1")
		if err != nil {
			t.Fatalf("FreePort failed: %v", err)
		}
		if seen[port] {
			t.Errorf("Port %d handed out twice", port)
		}
		seen[port] = true
	}

	for port := range seen {
		server.ReleasePort(port)
	}
}
