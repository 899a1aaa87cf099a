package topology_test

import (
	"errors"
	"testing"

	"github.com/piwi3910/dns-harness/pkg/topology"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

type node struct {
	name string
	addr string
}

func (n *node) Name() string { return n.name }
func (n *node) Addr() string { return n.addr }

func testZones(t *testing.T, origins ...string) []*zone.Zone {
	t.Helper()

	seed := int64(7)
	cfg := zone.DefaultGeneratorConfig()
	cfg.Seed = &seed
	gen := zone.NewGenerator(cfg)

	zones := make([]*zone.Zone, 0, len(origins))
	for _, origin := range origins {
		z, err := gen.GenerateZone(origin, 5)
		if err != nil {
			t.Fatalf("Failed to generate %s: %v", origin, err)
		}
		zones = append(zones, z)
	}

	return zones
}

func TestBuild_SingleMasterTwoSlaves(t *testing.T) {
	t.Parallel()

	zones := testZones(t, "zonea.test.", "zoneb.test.")
	master := &node{name: "master", addr: "127.0.0.1:5301"}
	s1 := &node{name: "slave1", addr: "127.0.0.1:5302"}
	s2 := &node{name: "slave2", addr: "127.0.0.1:5303"}

	topo := topology.New()
	if _, err := topo.Link(zones, master, s1, s2); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	plan, err := topo.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for _, z := range zones {
		m, ok := plan.MasterFor(z.Origin())
		if !ok || m.Name() != "master" {
			t.Errorf("Expected master for %s, got %v", z.Origin(), m)
		}

		slaves := plan.SlavesFor(z.Origin())
		if len(slaves) != 2 || slaves[0].Name() != "slave1" || slaves[1].Name() != "slave2" {
			t.Errorf("Expected slave1 and slave2 for %s, got %v", z.Origin(), slaves)
		}
	}

	ma := plan.Assignment("master")
	if len(ma.Zones) != 2 {
		t.Fatalf("Expected master to serve 2 zones, got %d", len(ma.Zones))
	}
	for _, zr := range ma.Zones {
		if zr.Role != topology.RoleMaster {
			t.Errorf("Expected master role for %s, got %s", zr.Origin(), zr.Role)
		}
		if len(zr.Downstreams) != 2 {
			t.Errorf("Expected 2 downstreams on %s, got %d", zr.Origin(), len(zr.Downstreams))
		}
	}

	sa := plan.Assignment("slave2")
	zr, ok := sa.Role("ZoneA.test")
	if !ok {
		t.Fatal("Expected slave2 to serve zonea.test.")
	}
	if zr.Role != topology.RoleSlave {
		t.Errorf("Expected slave role, got %s", zr.Role)
	}
	if len(zr.Masters) != 1 || zr.Masters[0].Addr != "127.0.0.1:5301" {
		t.Errorf("Expected master endpoint 127.0.0.1:5301, got %v", zr.Masters)
	}
	if zr.Masters[0].Host() != "127.0.0.1" || zr.Masters[0].Port() != "5301" {
		t.Errorf("Expected host/port split, got %s %s", zr.Masters[0].Host(), zr.Masters[0].Port())
	}
}

func TestBuild_UnlinkedServerHasNoZones(t *testing.T) {
	t.Parallel()

	zones := testZones(t, "zonea.test.")
	topo := topology.New()
	if _, err := topo.Link(zones, &node{name: "m"}, &node{name: "s"}); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	plan, err := topo.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := plan.Assignment("idle"); len(got.Zones) != 0 {
		t.Errorf("Expected no zones for idle server, got %d", len(got.Zones))
	}
}

func TestBuild_Chain(t *testing.T) {
	t.Parallel()

	zones := testZones(t, "zonea.test.")
	master := &node{name: "m", addr: "127.0.0.1:1"}
	mid := &node{name: "mid", addr: "127.0.0.1:2"}
	leaf := &node{name: "leaf", addr: "127.0.0.1:3"}

	topo := topology.New()
	if _, err := topo.Link(zones, master, mid); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if _, err := topo.Chain(zones, mid, leaf); err != nil {
		t.Fatalf("Chain failed: %v", err)
	}

	plan, err := topo.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	midRole, _ := plan.Assignment("mid").Role("zonea.test.")
	if midRole.Role != topology.RoleSlave {
		t.Errorf("Expected mid to be a slave, got %s", midRole.Role)
	}
	if len(midRole.Downstreams) != 1 || midRole.Downstreams[0].Name != "leaf" {
		t.Errorf("Expected leaf downstream of mid, got %v", midRole.Downstreams)
	}

	ups := plan.UpstreamsFor("zonea.test.", "leaf")
	if len(ups) != 1 || ups[0].Name() != "mid" {
		t.Errorf("Expected leaf to transfer from mid, got %v", ups)
	}

	m, _ := plan.MasterFor("zonea.test.")
	if m.Name() != "m" {
		t.Errorf("Expected primary master m, got %s", m.Name())
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, topo *topology.Topology)
	}{
		{
			name: "zone without master",
			setup: func(t *testing.T, topo *topology.Topology) {
				topo.Declare(testZones(t, "orphan.test.")...)
			},
		},
		{
			name: "two masters",
			setup: func(t *testing.T, topo *topology.Topology) {
				zones := testZones(t, "zonea.test.")
				s := &node{name: "s"}
				_, _ = topo.Link(zones, &node{name: "m1"}, s)
				_, _ = topo.Link(zones, &node{name: "m2"}, s)
			},
		},
		{
			name: "replication cycle",
			setup: func(t *testing.T, topo *topology.Topology) {
				zones := testZones(t, "zonea.test.")
				a, b := &node{name: "a"}, &node{name: "b"}
				_, _ = topo.Link(zones, a, b)
				_, _ = topo.Link(zones, b, a)
			},
		},
		{
			name: "link master that is also a slave",
			setup: func(t *testing.T, topo *topology.Topology) {
				zones := testZones(t, "zonea.test.")
				a, b, c := &node{name: "a"}, &node{name: "b"}, &node{name: "c"}
				_, _ = topo.Link(zones, a, b)
				_, _ = topo.Link(zones, c, a)
			},
		},
		{
			name: "chain back to the master",
			setup: func(t *testing.T, topo *topology.Topology) {
				zones := testZones(t, "zonea.test.")
				a, b := &node{name: "a"}, &node{name: "b"}
				_, _ = topo.Link(zones, a, b)
				_, _ = topo.Chain(zones, b, a)
			},
		},
		{
			name: "chained upstream without zone",
			setup: func(t *testing.T, topo *topology.Topology) {
				zones := testZones(t, "zonea.test.")
				_, _ = topo.Chain(zones, &node{name: "up"}, &node{name: "s"})
			},
		},
		{
			name: "different fixtures share origin",
			setup: func(t *testing.T, topo *topology.Topology) {
				z1 := testZones(t, "zonea.test.")
				z2 := testZones(t, "zonea.test.")
				_, _ = topo.Link(z1, &node{name: "m"}, &node{name: "s1"})
				_, _ = topo.Link(z2, &node{name: "m"}, &node{name: "s2"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			topo := topology.New()
			tt.setup(t, topo)

			_, err := topo.Build()
			if !errors.Is(err, topology.ErrTopology) {
				t.Fatalf("Expected topology error, got %v", err)
			}

			var terr *topology.TopologyError
			if !errors.As(err, &terr) {
				t.Errorf("Expected *TopologyError, got %T", err)
			}
		})
	}
}

func TestLink_Errors(t *testing.T) {
	t.Parallel()

	zones := testZones(t, "zonea.test.")
	m := &node{name: "m"}
	topo := topology.New()

	if _, err := topo.Link(zones, m, m); !errors.Is(err, topology.ErrTopology) {
		t.Errorf("Expected error for self-slave, got %v", err)
	}
	if _, err := topo.Link(nil, m, &node{name: "s"}); !errors.Is(err, topology.ErrTopology) {
		t.Errorf("Expected error for empty zone list, got %v", err)
	}
	if _, err := topo.Link(zones, nil); !errors.Is(err, topology.ErrTopology) {
		t.Errorf("Expected error for nil master, got %v", err)
	}
	if len(topo.Links()) != 0 {
		t.Errorf("Expected rejected links not to be recorded, got %d", len(topo.Links()))
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()

	zones := testZones(t, "zonea.test.")
	topo := topology.New(topology.WithIXFR(), topology.WithDDNS(), topology.WithTSIG("xfr-key", ""))
	if _, err := topo.Link(zones, &node{name: "m"}, &node{name: "s"}); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	plan, err := topo.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	key := plan.TSIG()
	if key == nil || key.Name != "xfr-key." || key.Secret == "" {
		t.Fatalf("Expected generated TSIG key, got %+v", key)
	}
	if key.Algorithm != "hmac-sha256." {
		t.Errorf("Expected default algorithm hmac-sha256., got %s", key.Algorithm)
	}

	mr, _ := plan.Assignment("m").Role("zonea.test.")
	if !mr.IXFR || !mr.DDNS || mr.TSIG == nil {
		t.Errorf("Expected IXFR, DDNS and TSIG on master, got %+v", mr)
	}

	sr, _ := plan.Assignment("s").Role("zonea.test.")
	if sr.DDNS {
		t.Error("Expected dynamic updates disabled on slave")
	}
}
