package zone_test

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

func seededConfig(seed int64) zone.GeneratorConfig {
	cfg := zone.DefaultGeneratorConfig()
	cfg.Seed = &seed

	return cfg
}

func TestGenerator_Generate(t *testing.T) {
	t.Parallel()
	g := zone.NewGenerator(seededConfig(42))

	zones, err := g.Generate(5)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(zones) != 5 {
		t.Fatalf("Expected 5 zones, got %d", len(zones))
	}

	cfg := zone.DefaultGeneratorConfig()
	origins := make(map[string]bool)
	for _, z := range zones {
		if origins[z.Origin()] {
			t.Errorf("Duplicate zone name %s", z.Origin())
		}
		origins[z.Origin()] = true

		if !dns.IsSubDomain(cfg.Suffix, z.Origin()) {
			t.Errorf("Zone %s is not under %s", z.Origin(), cfg.Suffix)
		}
		if z.RecordCount() < cfg.MinRecords || z.RecordCount() > cfg.MaxRecords {
			t.Errorf("Zone %s has %d records, outside [%d, %d]", z.Origin(), z.RecordCount(), cfg.MinRecords, cfg.MaxRecords)
		}
		if len(z.Lookup(z.Origin(), dns.TypeNS)) == 0 {
			t.Errorf("Zone %s has no apex NS", z.Origin())
		}
	}
}

func TestGenerator_NoDuplicateRecords(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 20; seed++ {
		zones, err := zone.NewGenerator(seededConfig(seed)).Generate(3)
		if err != nil {
			t.Fatalf("seed %d: Generate failed: %v", seed, err)
		}

		for _, z := range zones {
			seen := make(map[string]bool)
			for _, rr := range z.AllRecords() {
				key := zone.RecordKey(rr)
				if seen[key] {
					t.Fatalf("seed %d: duplicate record %s in %s", seed, rr.String(), z.Origin())
				}
				seen[key] = true
			}
		}
	}
}

func TestGenerator_CNAMEOwnersHaveNoOtherData(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 20; seed++ {
		zones, err := zone.NewGenerator(seededConfig(seed)).Generate(3)
		if err != nil {
			t.Fatalf("seed %d: Generate failed: %v", seed, err)
		}

		for _, z := range zones {
			types := make(map[string]map[uint16]int)
			for _, rr := range z.AllRecords() {
				owner := rr.Header().Name
				if types[owner] == nil {
					types[owner] = make(map[uint16]int)
				}
				types[owner][rr.Header().Rrtype]++
			}

			for owner, byType := range types {
				if n := byType[dns.TypeCNAME]; n > 0 && (n > 1 || len(byType) > 1) {
					t.Errorf("seed %d: CNAME owner %s carries other data: %v", seed, owner, byType)
				}
			}
		}
	}
}

func TestGenerator_RRsetTTLConsistent(t *testing.T) {
	t.Parallel()

	zones, err := zone.NewGenerator(seededConfig(7)).Generate(5)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for _, z := range zones {
		ttls := make(map[string]uint32)
		for _, rr := range z.Records() {
			key := rr.Header().Name + dns.TypeToString[rr.Header().Rrtype]
			if ttl, ok := ttls[key]; ok && ttl != rr.Header().Ttl {
				t.Errorf("RRset %s in %s has mixed TTLs %d and %d", key, z.Origin(), ttl, rr.Header().Ttl)
			}
			ttls[key] = rr.Header().Ttl
		}
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := zone.NewGenerator(seededConfig(1234)).Generate(3)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := zone.NewGenerator(seededConfig(1234)).Generate(3)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for i := range a {
		ra, rb := a[i].AllRecords(), b[i].AllRecords()
		if len(ra) != len(rb) {
			t.Fatalf("Zone %d differs in size: %d vs %d", i, len(ra), len(rb))
		}
		for j := range ra {
			if ra[j].String() != rb[j].String() {
				t.Fatalf("Zone %d record %d differs: %q vs %q", i, j, ra[j].String(), rb[j].String())
			}
		}
	}
}

func TestGenerator_FreshSeedReported(t *testing.T) {
	t.Parallel()
	g := zone.NewGenerator(zone.DefaultGeneratorConfig())

	zones, err := g.Generate(2)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	replay, err := zone.NewGenerator(seededConfig(g.Seed())).Generate(2)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for i := range zones {
		if zones[i].Origin() != replay[i].Origin() {
			t.Errorf("Reported seed does not reproduce zone %d: %s vs %s", i, zones[i].Origin(), replay[i].Origin())
		}
	}
}

func TestGenerator_GenerateZone(t *testing.T) {
	t.Parallel()
	g := zone.NewGenerator(seededConfig(99))

	a, err := g.GenerateZone("zoneA.test.", 5)
	if err != nil {
		t.Fatalf("GenerateZone failed: %v", err)
	}
	b, err := g.GenerateZone("zoneB.test.", 8)
	if err != nil {
		t.Fatalf("GenerateZone failed: %v", err)
	}

	if a.Origin() != "zonea.test." || a.RecordCount() != 5 {
		t.Errorf("Unexpected zone A: %s", a)
	}
	if b.Origin() != "zoneb.test." || b.RecordCount() != 8 {
		t.Errorf("Unexpected zone B: %s", b)
	}

	if _, err := g.GenerateZone("zoneA.test.", 5); !errors.Is(err, zone.ErrGeneration) {
		t.Errorf("Expected GenerationError for repeated origin, got %v", err)
	}
}

func TestGenerator_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func() error
	}{
		{"zero count", func() error {
			_, err := zone.NewGenerator(seededConfig(1)).Generate(0)
			return err
		}},
		{"name space exhausted", func() error {
			cfg := seededConfig(1)
			cfg.MaxZones = 2
			_, err := zone.NewGenerator(cfg).Generate(3)
			return err
		}},
		{"too few records", func() error {
			_, err := zone.NewGenerator(seededConfig(1)).GenerateZone("small.test.", 2)
			return err
		}},
		{"record count above bound", func() error {
			cfg := seededConfig(1)
			cfg.MaxRecords = 10
			_, err := zone.NewGenerator(cfg).GenerateZone("big.test.", 11)
			return err
		}},
		{"unsupported type", func() error {
			cfg := seededConfig(1)
			cfg.Types = []uint16{dns.TypeDNSKEY}
			_, err := zone.NewGenerator(cfg).Generate(1)
			return err
		}},
		{"inverted bounds", func() error {
			cfg := seededConfig(1)
			cfg.MinRecords, cfg.MaxRecords = 10, 5
			_, err := zone.NewGenerator(cfg).Generate(1)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.run()

			var genErr *zone.GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("Expected GenerationError, got %v", err)
			}
			if !errors.Is(err, zone.ErrGeneration) {
				t.Error("GenerationError should wrap ErrGeneration")
			}
		})
	}
}
