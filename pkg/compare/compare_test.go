package compare_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/piwi3910/dns-harness/internal/fakedns"
	"github.com/piwi3910/dns-harness/pkg/compare"
	"github.com/piwi3910/dns-harness/pkg/server"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()

	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", s, err)
	}

	return rr
}

func records(t *testing.T, lines ...string) []dns.RR {
	t.Helper()

	rrs := make([]dns.RR, 0, len(lines))
	for _, l := range lines {
		rrs = append(rrs, mustRR(t, l))
	}

	return rrs
}

func TestDiffRecords_SerialIgnored(t *testing.T) {
	t.Parallel()

	a := records(t,
		"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 10 3600 600 86400 300",
		"www.zonea.test. 300 IN A 192.0.2.1",
	)
	b := records(t,
		"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 11 3600 600 86400 300",
		"www.zonea.test. 300 IN A 192.0.2.1",
	)

	res, err := compare.DiffRecords(a, b, compare.DefaultOptions())
	if err != nil {
		t.Fatalf("DiffRecords failed: %v", err)
	}
	if !res.Equal() {
		t.Errorf("Expected serial-only difference to compare equal, got %s", res)
	}
	if res.Err() != nil {
		t.Errorf("Expected nil error for equal result, got %v", res.Err())
	}
}

func TestDiffRecords_Options(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		opts  compare.Options
		a     []string
		b     []string
		equal bool
	}{
		{
			name:  "case folded",
			opts:  compare.DefaultOptions(),
			a:     []string{"WWW.zonea.test. 300 IN CNAME Target.zonea.test."},
			b:     []string{"www.zonea.test. 300 IN CNAME target.zonea.test."},
			equal: true,
		},
		{
			name:  "case sensitive",
			opts:  compare.Options{},
			a:     []string{"www.zonea.test. 300 IN CNAME Target.zonea.test."},
			b:     []string{"www.zonea.test. 300 IN CNAME target.zonea.test."},
			equal: false,
		},
		{
			name:  "ttl differs",
			opts:  compare.DefaultOptions(),
			a:     []string{"www.zonea.test. 300 IN A 192.0.2.1"},
			b:     []string{"www.zonea.test. 600 IN A 192.0.2.1"},
			equal: false,
		},
		{
			name:  "ttl ignored",
			opts:  compare.Options{FoldCase: true, IgnoreTTL: true},
			a:     []string{"www.zonea.test. 300 IN A 192.0.2.1"},
			b:     []string{"www.zonea.test. 600 IN A 192.0.2.1"},
			equal: true,
		},
		{
			name:  "soa timers",
			opts:  compare.Options{IgnoreSOATimers: true},
			a:     []string{"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 1 3600 600 86400 300"},
			b:     []string{"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 2 7200 900 604800 60"},
			equal: true,
		},
		{
			name:  "ignored type",
			opts:  compare.Options{IgnoreTypes: []string{"txt"}},
			a:     []string{"www.zonea.test. 300 IN TXT \"v=1\""},
			b:     nil,
			equal: true,
		},
		{
			name:  "duplicates collapse",
			opts:  compare.DefaultOptions(),
			a:     []string{"www.zonea.test. 300 IN A 192.0.2.1", "www.zonea.test. 300 IN A 192.0.2.1"},
			b:     []string{"www.zonea.test. 300 IN A 192.0.2.1"},
			equal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := compare.DiffRecords(records(t, tt.a...), records(t, tt.b...), tt.opts)
			if err != nil {
				t.Fatalf("DiffRecords failed: %v", err)
			}
			if res.Equal() != tt.equal {
				t.Errorf("Expected equal=%v, got %s", tt.equal, res)
			}
		})
	}
}

func TestDiffRecords_Enumerates(t *testing.T) {
	t.Parallel()

	a := records(t,
		"a.zonea.test. 300 IN A 192.0.2.1",
		"b.zonea.test. 300 IN A 192.0.2.2",
	)
	b := records(t,
		"b.zonea.test. 300 IN A 192.0.2.2",
		"c.zonea.test. 300 IN AAAA 2001:db8::1",
	)

	res, err := compare.DiffRecords(a, b, compare.DefaultOptions())
	if err != nil {
		t.Fatalf("DiffRecords failed: %v", err)
	}
	if len(res.OnlyInA) != 1 || res.OnlyInA[0].Owner != "a.zonea.test." {
		t.Errorf("Expected a.zonea.test. only in A, got %v", res.OnlyInA)
	}
	if len(res.OnlyInB) != 1 || res.OnlyInB[0].Type != "AAAA" {
		t.Errorf("Expected the AAAA only in B, got %v", res.OnlyInB)
	}

	var mismatch *compare.MismatchError
	if !errors.As(res.Err(), &mismatch) || !errors.Is(res.Err(), compare.ErrMismatch) {
		t.Errorf("Expected MismatchError, got %v", res.Err())
	}
}

func TestNew_UnknownIgnoredType(t *testing.T) {
	t.Parallel()

	if _, err := compare.New(compare.Options{IgnoreTypes: []string{"BOGUS"}}, zerolog.Nop()); err == nil {
		t.Error("Expected error for unknown RR type")
	}
}

type axfrSource struct {
	*server.Client
}

func (s axfrSource) Name() string { return s.Server }

func (s axfrSource) TransferZone(ctx context.Context, origin string) ([]dns.RR, error) {
	return s.AXFR(ctx, origin)
}

func serve(t *testing.T, name string, z *zone.Zone) axfrSource {
	t.Helper()

	srv, err := fakedns.New(fakedns.Config{
		Listen: "127.0.0.1:0",
		Zones:  []fakedns.ZoneConfig{{Origin: z.Origin(), Zone: z}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create fake server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start fake server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return axfrSource{server.NewClient(name, srv.Addr(), time.Second, nil)}
}

func generated(t *testing.T) *zone.Zone {
	t.Helper()

	seed := int64(3)
	cfg := zone.DefaultGeneratorConfig()
	cfg.Seed = &seed

	z, err := zone.NewGenerator(cfg).GenerateZone("zonea.test.", 20)
	if err != nil {
		t.Fatalf("Failed to generate zone: %v", err)
	}

	return z
}

func TestComparator_Diff(t *testing.T) {
	t.Parallel()

	z := generated(t)
	a := serve(t, "ns1", z)
	b := serve(t, "ns2", z)

	c, err := compare.New(compare.DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.Diff(context.Background(), "zonea.test.", a, b)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !res.Equal() {
		t.Errorf("Expected identical zones, got %s", res)
	}
	if res.A != "ns1" || res.B != "ns2" || res.Zone != "zonea.test." {
		t.Errorf("Unexpected result labels: %+v", res)
	}
}

func TestComparator_DiffMissingRecord(t *testing.T) {
	t.Parallel()

	z := generated(t)
	rrs := z.Records()
	dropped := rrs[len(rrs)-1]

	trimmed, err := zone.FromRecords(z.Origin(), append([]dns.RR{z.SOA()}, rrs[:len(rrs)-1]...))
	if err != nil {
		t.Fatalf("FromRecords failed: %v", err)
	}

	c, err := compare.New(compare.DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.Diff(context.Background(), z.Origin(), serve(t, "ns1", z), serve(t, "ns2", trimmed))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(res.OnlyInA) != 1 || len(res.OnlyInB) != 0 {
		t.Fatalf("Expected exactly one record only in A, got %s", res)
	}

	want, _ := compare.Canonicalize(dropped, compare.DefaultOptions())
	if res.OnlyInA[0] != want {
		t.Errorf("Expected %s, got %s", want, res.OnlyInA[0])
	}
}

func TestComparator_TransferErrorPropagates(t *testing.T) {
	t.Parallel()

	z := generated(t)
	a := serve(t, "ns1", z)
	b := serve(t, "ns2", z)

	c, err := compare.New(compare.DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.Diff(context.Background(), "zoneb.test.", a, b)
	if err == nil {
		t.Fatal("Expected transfer error for unserved zone")
	}
	if res != nil {
		t.Errorf("Expected no partial result, got %s", res)
	}
	if !errors.Is(err, server.ErrTransfer) {
		t.Errorf("Expected ErrTransfer, got %v", err)
	}
}

func TestDiffRecords_Symmetric(t *testing.T) {
	t.Parallel()

	a := records(t,
		"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 1 3600 600 86400 300",
		"www.zonea.test. 300 IN A 192.0.2.1",
		"mail.zonea.test. 300 IN MX 10 mx.zonea.test.",
	)
	b := records(t,
		"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 2 3600 600 86400 300",
		"www.zonea.test. 300 IN A 192.0.2.2",
		"mail.zonea.test. 300 IN MX 10 mx.zonea.test.",
	)

	ab, err := compare.DiffRecords(a, b, compare.DefaultOptions())
	if err != nil {
		t.Fatalf("DiffRecords failed: %v", err)
	}
	ba, err := compare.DiffRecords(b, a, compare.DefaultOptions())
	if err != nil {
		t.Fatalf("DiffRecords failed: %v", err)
	}

	if ab.Equal() != ba.Equal() {
		t.Fatalf("Expected the same verdict both ways, got %v and %v", ab.Equal(), ba.Equal())
	}
	if len(ab.OnlyInA) != 1 || len(ba.OnlyInB) != 1 || ab.OnlyInA[0] != ba.OnlyInB[0] {
		t.Errorf("Expected swapped difference sets, got %v / %v", ab.OnlyInA, ba.OnlyInB)
	}
	if len(ab.OnlyInB) != 1 || len(ba.OnlyInA) != 1 || ab.OnlyInB[0] != ba.OnlyInA[0] {
		t.Errorf("Expected swapped difference sets, got %v / %v", ab.OnlyInB, ba.OnlyInA)
	}
}

func TestDiffRecords_SelfIsEqual(t *testing.T) {
	t.Parallel()

	a := records(t,
		"zonea.test. 3600 IN SOA ns1.zonea.test. admin.zonea.test. 1 3600 600 86400 300",
		"www.zonea.test. 300 IN A 192.0.2.1",
		"www.zonea.test. 300 IN A 192.0.2.2",
		"txt.zonea.test. 300 IN TXT \"hello\"",
	)
	reversed := make([]dns.RR, len(a))
	for i, rr := range a {
		reversed[len(a)-1-i] = rr
	}

	res, err := compare.DiffRecords(a, reversed, compare.DefaultOptions())
	if err != nil {
		t.Fatalf("DiffRecords failed: %v", err)
	}
	if !res.Equal() {
		t.Errorf("Expected a zone to equal itself in any order, got %s", res)
	}
}
