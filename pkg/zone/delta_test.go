package zone_test

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
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

func soaWithSerial(t *testing.T, serial string) dns.RR {
	t.Helper()

	return mustRR(t, "example.com. 3600 IN SOA ns1.example.com. admin.example.com. "+serial+" 3600 600 86400 300")
}

func TestParseIXFR_UpToDate(t *testing.T) {
	t.Parallel()

	result, err := zone.ParseIXFR([]dns.RR{soaWithSerial(t, "5")})
	if err != nil {
		t.Fatalf("ParseIXFR failed: %v", err)
	}

	if !result.UpToDate || result.Serial != 5 {
		t.Errorf("Expected up-to-date at serial 5, got %+v", result)
	}
}

func TestParseIXFR_AXFRStyle(t *testing.T) {
	t.Parallel()

	rrs := []dns.RR{
		soaWithSerial(t, "7"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
		soaWithSerial(t, "7"),
	}

	result, err := zone.ParseIXFR(rrs)
	if err != nil {
		t.Fatalf("ParseIXFR failed: %v", err)
	}

	if len(result.Full) != 2 {
		t.Fatalf("Expected full transfer with 2 records, got %d", len(result.Full))
	}
	if len(result.Deltas) != 0 {
		t.Error("Expected no deltas for AXFR-style response")
	}
}

func TestParseIXFR_Incremental(t *testing.T) {
	t.Parallel()

	// RFC 1995 Section 7 layout: current SOA, (old SOA, deletions, new SOA, additions)*, current SOA
	rrs := []dns.RR{
		soaWithSerial(t, "3"),
		soaWithSerial(t, "1"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
		soaWithSerial(t, "2"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.2"),
		soaWithSerial(t, "2"),
		soaWithSerial(t, "3"),
		mustRR(t, "ftp.example.com. 300 IN A 192.0.2.3"),
		soaWithSerial(t, "3"),
	}

	result, err := zone.ParseIXFR(rrs)
	if err != nil {
		t.Fatalf("ParseIXFR failed: %v", err)
	}

	if len(result.Deltas) != 2 {
		t.Fatalf("Expected 2 deltas, got %d", len(result.Deltas))
	}

	first := result.Deltas[0]
	if first.FromSerial != 1 || first.ToSerial != 2 || len(first.Deleted) != 1 || len(first.Added) != 1 {
		t.Errorf("Unexpected first delta %+v", first)
	}

	second := result.Deltas[1]
	if second.FromSerial != 2 || second.ToSerial != 3 || len(second.Deleted) != 0 || len(second.Added) != 1 {
		t.Errorf("Unexpected second delta %+v", second)
	}
}

func TestParseIXFR_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rrs  []dns.RR
	}{
		{"empty", nil},
		{"no leading SOA", []dns.RR{mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}},
		{"wrong trailing SOA", []dns.RR{
			soaWithSerial(t, "3"),
			mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
			soaWithSerial(t, "2"),
		}},
		{"delta without target", []dns.RR{
			soaWithSerial(t, "3"),
			soaWithSerial(t, "1"),
			mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
			soaWithSerial(t, "3"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := zone.ParseIXFR(tt.rrs)
			if !errors.Is(err, zone.ErrMalformedIXFR) {
				t.Errorf("Expected ErrMalformedIXFR, got %v", err)
			}
		})
	}
}

func TestZone_Apply(t *testing.T) {
	t.Parallel()
	base := createTestZone(t)

	next := mustRR(t, "example.com. 3600 IN SOA ns1.example.com. admin.example.com. 2024010102 3600 600 86400 300").(*dns.SOA)
	deltas := []zone.Delta{{
		FromSerial: base.Serial(),
		ToSerial:   2024010102,
		ToSOA:      next,
		Deleted:    []dns.RR{mustRR(t, "www.example.com. 300 IN A 192.0.2.10")},
		Added:      []dns.RR{mustRR(t, "www.example.com. 300 IN A 192.0.2.11")},
	}}

	updated, err := base.Apply(deltas)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if updated.Serial() != 2024010102 {
		t.Errorf("Expected serial 2024010102, got %d", updated.Serial())
	}

	records := updated.Lookup("www.example.com.", dns.TypeA)
	if len(records) != 1 || records[0].(*dns.A).A.String() != "192.0.2.11" {
		t.Errorf("Unexpected www records %v", records)
	}

	// The base fixture is unchanged
	if base.Serial() != 2024010101 || len(base.Lookup("www.example.com.", dns.TypeA)) != 1 {
		t.Error("Apply must not modify the receiver")
	}
}

func TestZone_Apply_Mismatch(t *testing.T) {
	t.Parallel()
	base := createTestZone(t)

	_, err := base.Apply([]zone.Delta{{FromSerial: 1, ToSerial: 2}})
	if !errors.Is(err, zone.ErrDeltaMismatch) {
		t.Errorf("Expected ErrDeltaMismatch for wrong start serial, got %v", err)
	}

	_, err = base.Apply([]zone.Delta{{
		FromSerial: base.Serial(),
		ToSerial:   base.Serial() + 1,
		Deleted:    []dns.RR{mustRR(t, "nope.example.com. 300 IN A 192.0.2.99")},
	}})
	if !errors.Is(err, zone.ErrDeltaMismatch) {
		t.Errorf("Expected ErrDeltaMismatch for missing deleted record, got %v", err)
	}
}
