package zone_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/piwi3910/dns-harness/pkg/zone"
)

func TestZone_WriteAndParse(t *testing.T) {
	t.Parallel()
	z := createTestZone(t)

	path := filepath.Join(t.TempDir(), "zones", zone.FileName(z.Origin()))
	if err := z.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	parsed, err := zone.ParseFile(path, z.Origin())
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}

	if parsed.Serial() != z.Serial() {
		t.Errorf("Expected serial %d, got %d", z.Serial(), parsed.Serial())
	}

	want := z.AllRecords()
	got := parsed.AllRecords()
	if len(got) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].String() != want[i].String() {
			t.Errorf("Record %d: expected %q, got %q", i, want[i].String(), got[i].String())
		}
	}
}

func TestZone_WriteHeader(t *testing.T) {
	t.Parallel()
	z := createTestZone(t)

	var buf bytes.Buffer
	if err := z.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if !strings.HasPrefix(buf.String(), "$ORIGIN example.com.\n$TTL 3600\n") {
		t.Errorf("Unexpected zone file header: %q", buf.String())
	}
}

func TestParse_Error(t *testing.T) {
	t.Parallel()

	_, err := zone.Parse(strings.NewReader("www 300 IN A not-an-ip\n"), "example.com", "bad.zone")
	if err == nil {
		t.Error("Expected parse error")
	}
}

func TestParseFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := zone.ParseFile(filepath.Join(t.TempDir(), "missing.zone"), "example.com")
	if err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()

	if got := zone.FileName("Example.COM"); got != "example.com.zone" {
		t.Errorf("Expected example.com.zone, got %s", got)
	}
	if got := zone.FileName("."); got != "root.zone" {
		t.Errorf("Expected root.zone, got %s", got)
	}
}
