package zone

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/miekg/dns"
)

// Write writes the zone in RFC 1035 master file format.
func (z *Zone) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "$ORIGIN %s\n$TTL %d\n", z.origin, z.soa.Hdr.Ttl); err != nil {
		return fmt.Errorf("failed to write zone header: %w", err)
	}
	for _, rr := range z.AllRecords() {
		if _, err := fmt.Fprintln(bw, rr.String()); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush zone file: %w", err)
	}

	return nil
}

// WriteFile writes the zone to path, creating parent directories as needed.
func (z *Zone) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create zone directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create zone file: %w", err)
	}

	if err := z.Write(file); err != nil {
		file.Close()

		return err
	}

	return file.Close()
}

// Parse reads a zone in master file format.
func Parse(r io.Reader, origin, filename string) (*Zone, error) {
	origin = dns.Fqdn(origin)
	b := NewBuilder(origin)

	zp := dns.NewZoneParser(bufio.NewReader(r), origin, filename)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if _, err := b.Add(rr); err != nil {
			return nil, fmt.Errorf("failed to add record: %w", err)
		}
	}

	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("zone file parse error: %w", err)
	}

	return b.Build()
}

// ParseFile loads a zone from a zone file.
func ParseFile(path, origin string) (*Zone, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zone file: %w", err)
	}
	defer file.Close()

	return Parse(file, origin, path)
}

// FileName returns the conventional file name for a zone origin.
func FileName(origin string) string {
	name := dns.CanonicalName(origin)
	if name == "." {
		return "root.zone"
	}

	return name + "zone"
}
