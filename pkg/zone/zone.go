// Package zone implements the immutable zone fixtures shared by every harness component.
package zone

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Zone errors.
var (
	ErrOutOfZone     = errors.New("record is not within zone")
	ErrNoSOA         = errors.New("zone has no SOA record")
	ErrMultipleSOA   = errors.New("zone has more than one SOA record")
	ErrSOANotAtApex  = errors.New("SOA record must be at the zone apex")
	ErrInvalidOrigin = errors.New("invalid zone origin")
)

// Zone is an authoritative DNS zone fixture.
//
// A Zone is read-only once built and is shared by reference between the
// generator, the topology and every server that serves it.
type Zone struct {
	// origin is the zone's origin (e.g., "example.com.")
	origin string

	// soa is the Start of Authority record for this zone
	soa *dns.SOA

	// records holds all non-SOA resource records ordered by owner name
	records []dns.RR

	// index maps owner name -> RR type -> positions in records
	index map[string]map[uint16][]int
}

// Origin returns the zone's origin in canonical (lower case, fully qualified) form.
func (z *Zone) Origin() string {
	return z.origin
}

// SOA returns a copy of the zone's SOA record.
func (z *Zone) SOA() *dns.SOA {
	return dns.Copy(z.soa).(*dns.SOA)
}

// Serial returns the serial the fixture was generated with.
func (z *Zone) Serial() uint32 {
	return z.soa.Serial
}

// Records returns copies of all non-SOA records in canonical order.
func (z *Zone) Records() []dns.RR {
	result := make([]dns.RR, len(z.records))
	for i, rr := range z.records {
		result[i] = dns.Copy(rr)
	}

	return result
}

// AllRecords returns the SOA followed by every other record.
func (z *Zone) AllRecords() []dns.RR {
	result := make([]dns.RR, 0, len(z.records)+1)
	result = append(result, z.SOA())

	return append(result, z.Records()...)
}

// Lookup retrieves all records for a given owner name and type.
func (z *Zone) Lookup(owner string, rrType uint16) []dns.RR {
	owner = dns.CanonicalName(owner)
	if rrType == dns.TypeSOA {
		if owner == z.origin {
			return []dns.RR{z.SOA()}
		}

		return nil
	}

	var result []dns.RR
	for _, i := range z.index[owner][rrType] {
		result = append(result, dns.Copy(z.records[i]))
	}

	return result
}

// Owners returns the distinct owner names in canonical order.
func (z *Zone) Owners() []string {
	owners := []string{z.origin}
	for _, rr := range z.records {
		owner := dns.CanonicalName(rr.Header().Name)
		if owners[len(owners)-1] != owner && owner != z.origin {
			owners = append(owners, owner)
		}
	}

	return owners
}

// RecordCount returns the total number of resource records in the zone, SOA included.
func (z *Zone) RecordCount() int {
	return len(z.records) + 1
}

// String returns a short description of the zone.
func (z *Zone) String() string {
	return fmt.Sprintf("%s (serial %d, %d records)", z.origin, z.Serial(), z.RecordCount())
}

// Builder accumulates records for a new Zone.
type Builder struct {
	origin  string
	soa     *dns.SOA
	records []dns.RR
	seen    map[string]struct{}
}

// NewBuilder creates a builder for the zone rooted at origin.
func NewBuilder(origin string) *Builder {
	return &Builder{
		origin:  dns.CanonicalName(origin),
		soa:     nil,
		records: nil,
		seen:    make(map[string]struct{}),
	}
}

// Add adds a copy of rr to the zone.
//
// It returns false without error when an identical (owner, type, rdata)
// record is already present.
func (b *Builder) Add(rr dns.RR) (bool, error) {
	owner := dns.CanonicalName(rr.Header().Name)

	// Ensure owner is within zone
	if !dns.IsSubDomain(b.origin, owner) {
		return false, fmt.Errorf("%w: %s is not within %s", ErrOutOfZone, owner, b.origin)
	}

	if soa, ok := rr.(*dns.SOA); ok {
		if owner != b.origin {
			return false, fmt.Errorf("%w: %s", ErrSOANotAtApex, owner)
		}
		if b.soa != nil {
			return false, fmt.Errorf("%w: %s", ErrMultipleSOA, b.origin)
		}
		b.soa = dns.Copy(soa).(*dns.SOA)
		b.soa.Hdr.Name = b.origin

		return true, nil
	}

	key := RecordKey(rr)
	if _, dup := b.seen[key]; dup {
		return false, nil
	}
	b.seen[key] = struct{}{}

	cp := dns.Copy(rr)
	cp.Header().Name = owner
	b.records = append(b.records, cp)

	return true, nil
}

// Has reports whether an identical record was already added.
func (b *Builder) Has(rr dns.RR) bool {
	_, ok := b.seen[RecordKey(rr)]

	return ok
}

// Len returns the number of records added so far, SOA included.
func (b *Builder) Len() int {
	if b.soa != nil {
		return len(b.records) + 1
	}

	return len(b.records)
}

// Build returns the finished zone.
func (b *Builder) Build() (*Zone, error) {
	if _, ok := dns.IsDomainName(b.origin); !ok || b.origin == "." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, b.origin)
	}
	if b.soa == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSOA, b.origin)
	}

	records := make([]dns.RR, len(b.records))
	copy(records, b.records)
	sort.SliceStable(records, func(i, j int) bool {
		return lessRR(records[i], records[j])
	})

	z := &Zone{
		origin:  b.origin,
		soa:     dns.Copy(b.soa).(*dns.SOA),
		records: records,
		index:   make(map[string]map[uint16][]int),
	}
	for i, rr := range records {
		owner := rr.Header().Name
		if z.index[owner] == nil {
			z.index[owner] = make(map[uint16][]int)
		}
		z.index[owner][rr.Header().Rrtype] = append(z.index[owner][rr.Header().Rrtype], i)
	}

	return z, nil
}

// FromRecords builds a zone from an unordered record set such as an AXFR result.
// Duplicate records are dropped.
func FromRecords(origin string, rrs []dns.RR) (*Zone, error) {
	b := NewBuilder(origin)
	for _, rr := range rrs {
		// A transfer carries the SOA twice.
		if rr.Header().Rrtype == dns.TypeSOA && b.soa != nil {
			continue
		}
		if _, err := b.Add(rr); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

// RecordKey returns the (owner, type, rdata) identity of a record.
func RecordKey(rr dns.RR) string {
	hdr := rr.Header()

	return dns.CanonicalName(hdr.Name) + "|" + dns.TypeToString[hdr.Rrtype] + "|" + Rdata(rr)
}

// Rdata returns the presentation format of the record data alone.
func Rdata(rr dns.RR) string {
	return strings.TrimPrefix(rr.String(), rr.Header().String())
}

func lessRR(a, b dns.RR) bool {
	if c := CompareNames(a.Header().Name, b.Header().Name); c != 0 {
		return c < 0
	}
	if a.Header().Rrtype != b.Header().Rrtype {
		return a.Header().Rrtype < b.Header().Rrtype
	}

	return Rdata(a) < Rdata(b)
}

// CompareNames orders domain names in DNSSEC canonical order (RFC 4034 Section 6.1):
// labels are compared right to left, case-insensitively.
func CompareNames(a, b string) int {
	la := dns.SplitDomainName(dns.CanonicalName(a))
	lb := dns.SplitDomainName(dns.CanonicalName(b))

	for i, j := len(la)-1, len(lb)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if c := strings.Compare(la[i], lb[j]); c != 0 {
			return c
		}
	}

	return len(la) - len(lb)
}
