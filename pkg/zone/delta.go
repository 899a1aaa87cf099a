package zone

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// IXFR parsing errors.
var (
	ErrMalformedIXFR = errors.New("malformed IXFR response")
	ErrDeltaMismatch = errors.New("delta does not apply to zone")
)

// Delta represents changes between two zone versions
// as carried by an IXFR (RFC 1995) response.
type Delta struct {
	// FromSerial is the starting serial number
	FromSerial uint32

	// ToSerial is the ending serial number
	ToSerial uint32

	// ToSOA is the SOA after applying the delta
	ToSOA *dns.SOA

	// Deleted are records removed in this delta
	Deleted []dns.RR

	// Added are records added in this delta
	Added []dns.RR
}

// IXFRResult is a decoded IXFR response.
type IXFRResult struct {
	// Serial is the server's current serial.
	Serial uint32

	// UpToDate is set when the server answered with a single SOA.
	UpToDate bool

	// Full holds the records of an AXFR-style response (RFC 1995 Section 4),
	// SOA first, trailing SOA removed.
	Full []dns.RR

	// Deltas holds the incremental changes in order.
	Deltas []Delta
}

// ParseIXFR decodes the record sequence of an IXFR response.
func ParseIXFR(rrs []dns.RR) (*IXFRResult, error) {
	if len(rrs) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedIXFR)
	}

	current, ok := rrs[0].(*dns.SOA)
	if !ok {
		return nil, fmt.Errorf("%w: first record is %s, not SOA", ErrMalformedIXFR, dns.TypeToString[rrs[0].Header().Rrtype])
	}

	result := &IXFRResult{Serial: current.Serial}

	// RFC 1995 Section 2: If client is up-to-date, server sends a single SOA
	if len(rrs) == 1 {
		result.UpToDate = true

		return result, nil
	}

	last, ok := rrs[len(rrs)-1].(*dns.SOA)
	if !ok || last.Serial != current.Serial {
		return nil, fmt.Errorf("%w: response does not end with the current SOA", ErrMalformedIXFR)
	}

	// AXFR-style response: second record is not an SOA
	if _, incremental := rrs[1].(*dns.SOA); !incremental {
		result.Full = append(result.Full, rrs[:len(rrs)-1]...)

		return result, nil
	}

	pos := 1
	for pos < len(rrs)-1 {
		from := rrs[pos].(*dns.SOA)
		delta := Delta{FromSerial: from.Serial}
		pos++

		// Deleted records until the next SOA
		for pos < len(rrs) && rrs[pos].Header().Rrtype != dns.TypeSOA {
			delta.Deleted = append(delta.Deleted, rrs[pos])
			pos++
		}
		if pos >= len(rrs)-1 {
			return nil, fmt.Errorf("%w: delta from serial %d has no target SOA", ErrMalformedIXFR, from.Serial)
		}

		to := rrs[pos].(*dns.SOA)
		delta.ToSerial = to.Serial
		delta.ToSOA = to
		pos++

		// Added records until the next SOA
		for pos < len(rrs) && rrs[pos].Header().Rrtype != dns.TypeSOA {
			delta.Added = append(delta.Added, rrs[pos])
			pos++
		}

		result.Deltas = append(result.Deltas, delta)
	}

	return result, nil
}

// Apply returns a new zone with the deltas applied in order. The receiver is not modified.
func (z *Zone) Apply(deltas []Delta) (*Zone, error) {
	serial := z.Serial()
	soa := z.SOA()

	current := make(map[string]dns.RR, len(z.records))
	order := make([]string, 0, len(z.records))
	for _, rr := range z.records {
		key := RecordKey(rr)
		current[key] = rr
		order = append(order, key)
	}

	for _, delta := range deltas {
		if delta.FromSerial != serial {
			return nil, fmt.Errorf("%w: delta starts at serial %d, zone is at %d", ErrDeltaMismatch, delta.FromSerial, serial)
		}

		for _, rr := range delta.Deleted {
			key := RecordKey(rr)
			if _, ok := current[key]; !ok {
				return nil, fmt.Errorf("%w: deleted record %q not present", ErrDeltaMismatch, rr.String())
			}
			delete(current, key)
		}
		for _, rr := range delta.Added {
			key := RecordKey(rr)
			if _, ok := current[key]; !ok {
				order = append(order, key)
			}
			current[key] = rr
		}

		serial = delta.ToSerial
		if delta.ToSOA != nil {
			soa = dns.Copy(delta.ToSOA).(*dns.SOA)
		}
		soa.Serial = serial
	}

	b := NewBuilder(z.origin)
	if _, err := b.Add(soa); err != nil {
		return nil, err
	}
	for _, key := range order {
		rr, ok := current[key]
		if !ok {
			continue
		}
		if _, err := b.Add(rr); err != nil {
			return nil, err
		}
	}

	return b.Build()
}
