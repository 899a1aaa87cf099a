// Package compare diffs the contents of a zone as transferred from two servers.
package compare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/dns-harness/pkg/metrics"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// ErrMismatch is wrapped by MismatchError.
var ErrMismatch = errors.New("zone contents differ")

// Transferrer is anything a zone can be fetched from by AXFR.
type Transferrer interface {
	Name() string
	TransferZone(ctx context.Context, origin string) ([]dns.RR, error)
}

// Options control canonicalization. The SOA serial is always ignored.
type Options struct {
	// IgnoreTTL compares records without their TTL.
	IgnoreTTL bool `yaml:"ignore_ttl" json:"ignore_ttl"`

	// FoldCase lowercases owner names and domain names in rdata.
	FoldCase bool `yaml:"fold_case" json:"fold_case"`

	// IgnoreSOATimers zeroes refresh, retry, expire and minimum.
	IgnoreSOATimers bool `yaml:"ignore_soa_timers" json:"ignore_soa_timers"`

	// IgnoreTypes drops whole RR types before comparing (e.g. RRSIG, NSEC).
	IgnoreTypes []string `yaml:"ignore_types" json:"ignore_types"`
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{FoldCase: true}
}

func (o Options) ignored() (map[uint16]bool, error) {
	types := make(map[uint16]bool, len(o.IgnoreTypes))
	for _, name := range o.IgnoreTypes {
		t, ok := dns.StringToType[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unknown RR type %q", name)
		}
		types[t] = true
	}

	return types, nil
}

// Entry is one canonical record.
type Entry struct {
	Owner string `json:"owner"`
	Type  string `json:"type"`
	Class string `json:"class"`
	TTL   uint32 `json:"ttl,omitempty"`
	Rdata string `json:"rdata"`
}

func (e Entry) key() string {
	return e.Owner + "|" + e.Type + "|" + e.Class + "|" + fmt.Sprint(e.TTL) + "|" + e.Rdata
}

func (e Entry) String() string {
	return fmt.Sprintf("%s\t%d\t%s\t%s\t%s", e.Owner, e.TTL, e.Class, e.Type, e.Rdata)
}

// Canonicalize returns the canonical form of rr under opts, and false when
// the record is dropped by IgnoreTypes. Unknown names in IgnoreTypes are
// skipped.
func Canonicalize(rr dns.RR, opts Options) (Entry, bool) {
	types := make(map[uint16]bool, len(opts.IgnoreTypes))
	for _, name := range opts.IgnoreTypes {
		if t, ok := dns.StringToType[strings.ToUpper(name)]; ok {
			types[t] = true
		}
	}

	return canonicalize(rr, opts, types)
}

func canonicalize(rr dns.RR, opts Options, ignore map[uint16]bool) (Entry, bool) {
	hdr := rr.Header()
	if ignore[hdr.Rrtype] {
		return Entry{}, false
	}

	rr = dns.Copy(rr)
	if soa, ok := rr.(*dns.SOA); ok {
		soa.Serial = 0
		if opts.IgnoreSOATimers {
			soa.Refresh, soa.Retry, soa.Expire, soa.Minttl = 0, 0, 0, 0
		}
	}
	if opts.FoldCase {
		foldNames(rr)
	}

	e := Entry{
		Owner: rr.Header().Name,
		Type:  dns.TypeToString[hdr.Rrtype],
		Class: dns.ClassToString[hdr.Class],
		TTL:   hdr.Ttl,
		Rdata: zone.Rdata(rr),
	}
	if opts.IgnoreTTL {
		e.TTL = 0
	}

	return e, true
}

// foldNames lowercases the owner and every domain name in the rdata.
func foldNames(rr dns.RR) {
	rr.Header().Name = strings.ToLower(rr.Header().Name)

	switch r := rr.(type) {
	case *dns.SOA:
		r.Ns, r.Mbox = strings.ToLower(r.Ns), strings.ToLower(r.Mbox)
	case *dns.NS:
		r.Ns = strings.ToLower(r.Ns)
	case *dns.CNAME:
		r.Target = strings.ToLower(r.Target)
	case *dns.DNAME:
		r.Target = strings.ToLower(r.Target)
	case *dns.MX:
		r.Mx = strings.ToLower(r.Mx)
	case *dns.PTR:
		r.Ptr = strings.ToLower(r.Ptr)
	case *dns.SRV:
		r.Target = strings.ToLower(r.Target)
	case *dns.NSEC:
		r.NextDomain = strings.ToLower(r.NextDomain)
	case *dns.RRSIG:
		r.SignerName = strings.ToLower(r.SignerName)
	}
}

// Result is the outcome of one comparison.
type Result struct {
	Zone    string  `json:"zone"`
	A       string  `json:"a"`
	B       string  `json:"b"`
	OnlyInA []Entry `json:"only_in_a,omitempty"`
	OnlyInB []Entry `json:"only_in_b,omitempty"`
}

// Equal reports whether both sides hold the same records.
func (r *Result) Equal() bool {
	return len(r.OnlyInA) == 0 && len(r.OnlyInB) == 0
}

// Err returns a *MismatchError when the sides differ.
func (r *Result) Err() error {
	if r.Equal() {
		return nil
	}

	return &MismatchError{Result: r}
}

func (r *Result) String() string {
	if r.Equal() {
		return fmt.Sprintf("zone %s: %s and %s are identical", r.Zone, r.A, r.B)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "zone %s: %d only on %s, %d only on %s", r.Zone, len(r.OnlyInA), r.A, len(r.OnlyInB), r.B)
	for _, e := range r.OnlyInA {
		fmt.Fprintf(&b, "\n- %s", e)
	}
	for _, e := range r.OnlyInB {
		fmt.Fprintf(&b, "\n+ %s", e)
	}

	return b.String()
}

// MismatchError reports a comparison that found differences.
type MismatchError struct {
	Result *Result
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMismatch, e.Result)
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

// DiffRecords compares two record sets. Duplicates on one side collapse.
func DiffRecords(a, b []dns.RR, opts Options) (*Result, error) {
	ignore, err := opts.ignored()
	if err != nil {
		return nil, err
	}

	setA := entrySet(a, opts, ignore)
	setB := entrySet(b, opts, ignore)

	return &Result{
		OnlyInA: difference(setA, setB),
		OnlyInB: difference(setB, setA),
	}, nil
}

func entrySet(rrs []dns.RR, opts Options, ignore map[uint16]bool) map[string]Entry {
	set := make(map[string]Entry, len(rrs))
	for _, rr := range rrs {
		if e, ok := canonicalize(rr, opts, ignore); ok {
			set[e.key()] = e
		}
	}

	return set
}

func difference(a, b map[string]Entry) []Entry {
	var out []Entry
	for k, e := range a {
		if _, ok := b[k]; !ok {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if c := zone.CompareNames(out[i].Owner, out[j].Owner); c != 0 {
			return c < 0
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}

		return out[i].Rdata < out[j].Rdata
	})

	return out
}

// Comparator fetches zones and diffs them.
type Comparator struct {
	opts   Options
	ignore map[uint16]bool
	logger zerolog.Logger
}

// New creates a comparator; it fails on an unknown type in IgnoreTypes.
func New(opts Options, logger zerolog.Logger) (*Comparator, error) {
	ignore, err := opts.ignored()
	if err != nil {
		return nil, err
	}

	return &Comparator{opts: opts, ignore: ignore, logger: logger}, nil
}

// Options returns the comparator's options.
func (c *Comparator) Options() Options {
	return c.opts
}

// Diff transfers origin from a and b concurrently and compares the contents.
// A transfer failure on either side is returned without a partial result.
func (c *Comparator) Diff(ctx context.Context, origin string, a, b Transferrer) (*Result, error) {
	origin = dns.Fqdn(strings.ToLower(origin))

	var rrsA, rrsB []dns.RR
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rrsA, err = c.fetch(gctx, origin, a)

		return err
	})
	g.Go(func() (err error) {
		rrsB, err = c.fetch(gctx, origin, b)

		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Zone:    origin,
		A:       a.Name(),
		B:       b.Name(),
		OnlyInA: difference(entrySet(rrsA, c.opts, c.ignore), entrySet(rrsB, c.opts, c.ignore)),
		OnlyInB: difference(entrySet(rrsB, c.opts, c.ignore), entrySet(rrsA, c.opts, c.ignore)),
	}

	if !res.Equal() {
		metrics.Metrics.DiffMismatches.Inc()
		metrics.Metrics.DiffRecordsOnlyIn.Add(float64(len(res.OnlyInA) + len(res.OnlyInB)))
		c.logger.Warn().Str("zone", origin).Str("a", res.A).Str("b", res.B).
			Int("only_in_a", len(res.OnlyInA)).Int("only_in_b", len(res.OnlyInB)).Msg("Zone contents differ")
	} else {
		c.logger.Debug().Str("zone", origin).Str("a", res.A).Str("b", res.B).Msg("Zone contents match")
	}

	return res, nil
}

func (c *Comparator) fetch(ctx context.Context, origin string, t Transferrer) ([]dns.RR, error) {
	metrics.Metrics.Transfers.WithLabelValues("axfr").Inc()

	rrs, err := t.TransferZone(ctx, origin)
	if err != nil {
		metrics.Metrics.TransferFailures.WithLabelValues("axfr").Inc()

		return nil, fmt.Errorf("transfer of %s from %s: %w", origin, t.Name(), err)
	}

	return rrs, nil
}
