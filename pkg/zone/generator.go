package zone

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrGeneration is wrapped by every GenerationError.
var ErrGeneration = errors.New("zone generation failed")

// GenerationError is returned when generator constraints cannot be satisfied.
type GenerationError struct {
	Origin string
	Reason string
}

func (e *GenerationError) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("%s: %s", ErrGeneration, e.Reason)
	}

	return fmt.Sprintf("%s: %s: %s", ErrGeneration, e.Origin, e.Reason)
}

func (e *GenerationError) Unwrap() error {
	return ErrGeneration
}

// SupportedTypes are the record types the generator can synthesize.
var SupportedTypes = []uint16{
	dns.TypeA,
	dns.TypeAAAA,
	dns.TypeNS,
	dns.TypeMX,
	dns.TypeTXT,
	dns.TypeCNAME,
	dns.TypeSRV,
	dns.TypePTR,
	dns.TypeCAA,
}

// Every generated zone carries SOA, apex NS and the NS address record.
const baseRecords = 3

// Generator configuration constants.
const (
	defaultMinRecords = 5
	defaultMaxRecords = 40
	defaultMaxZones   = 4096
	defaultMinTTL     = 60
	defaultMaxTTL     = 86400
	attemptsPerRecord = 50
	maxSerial         = 1 << 30
)

// GeneratorConfig configures random zone synthesis.
type GeneratorConfig struct {
	// Suffix is the parent domain of generated zones (e.g., "test.")
	Suffix string

	// MinRecords and MaxRecords bound the records per zone, SOA included
	MinRecords int
	MaxRecords int

	// MaxZones bounds the zone name space of one generator
	MaxZones int

	// Types is the set of record types drawn from
	Types []uint16

	// MinTTL and MaxTTL bound record TTLs
	MinTTL uint32
	MaxTTL uint32

	// Seed makes output reproducible; nil picks a fresh seed
	Seed *int64
}

// DefaultGeneratorConfig returns a configuration with sensible defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Suffix:     "test.",
		MinRecords: defaultMinRecords,
		MaxRecords: defaultMaxRecords,
		MaxZones:   defaultMaxZones,
		Types:      SupportedTypes,
		MinTTL:     defaultMinTTL,
		MaxTTL:     defaultMaxTTL,
		Seed:       nil,
	}
}

// Validate checks the configuration bounds.
func (c GeneratorConfig) Validate() error {
	switch {
	case c.MinRecords < baseRecords:
		return &GenerationError{Reason: fmt.Sprintf("min records %d below the %d base records", c.MinRecords, baseRecords)}
	case c.MaxRecords < c.MinRecords:
		return &GenerationError{Reason: fmt.Sprintf("max records %d below min records %d", c.MaxRecords, c.MinRecords)}
	case c.MaxZones <= 0:
		return &GenerationError{Reason: "max zones must be positive"}
	case c.MaxTTL < c.MinTTL:
		return &GenerationError{Reason: fmt.Sprintf("max TTL %d below min TTL %d", c.MaxTTL, c.MinTTL)}
	case len(c.Types) == 0:
		return &GenerationError{Reason: "no record types configured"}
	}

	for _, t := range c.Types {
		if !isSupported(t) {
			return &GenerationError{Reason: fmt.Sprintf("unsupported record type %s", dns.TypeToString[t])}
		}
	}

	if _, ok := dns.IsDomainName(c.Suffix); !ok {
		return &GenerationError{Reason: fmt.Sprintf("invalid suffix %q", c.Suffix)}
	}

	return nil
}

// Generator synthesizes random but well-formed zones.
type Generator struct {
	cfg  GeneratorConfig
	seed int64

	// mu protects rnd and names
	mu    sync.Mutex
	rnd   *rand.Rand
	names map[string]struct{}
}

// NewGenerator creates a generator. When cfg.Seed is nil a fresh seed is chosen;
// it is available from Seed for failure reproduction.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := time.Now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}

	return &Generator{
		cfg:   cfg,
		seed:  seed,
		mu:    sync.Mutex{},
		rnd:   rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible fixtures, not secrets
		names: make(map[string]struct{}),
	}
}

// Seed returns the seed the generator was created with.
func (g *Generator) Seed() int64 {
	return g.seed
}

// Generate produces count zones with random names and record counts.
func (g *Generator) Generate(count int) ([]*Zone, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, &GenerationError{Reason: fmt.Sprintf("zone count must be positive, got %d", count)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.names)+count > g.cfg.MaxZones {
		return nil, &GenerationError{
			Reason: fmt.Sprintf("%d zones requested, name space allows %d more", count, g.cfg.MaxZones-len(g.names)),
		}
	}

	zones := make([]*Zone, 0, count)
	for range count {
		origin, err := g.uniqueOrigin()
		if err != nil {
			return nil, err
		}

		records := g.cfg.MinRecords + g.rnd.Intn(g.cfg.MaxRecords-g.cfg.MinRecords+1)
		z, err := g.generate(origin, records)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}

	return zones, nil
}

// GenerateZone produces one zone with the given origin and exactly records records, SOA included.
func (g *Generator) GenerateZone(origin string, records int) (*Zone, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}

	origin = dns.CanonicalName(origin)
	if _, ok := dns.IsDomainName(origin); !ok || origin == "." {
		return nil, &GenerationError{Origin: origin, Reason: "invalid origin"}
	}
	if records < baseRecords {
		return nil, &GenerationError{
			Origin: origin,
			Reason: fmt.Sprintf("%d records requested, every zone needs at least %d", records, baseRecords),
		}
	}

	if records > g.cfg.MaxRecords {
		return nil, &GenerationError{
			Origin: origin,
			Reason: fmt.Sprintf("%d records requested, bound is %d", records, g.cfg.MaxRecords),
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.names[origin]; dup {
		return nil, &GenerationError{Origin: origin, Reason: "zone already generated"}
	}
	g.names[origin] = struct{}{}

	return g.generate(origin, records)
}

func (g *Generator) uniqueOrigin() (string, error) {
	for range attemptsPerRecord {
		origin := dns.CanonicalName(g.label(4, 10) + "." + g.cfg.Suffix)
		if _, dup := g.names[origin]; !dup {
			g.names[origin] = struct{}{}

			return origin, nil
		}
	}

	return "", &GenerationError{Reason: "could not find an unused zone name"}
}

// zoneState tracks owner usage so that CNAME owners never carry other data.
type zoneState struct {
	origin      string
	owners      []string
	cnameOwners map[string]struct{}
	dataOwners  map[string]struct{}
	rrsetTTL    map[string]uint32
}

func (g *Generator) generate(origin string, records int) (*Zone, error) {
	st := &zoneState{
		origin:      origin,
		owners:      nil,
		cnameOwners: make(map[string]struct{}),
		dataOwners:  make(map[string]struct{}),
		rrsetTTL:    make(map[string]uint32),
	}
	b := NewBuilder(origin)

	ns1 := "ns1." + origin
	base := []dns.RR{
		&dns.SOA{
			Hdr:     dns.RR_Header{Name: origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
			Ns:      ns1,
			Mbox:    "hostmaster." + origin,
			Serial:  1 + uint32(g.rnd.Int63n(maxSerial)),
			Refresh: 60,
			Retry:   30,
			Expire:  3600,
			Minttl:  300,
		},
		&dns.NS{
			Hdr: dns.RR_Header{Name: origin, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
			Ns:  ns1,
		},
		&dns.A{
			Hdr: dns.RR_Header{Name: ns1, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
			A:   g.ipv4(),
		},
	}
	for _, rr := range base {
		if _, err := b.Add(rr); err != nil {
			return nil, &GenerationError{Origin: origin, Reason: err.Error()}
		}
		st.use(rr)
	}

	budget := records * attemptsPerRecord
	for b.Len() < records && budget > 0 {
		budget--

		rr := g.record(st, g.cfg.Types[g.rnd.Intn(len(g.cfg.Types))])
		if rr == nil || b.Has(rr) {
			continue
		}
		if _, err := b.Add(rr); err != nil {
			return nil, &GenerationError{Origin: origin, Reason: err.Error()}
		}
		st.use(rr)
	}

	if b.Len() < records {
		return nil, &GenerationError{
			Origin: origin,
			Reason: fmt.Sprintf("only %d of %d unique records could be generated", b.Len(), records),
		}
	}

	z, err := b.Build()
	if err != nil {
		return nil, &GenerationError{Origin: origin, Reason: err.Error()}
	}

	return z, nil
}

func (st *zoneState) use(rr dns.RR) {
	owner := rr.Header().Name

	key := owner + "|" + dns.TypeToString[rr.Header().Rrtype]
	if _, ok := st.rrsetTTL[key]; !ok {
		st.rrsetTTL[key] = rr.Header().Ttl
	}

	if rr.Header().Rrtype == dns.TypeCNAME {
		st.cnameOwners[owner] = struct{}{}
	} else if _, ok := st.dataOwners[owner]; !ok {
		st.dataOwners[owner] = struct{}{}
		if owner != st.origin {
			st.owners = append(st.owners, owner)
		}
	}
}

// record returns a random record of type t, or nil if none fits the zone state.
func (g *Generator) record(st *zoneState, t uint16) dns.RR {
	var rr dns.RR

	switch t {
	case dns.TypeA:
		rr = &dns.A{A: g.ipv4()}
	case dns.TypeAAAA:
		rr = &dns.AAAA{AAAA: g.ipv6()}
	case dns.TypeNS:
		rr = &dns.NS{Ns: g.target()}
	case dns.TypeMX:
		rr = &dns.MX{Preference: uint16(g.rnd.Intn(100)), Mx: g.target()}
	case dns.TypeTXT:
		rr = &dns.TXT{Txt: []string{g.text(8, 48)}}
	case dns.TypeCNAME:
		rr = &dns.CNAME{Target: g.target()}
	case dns.TypeSRV:
		rr = &dns.SRV{
			Priority: uint16(g.rnd.Intn(100)),
			Weight:   uint16(g.rnd.Intn(100)),
			Port:     uint16(1 + g.rnd.Intn(65534)),
			Target:   g.target(),
		}
	case dns.TypePTR:
		rr = &dns.PTR{Ptr: g.target()}
	case dns.TypeCAA:
		rr = &dns.CAA{Flag: 0, Tag: "issue", Value: g.label(4, 10) + ".example"}
	default:
		return nil
	}

	owner := g.owner(st, t)
	if owner == "" {
		return nil
	}

	key := owner + "|" + dns.TypeToString[t]
	ttl, ok := st.rrsetTTL[key]
	if !ok {
		ttl = g.cfg.MinTTL + uint32(g.rnd.Int63n(int64(g.cfg.MaxTTL-g.cfg.MinTTL)+1))
		st.rrsetTTL[key] = ttl
	}

	*rr.Header() = dns.RR_Header{Name: owner, Rrtype: t, Class: dns.ClassINET, Ttl: ttl}

	return rr
}

// owner picks an owner name suitable for type t.
// NS stays at the apex to avoid creating delegations.
func (g *Generator) owner(st *zoneState, t uint16) string {
	switch t {
	case dns.TypeNS:
		return st.origin
	case dns.TypeCNAME:
		owner := g.label(3, 10) + "." + st.origin
		if _, used := st.dataOwners[owner]; used {
			return ""
		}
		if _, used := st.cnameOwners[owner]; used {
			return ""
		}

		return owner
	case dns.TypeSRV:
		return "_" + g.label(3, 8) + "._tcp." + st.origin
	case dns.TypeMX, dns.TypeTXT, dns.TypeCAA:
		if g.rnd.Intn(3) == 0 {
			return st.origin
		}
	}

	// Reuse an existing owner now and then so RRsets get more than one record
	if len(st.owners) > 0 && g.rnd.Intn(3) == 0 {
		return st.owners[g.rnd.Intn(len(st.owners))]
	}

	owner := g.label(3, 10) + "." + st.origin
	if _, isAlias := st.cnameOwners[owner]; isAlias {
		return ""
	}

	return owner
}

const (
	labelFirst = "abcdefghijklmnopqrstuvwxyz"
	labelRest  = "abcdefghijklmnopqrstuvwxyz0123456789"
	textChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

func (g *Generator) label(minLen, maxLen int) string {
	n := minLen + g.rnd.Intn(maxLen-minLen+1)
	buf := make([]byte, n)
	buf[0] = labelFirst[g.rnd.Intn(len(labelFirst))]
	for i := 1; i < n; i++ {
		buf[i] = labelRest[g.rnd.Intn(len(labelRest))]
	}

	return string(buf)
}

func (g *Generator) text(minLen, maxLen int) string {
	n := minLen + g.rnd.Intn(maxLen-minLen+1)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = textChars[g.rnd.Intn(len(textChars))]
	}

	return string(buf)
}

// target returns an out-of-zone name so that no glue is required.
func (g *Generator) target() string {
	return g.label(3, 10) + ".example."
}

func (g *Generator) ipv4() net.IP {
	return net.IPv4(10, byte(g.rnd.Intn(256)), byte(g.rnd.Intn(256)), byte(1+g.rnd.Intn(254))).To4()
}

func (g *Generator) ipv6() net.IP {
	ip := net.ParseIP("2001:db8::")
	for i := 8; i < net.IPv6len; i++ {
		ip[i] = byte(g.rnd.Intn(256))
	}

	return ip
}

func isSupported(t uint16) bool {
	for _, s := range SupportedTypes {
		if s == t {
			return true
		}
	}

	return false
}
