package fakedns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/piwi3910/dns-harness/pkg/zone"
)

const (
	exchangeTimeout = time.Second
	journalLimit    = 64
	transferChunk   = 100
)

// change is one journal entry, kept for IXFR.
type change struct {
	from, to *dns.SOA
	deleted  []dns.RR
	added    []dns.RR
}

type zoneEntry struct {
	cfg     ZoneConfig
	zone    *zone.Zone
	journal []change
	kick    chan struct{}
}

// Server is an authoritative fake DNS server.
type Server struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	zones    map[string]*zoneEntry
	updateMu sync.Mutex

	udp, tcp *dns.Server
	addr     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server, loading master zones from memory or disk.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TSIG != nil {
		cfg.TSIG.Name = dns.CanonicalName(cfg.TSIG.Name)
		if cfg.TSIG.Algorithm == "" {
			cfg.TSIG.Algorithm = dns.HmacSHA256
		}
		cfg.TSIG.Algorithm = dns.CanonicalName(cfg.TSIG.Algorithm)
	}

	s := &Server{
		cfg:   cfg,
		log:   logger,
		zones: make(map[string]*zoneEntry),
	}

	for _, zc := range cfg.Zones {
		zc.Origin = dns.CanonicalName(zc.Origin)
		entry := &zoneEntry{cfg: zc, kick: make(chan struct{}, 1)}

		if !zc.Slave() {
			z := zc.Zone
			if z == nil {
				var err error
				if z, err = zone.ParseFile(zc.File, zc.Origin); err != nil {
					return nil, fmt.Errorf("failed to load zone %s: %w", zc.Origin, err)
				}
			}
			entry.zone = z
		}

		s.zones[zc.Origin] = entry
	}

	return s, nil
}

func (s *Server) secrets() map[string]string {
	if s.cfg.TSIG == nil {
		return nil
	}

	return map[string]string{s.cfg.TSIG.Name: s.cfg.TSIG.Secret}
}

// Start binds UDP and TCP on the same port and starts serving and
// replicating. It returns once both sockets are bound.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on tcp %s: %w", s.cfg.Listen, err)
	}
	addr := ln.Addr().String()

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		ln.Close()

		return fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}

	s.addr = addr
	s.udp = &dns.Server{PacketConn: pc, Handler: s, TsigSecret: s.secrets(), MsgAcceptFunc: acceptUpdates}
	s.tcp = &dns.Server{Listener: ln, Handler: s, TsigSecret: s.secrets(), MsgAcceptFunc: acceptUpdates}

	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, srv := range []*dns.Server{s.udp, s.tcp} {
		s.wg.Add(1)
		go func(srv *dns.Server) {
			defer s.wg.Done()
			if err := srv.ActivateAndServe(); err != nil {
				s.log.Error().Err(err).Msg("Listener stopped")
			}
		}(srv)
	}

	for origin, entry := range s.zones {
		if entry.cfg.Slave() {
			s.wg.Add(1)
			go s.replicate(ctx, origin, entry)
		}
	}

	s.log.Info().Str("addr", addr).Int("zones", len(s.zones)).Msg("Serving")

	return nil
}

// acceptUpdates extends the default filter, which rejects UPDATE messages.
func acceptUpdates(dh dns.Header) dns.MsgAcceptAction {
	const qr = 1 << 15
	if opcode := int(dh.Bits>>11) & 0xF; opcode == dns.OpcodeUpdate && dh.Bits&qr == 0 {
		return dns.MsgAccept
	}

	return dns.DefaultMsgAcceptFunc(dh)
}

// Addr returns the bound endpoint.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops listeners and replication.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	for _, srv := range []*dns.Server{s.udp, s.tcp} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()

	return errors.Join(errs...)
}

// Zone returns the zone currently served for origin, or nil.
func (s *Server) Zone(origin string) *zone.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.zones[dns.CanonicalName(origin)]
	if !ok {
		return nil
	}

	return entry.zone
}

// findZone returns the most specific zone containing name.
func (s *Server) findZone(name string) (*zoneEntry, *zone.Zone) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name = dns.CanonicalName(name)
	var best *zoneEntry
	for origin, entry := range s.zones {
		if dns.IsSubDomain(origin, name) && (best == nil || dns.CountLabel(origin) > dns.CountLabel(best.cfg.Origin)) {
			best = entry
		}
	}
	if best == nil {
		return nil, nil
	}

	return best, best.zone
}

func (s *Server) replicate(ctx context.Context, origin string, entry *zoneEntry) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Refresh)
	defer ticker.Stop()

	log := s.log.With().Str("zone", origin).Logger()
	for {
		if err := s.refresh(ctx, origin, entry); err != nil {
			log.Debug().Err(err).Msg("Refresh failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-entry.kick:
			log.Debug().Msg("Refresh triggered by NOTIFY")
		}
	}
}

func (s *Server) refresh(ctx context.Context, origin string, entry *zoneEntry) error {
	if s.cfg.Partitioned {
		return errors.New("masters unreachable")
	}

	var lastErr error
	for _, master := range entry.cfg.Masters {
		serial, err := s.masterSerial(ctx, origin, master)
		if err != nil {
			lastErr = err

			continue
		}

		s.mu.RLock()
		current := entry.zone
		s.mu.RUnlock()

		if current != nil && zone.SerialCompare(serial, current.Serial()) <= 0 {
			return nil
		}

		next, err := s.fetch(ctx, origin, master, current, entry.cfg.IXFR)
		if err != nil {
			lastErr = err

			continue
		}
		if entry.cfg.DropOwner != "" {
			if next, err = dropOwner(next, entry.cfg.DropOwner); err != nil {
				return err
			}
		}

		s.install(entry, next)
		s.log.Info().Str("zone", origin).Str("master", master).Uint32("serial", next.Serial()).Msg("Transferred zone")

		return nil
	}

	return lastErr
}

func (s *Server) masterSerial(ctx context.Context, origin, master string) (uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(origin, dns.TypeSOA)

	c := &dns.Client{Timeout: exchangeTimeout}
	resp, _, err := c.ExchangeContext(ctx, m, master)
	if err != nil {
		return 0, err
	}
	for _, rr := range resp.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}

	return 0, fmt.Errorf("no SOA for %s from %s (rcode %s)", origin, master, dns.RcodeToString[resp.Rcode])
}

func (s *Server) fetch(ctx context.Context, origin, master string, current *zone.Zone, ixfr bool) (*zone.Zone, error) {
	m := new(dns.Msg)
	if ixfr && current != nil {
		m.SetIxfr(origin, current.Serial(), ".", ".")
	} else {
		m.SetAxfr(origin)
	}
	if s.cfg.TSIG != nil {
		m.SetTsig(s.cfg.TSIG.Name, s.cfg.TSIG.Algorithm, 300, time.Now().Unix())
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", master)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t := &dns.Transfer{Conn: &dns.Conn{Conn: conn}, ReadTimeout: exchangeTimeout, TsigSecret: s.secrets()}
	envs, err := t.In(m, master)
	if err != nil {
		conn.Close()

		return nil, err
	}

	var rrs []dns.RR
	for env := range envs {
		if env.Error != nil {
			err = env.Error
		}
		rrs = append(rrs, env.RR...)
	}
	if err != nil {
		return nil, err
	}

	if m.Question[0].Qtype == dns.TypeAXFR {
		return zone.FromRecords(origin, rrs)
	}

	result, err := zone.ParseIXFR(rrs)
	if err != nil {
		return nil, err
	}
	switch {
	case result.UpToDate:
		return current, nil
	case result.Full != nil:
		return zone.FromRecords(origin, result.Full)
	default:
		return current.Apply(result.Deltas)
	}
}

func dropOwner(z *zone.Zone, owner string) (*zone.Zone, error) {
	if !dns.IsFqdn(owner) {
		owner = owner + "." + z.Origin()
	}
	owner = dns.CanonicalName(owner)

	b := zone.NewBuilder(z.Origin())
	for _, rr := range z.AllRecords() {
		if rr.Header().Rrtype != dns.TypeSOA && dns.CanonicalName(rr.Header().Name) == owner {
			continue
		}
		if _, err := b.Add(rr); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

// install replaces the zone, persists it and notifies downstreams.
func (s *Server) install(entry *zoneEntry, next *zone.Zone) {
	s.mu.Lock()
	prev := entry.zone
	entry.zone = next
	if prev != nil && prev != next {
		entry.journal = append(entry.journal, diffZones(prev, next))
		if len(entry.journal) > journalLimit {
			entry.journal = entry.journal[len(entry.journal)-journalLimit:]
		}
	}
	s.mu.Unlock()

	if entry.cfg.File != "" && entry.cfg.Slave() {
		if err := next.WriteFile(entry.cfg.File); err != nil {
			s.log.Warn().Err(err).Str("zone", next.Origin()).Msg("Failed to write zone file")
		}
	}

	for _, target := range entry.cfg.Notify {
		go s.notify(next.Origin(), target)
	}
}

func (s *Server) notify(origin, target string) {
	m := new(dns.Msg)
	m.SetNotify(origin)
	if s.cfg.TSIG != nil {
		m.SetTsig(s.cfg.TSIG.Name, s.cfg.TSIG.Algorithm, 300, time.Now().Unix())
	}

	c := &dns.Client{Timeout: exchangeTimeout, TsigSecret: s.secrets()}
	if _, _, err := c.Exchange(m, target); err != nil {
		s.log.Debug().Err(err).Str("zone", origin).Str("target", target).Msg("NOTIFY failed")
	}
}

func diffZones(prev, next *zone.Zone) change {
	before := make(map[string]dns.RR)
	for _, rr := range prev.Records() {
		before[zone.RecordKey(rr)] = rr
	}

	c := change{from: prev.SOA(), to: next.SOA()}
	for _, rr := range next.Records() {
		key := zone.RecordKey(rr)
		if _, ok := before[key]; ok {
			delete(before, key)

			continue
		}
		c.added = append(c.added, rr)
	}
	for _, rr := range prev.Records() {
		if _, ok := before[zone.RecordKey(rr)]; ok {
			c.deleted = append(c.deleted, rr)
		}
	}

	return c
}
