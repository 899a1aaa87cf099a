package fakedns

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/piwi3910/dns-harness/pkg/zone"
)

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) != 1 {
		s.reply(w, r, dns.RcodeFormatError)

		return
	}

	switch r.Opcode {
	case dns.OpcodeQuery:
		s.handleQuery(w, r)
	case dns.OpcodeNotify:
		s.handleNotify(w, r)
	case dns.OpcodeUpdate:
		s.handleUpdate(w, r)
	default:
		s.reply(w, r, dns.RcodeNotImplemented)
	}
}

func (s *Server) reply(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	s.sign(w, r, m)
	if err := w.WriteMsg(m); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

// sign adds a TSIG record to m when the request carried a valid one.
func (s *Server) sign(w dns.ResponseWriter, r, m *dns.Msg) {
	if t := r.IsTsig(); t != nil && s.cfg.TSIG != nil && w.TsigStatus() == nil {
		m.SetTsig(t.Hdr.Name, t.Algorithm, t.Fudge, time.Now().Unix())
	}
}

// authorized reports whether a request passes the TSIG policy.
func (s *Server) authorized(w dns.ResponseWriter, r *dns.Msg) bool {
	if s.cfg.TSIG == nil {
		return true
	}

	t := r.IsTsig()

	return t != nil && dns.CanonicalName(t.Hdr.Name) == s.cfg.TSIG.Name && w.TsigStatus() == nil
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	q := r.Question[0]

	entry, z := s.findZone(q.Name)
	if entry == nil {
		s.reply(w, r, dns.RcodeRefused)

		return
	}
	if z == nil {
		// Slave that has not transferred yet.
		s.reply(w, r, dns.RcodeServerFailure)

		return
	}

	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		s.handleTransfer(w, r, entry, z)

		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	name := dns.CanonicalName(q.Name)
	answer := z.Lookup(name, q.Qtype)
	if len(answer) == 0 && q.Qtype != dns.TypeCNAME {
		answer = z.Lookup(name, dns.TypeCNAME)
	}

	switch {
	case len(answer) > 0:
		m.Answer = answer
	case ownerExists(z, name):
		m.Ns = []dns.RR{z.SOA()}
	default:
		m.Rcode = dns.RcodeNameError
		m.Ns = []dns.RR{z.SOA()}
	}

	s.sign(w, r, m)
	if err := w.WriteMsg(m); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func ownerExists(z *zone.Zone, name string) bool {
	for _, owner := range z.Owners() {
		if owner == name || dns.IsSubDomain(name, owner) {
			return true
		}
	}

	return false
}

func (s *Server) handleTransfer(w dns.ResponseWriter, r *dns.Msg, entry *zoneEntry, z *zone.Zone) {
	if _, udp := w.RemoteAddr().(*net.UDPAddr); udp && r.Question[0].Qtype == dns.TypeAXFR {
		s.reply(w, r, dns.RcodeRefused)

		return
	}
	if !s.authorized(w, r) {
		s.reply(w, r, dns.RcodeNotAuth)

		return
	}

	rrs := s.transferRecords(r, entry, z)

	ch := make(chan *dns.Envelope)
	tr := new(dns.Transfer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tr.Out(w, r, ch); err != nil {
			s.log.Debug().Err(err).Str("zone", z.Origin()).Msg("Transfer aborted")
		}
	}()

	for len(rrs) > 0 {
		n := min(transferChunk, len(rrs))
		ch <- &dns.Envelope{RR: rrs[:n]}
		rrs = rrs[n:]
	}
	close(ch)
	wg.Wait()

	if err := w.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Failed to close transfer connection")
	}
}

// transferRecords builds the answer sequence of an AXFR or IXFR.
func (s *Server) transferRecords(r *dns.Msg, entry *zoneEntry, z *zone.Zone) []dns.RR {
	soa := z.SOA()
	full := append(z.AllRecords(), soa)

	if r.Question[0].Qtype != dns.TypeIXFR || !entry.cfg.IXFR {
		return full
	}

	var since uint32
	found := false
	for _, rr := range r.Ns {
		if rsoa, ok := rr.(*dns.SOA); ok {
			since, found = rsoa.Serial, true
		}
	}
	if !found {
		return full
	}
	if zone.SerialCompare(since, soa.Serial) >= 0 {
		return []dns.RR{soa}
	}

	s.mu.RLock()
	journal := append([]change(nil), entry.journal...)
	s.mu.RUnlock()

	start := -1
	for i, c := range journal {
		if c.from.Serial == since {
			start = i

			break
		}
	}
	if start < 0 {
		return full
	}

	rrs := []dns.RR{soa}
	for _, c := range journal[start:] {
		rrs = append(rrs, c.from)
		rrs = append(rrs, c.deleted...)
		rrs = append(rrs, c.to)
		rrs = append(rrs, c.added...)
	}

	return append(rrs, soa)
}

func (s *Server) handleNotify(w dns.ResponseWriter, r *dns.Msg) {
	entry, _ := s.findZone(r.Question[0].Name)
	if entry == nil || !entry.cfg.Slave() {
		s.reply(w, r, dns.RcodeNotAuth)

		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	s.sign(w, r, m)
	if err := w.WriteMsg(m); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write NOTIFY response")
	}

	select {
	case entry.kick <- struct{}{}:
	default:
	}
}

func (s *Server) handleUpdate(w dns.ResponseWriter, r *dns.Msg) {
	origin := dns.CanonicalName(r.Question[0].Name)

	s.mu.RLock()
	entry, ok := s.zones[origin]
	s.mu.RUnlock()

	switch {
	case !ok:
		s.reply(w, r, dns.RcodeNotZone)

		return
	case entry.cfg.Slave() || !entry.cfg.DDNS:
		s.reply(w, r, dns.RcodeRefused)

		return
	case !s.authorized(w, r):
		s.reply(w, r, dns.RcodeNotAuth)

		return
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.RLock()
	current := entry.zone
	s.mu.RUnlock()

	next, err := applyUpdate(current, r.Ns)
	if err != nil {
		s.log.Warn().Err(err).Str("zone", origin).Msg("Rejected update")
		s.reply(w, r, dns.RcodeFormatError)

		return
	}

	s.install(entry, next)
	s.log.Info().Str("zone", origin).Uint32("serial", next.Serial()).Msg("Applied update")
	s.reply(w, r, dns.RcodeSuccess)
}

// applyUpdate applies the RFC 2136 update section and bumps the serial.
func applyUpdate(z *zone.Zone, updates []dns.RR) (*zone.Zone, error) {
	type rrset struct{ name, rrtype string }

	dropKeys := make(map[string]bool)
	dropSets := make(map[rrset]bool)
	dropNames := make(map[string]bool)
	var adds []dns.RR

	for _, rr := range updates {
		hdr := rr.Header()
		name := dns.CanonicalName(hdr.Name)
		switch {
		case hdr.Class == dns.ClassANY && hdr.Rrtype == dns.TypeANY:
			dropNames[name] = true
		case hdr.Class == dns.ClassANY:
			dropSets[rrset{name, dns.TypeToString[hdr.Rrtype]}] = true
		case hdr.Class == dns.ClassNONE:
			dropKeys[zone.RecordKey(rr)] = true
		default:
			adds = append(adds, rr)
		}
	}

	soa := z.SOA()
	soa.Serial = zone.SerialAdd(soa.Serial, 1)

	b := zone.NewBuilder(z.Origin())
	if _, err := b.Add(soa); err != nil {
		return nil, err
	}
	for _, rr := range z.Records() {
		name := dns.CanonicalName(rr.Header().Name)
		if dropNames[name] || dropSets[rrset{name, dns.TypeToString[rr.Header().Rrtype]}] || dropKeys[zone.RecordKey(rr)] {
			continue
		}
		if _, err := b.Add(rr); err != nil {
			return nil, err
		}
	}
	for _, rr := range adds {
		if rr.Header().Rrtype == dns.TypeSOA {
			continue
		}
		if _, err := b.Add(rr); err != nil {
			return nil, err
		}
	}

	return b.Build()
}
