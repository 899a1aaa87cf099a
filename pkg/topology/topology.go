// Package topology wires zones across master and slave servers and derives
// the per-server role assignments every server configuration is built from.
package topology

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/miekg/dns"

	"github.com/piwi3910/dns-harness/pkg/zone"
)

// ErrTopology is wrapped by every TopologyError.
var ErrTopology = errors.New("invalid topology")

// TopologyError reports an inconsistent replication layout.
type TopologyError struct {
	Zone   string
	Reason string
}

func (e *TopologyError) Error() string {
	if e.Zone == "" {
		return fmt.Sprintf("%s: %s", ErrTopology, e.Reason)
	}

	return fmt.Sprintf("%s: zone %s: %s", ErrTopology, e.Zone, e.Reason)
}

func (e *TopologyError) Unwrap() error {
	return ErrTopology
}

// Node is a server taking part in a topology.
type Node interface {
	Name() string
	Addr() string
}

// Role is a server's role for one zone.
type Role int

// Zone roles.
const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// TSIGKey is a shared transaction signature key.
type TSIGKey struct {
	Name      string
	Algorithm string
	Secret    string
}

// Peer is a server endpoint referenced from a role assignment.
type Peer struct {
	Name string
	Addr string
}

// Host returns the IP part of the peer address.
func (p Peer) Host() string {
	host, _, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return p.Addr
	}

	return host
}

// Port returns the port part of the peer address.
func (p Peer) Port() string {
	_, port, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return "53"
	}

	return port
}

// ZoneRole describes how one server serves one zone.
type ZoneRole struct {
	Zone *zone.Zone
	Role Role

	// Masters are the upstreams a slave transfers from.
	Masters []Peer

	// Downstreams are the servers allowed to transfer from this server
	// and notified on change.
	Downstreams []Peer

	IXFR bool
	DDNS bool
	TSIG *TSIGKey
}

// Origin returns the zone origin.
func (r ZoneRole) Origin() string {
	return r.Zone.Origin()
}

// RoleAssignment holds every zone role of one server.
type RoleAssignment struct {
	Server string
	Zones  []ZoneRole
}

// Role returns the role for origin.
func (a *RoleAssignment) Role(origin string) (ZoneRole, bool) {
	origin = dns.CanonicalName(origin)
	for _, zr := range a.Zones {
		if zr.Origin() == origin {
			return zr, true
		}
	}

	return ZoneRole{}, false
}

// Link is an immutable master -> slaves relation for a set of zones.
type Link struct {
	zones   []*zone.Zone
	master  Node
	slaves  []Node
	chained bool
}

// Zones returns the linked zones.
func (l Link) Zones() []*zone.Zone {
	return append([]*zone.Zone(nil), l.zones...)
}

// Master returns the upstream of the link.
func (l Link) Master() Node {
	return l.master
}

// Slaves returns the downstreams of the link.
func (l Link) Slaves() []Node {
	return append([]Node(nil), l.slaves...)
}

// Option configures a Topology.
type Option func(*Topology)

// WithIXFR enables incremental transfers on every master.
func WithIXFR() Option {
	return func(t *Topology) { t.ixfr = true }
}

// WithDDNS enables dynamic updates on every master.
func WithDDNS() Option {
	return func(t *Topology) { t.ddns = true }
}

// WithTSIG secures transfers, notifies and updates with a fresh random key.
func WithTSIG(name, algorithm string) Option {
	return func(t *Topology) {
		if algorithm == "" {
			algorithm = dns.HmacSHA256
		}
		t.tsig = &TSIGKey{Name: dns.CanonicalName(name), Algorithm: dns.CanonicalName(algorithm)}
	}
}

// WithTSIGKey uses an existing key.
func WithTSIGKey(key TSIGKey) Option {
	return func(t *Topology) {
		key.Name = dns.CanonicalName(key.Name)
		key.Algorithm = dns.CanonicalName(key.Algorithm)
		t.tsig = &key
	}
}

// Topology collects links. It is not safe for concurrent use.
type Topology struct {
	links    []Link
	declared []*zone.Zone
	ixfr     bool
	ddns     bool
	tsig     *TSIGKey
	tsigErr  error
}

// New creates an empty topology.
func New(opts ...Option) *Topology {
	t := &Topology{}
	for _, opt := range opts {
		opt(t)
	}

	if t.tsig != nil && t.tsig.Secret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			t.tsigErr = fmt.Errorf("failed to generate TSIG secret: %w", err)
		}
		t.tsig.Secret = base64.StdEncoding.EncodeToString(secret)
	}

	return t
}

// TSIG returns the topology key, or nil when transfers are unsigned.
func (t *Topology) TSIG() *TSIGKey {
	if t.tsig == nil {
		return nil
	}
	key := *t.tsig

	return &key
}

// Declare registers zones that must be mastered somewhere in the topology.
func (t *Topology) Declare(zones ...*zone.Zone) {
	t.declared = append(t.declared, zones...)
}

// Link makes master the authoritative source of zones for slaves.
func (t *Topology) Link(zones []*zone.Zone, master Node, slaves ...Node) (Link, error) {
	return t.add(zones, master, slaves, false)
}

// Chain makes an upstream that already serves zones (as master or slave)
// the transfer source for further slaves.
func (t *Topology) Chain(zones []*zone.Zone, upstream Node, slaves ...Node) (Link, error) {
	return t.add(zones, upstream, slaves, true)
}

func (t *Topology) add(zones []*zone.Zone, master Node, slaves []Node, chained bool) (Link, error) {
	if master == nil {
		return Link{}, &TopologyError{Reason: "link has no master"}
	}
	if len(zones) == 0 {
		return Link{}, &TopologyError{Reason: fmt.Sprintf("link from %s has no zones", master.Name())}
	}

	seenZone := make(map[string]bool, len(zones))
	for _, z := range zones {
		if z == nil {
			return Link{}, &TopologyError{Reason: "nil zone in link"}
		}
		if seenZone[z.Origin()] {
			return Link{}, &TopologyError{Zone: z.Origin(), Reason: "zone listed twice in one link"}
		}
		seenZone[z.Origin()] = true
	}

	seenSlave := make(map[string]bool, len(slaves))
	for _, s := range slaves {
		if s == nil {
			return Link{}, &TopologyError{Reason: "nil slave in link"}
		}
		if s.Name() == master.Name() {
			return Link{}, &TopologyError{Reason: fmt.Sprintf("server %s linked as its own slave", s.Name())}
		}
		if seenSlave[s.Name()] {
			return Link{}, &TopologyError{Reason: fmt.Sprintf("slave %s listed twice in one link", s.Name())}
		}
		seenSlave[s.Name()] = true
	}

	link := Link{
		zones:   append([]*zone.Zone(nil), zones...),
		master:  master,
		slaves:  append([]Node(nil), slaves...),
		chained: chained,
	}
	t.links = append(t.links, link)

	return link, nil
}

// Links returns the links in insertion order.
func (t *Topology) Links() []Link {
	return append([]Link(nil), t.links...)
}

// Plan is a validated topology.
type Plan struct {
	zones       []*zone.Zone
	masters     map[string]Node
	slaves      map[string][]Node
	upstreams   map[string]map[string][]Node
	assignments map[string]*RoleAssignment
	nodes       map[string]Node
	tsig        *TSIGKey
}

// Build validates the topology and derives role assignments.
// Node addresses are read here, so every node must have its endpoint reserved.
func (t *Topology) Build() (*Plan, error) {
	if t.tsigErr != nil {
		return nil, t.tsigErr
	}

	zones := make(map[string]*zone.Zone)
	var order []string
	register := func(z *zone.Zone) error {
		if prev, ok := zones[z.Origin()]; ok {
			if prev != z {
				return &TopologyError{Zone: z.Origin(), Reason: "two different fixtures share the origin"}
			}

			return nil
		}
		zones[z.Origin()] = z
		order = append(order, z.Origin())

		return nil
	}

	for _, z := range t.declared {
		if err := register(z); err != nil {
			return nil, err
		}
	}

	nodes := make(map[string]Node)
	addNode := func(n Node) error {
		if prev, ok := nodes[n.Name()]; ok && prev != n {
			return &TopologyError{Reason: fmt.Sprintf("two servers share the name %s", n.Name())}
		}
		nodes[n.Name()] = n

		return nil
	}

	// slaveOf[origin][slave] = upstreams
	slaveOf := make(map[string]map[string][]Node)
	for _, l := range t.links {
		if err := addNode(l.master); err != nil {
			return nil, err
		}
		for _, z := range l.zones {
			if err := register(z); err != nil {
				return nil, err
			}
			if slaveOf[z.Origin()] == nil {
				slaveOf[z.Origin()] = make(map[string][]Node)
			}
			for _, s := range l.slaves {
				if err := addNode(s); err != nil {
					return nil, err
				}
				slaveOf[z.Origin()][s.Name()] = append(slaveOf[z.Origin()][s.Name()], l.master)
			}
		}
	}

	// Every Link master is a primary master; only Chain upstreams may be slaves.
	masters := make(map[string]Node)
	for _, l := range t.links {
		for _, z := range l.zones {
			_, isSlave := slaveOf[z.Origin()][l.master.Name()]
			if l.chained {
				if !isSlave {
					return nil, &TopologyError{
						Zone:   z.Origin(),
						Reason: fmt.Sprintf("chained upstream %s does not serve the zone", l.master.Name()),
					}
				}
				continue
			}
			if prev, ok := masters[z.Origin()]; ok && prev.Name() != l.master.Name() {
				return nil, &TopologyError{
					Zone:   z.Origin(),
					Reason: fmt.Sprintf("multiple masters: %s and %s", prev.Name(), l.master.Name()),
				}
			}
			masters[z.Origin()] = l.master
		}
	}

	for _, origin := range order {
		m, ok := masters[origin]
		if !ok {
			return nil, &TopologyError{Zone: origin, Reason: "zone has no master"}
		}
		if _, isSlave := slaveOf[origin][m.Name()]; isSlave {
			return nil, &TopologyError{
				Zone:   origin,
				Reason: fmt.Sprintf("master %s is also a slave of the zone", m.Name()),
			}
		}
	}

	// Every slave must be reachable from the primary master through upstreams
	// that serve the zone.
	for origin, bySlave := range slaveOf {
		for slave, ups := range bySlave {
			for _, up := range ups {
				if !serves(origin, up.Name(), masters, slaveOf) {
					return nil, &TopologyError{
						Zone:   origin,
						Reason: fmt.Sprintf("slave %s linked to %s which does not serve the zone", slave, up.Name()),
					}
				}
			}
		}
	}

	p := &Plan{
		masters:     masters,
		slaves:      make(map[string][]Node),
		upstreams:   slaveOf,
		assignments: make(map[string]*RoleAssignment),
		nodes:       nodes,
		tsig:        t.TSIG(),
	}
	for _, origin := range order {
		p.zones = append(p.zones, zones[origin])
	}

	for _, z := range p.zones {
		origin := z.Origin()
		downstreams := make(map[string][]Peer)
		for slave, ups := range slaveOf[origin] {
			p.slaves[origin] = append(p.slaves[origin], nodes[slave])
			for _, up := range ups {
				downstreams[up.Name()] = append(downstreams[up.Name()], peerOf(nodes[slave]))
			}
		}
		sort.Slice(p.slaves[origin], func(i, j int) bool {
			return p.slaves[origin][i].Name() < p.slaves[origin][j].Name()
		})

		master := masters[origin]
		p.assign(master.Name(), ZoneRole{
			Zone:        z,
			Role:        RoleMaster,
			Downstreams: sortPeers(downstreams[master.Name()]),
			IXFR:        t.ixfr,
			DDNS:        t.ddns,
			TSIG:        p.tsig,
		})

		for slave, ups := range slaveOf[origin] {
			peers := make([]Peer, 0, len(ups))
			for _, up := range ups {
				peers = append(peers, peerOf(up))
			}
			p.assign(slave, ZoneRole{
				Zone:        z,
				Role:        RoleSlave,
				Masters:     sortPeers(peers),
				Downstreams: sortPeers(downstreams[slave]),
				IXFR:        t.ixfr,
				DDNS:        false,
				TSIG:        p.tsig,
			})
		}
	}

	for _, a := range p.assignments {
		sort.Slice(a.Zones, func(i, j int) bool {
			return zone.CompareNames(a.Zones[i].Origin(), a.Zones[j].Origin()) < 0
		})
	}

	return p, nil
}

// serves reports whether server holds origin, directly or via a loop-free upstream chain.
func serves(origin, server string, masters map[string]Node, slaveOf map[string]map[string][]Node) bool {
	visited := make(map[string]bool)
	var walk func(name string) bool
	walk = func(name string) bool {
		if m, ok := masters[origin]; ok && m.Name() == name {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		for _, up := range slaveOf[origin][name] {
			if walk(up.Name()) {
				return true
			}
		}

		return false
	}

	return walk(server)
}

func (p *Plan) assign(server string, zr ZoneRole) {
	a, ok := p.assignments[server]
	if !ok {
		a = &RoleAssignment{Server: server}
		p.assignments[server] = a
	}
	a.Zones = append(a.Zones, zr)
}

func peerOf(n Node) Peer {
	return Peer{Name: n.Name(), Addr: n.Addr()}
}

func sortPeers(peers []Peer) []Peer {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	return peers
}

// Zones returns every zone in the plan in declaration order.
func (p *Plan) Zones() []*zone.Zone {
	return append([]*zone.Zone(nil), p.zones...)
}

// Assignment returns the role assignment of a server, or an empty one for
// servers that take part in no link.
func (p *Plan) Assignment(server string) *RoleAssignment {
	if a, ok := p.assignments[server]; ok {
		return a
	}

	return &RoleAssignment{Server: server}
}

// MasterFor returns the primary master of origin.
func (p *Plan) MasterFor(origin string) (Node, bool) {
	n, ok := p.masters[dns.CanonicalName(origin)]

	return n, ok
}

// SlavesFor returns every slave of origin, ordered by name.
func (p *Plan) SlavesFor(origin string) []Node {
	return append([]Node(nil), p.slaves[dns.CanonicalName(origin)]...)
}

// UpstreamsFor returns the servers slave transfers origin from.
func (p *Plan) UpstreamsFor(origin, slave string) []Node {
	return append([]Node(nil), p.upstreams[dns.CanonicalName(origin)][slave]...)
}

// RoleOf returns the role of server for origin.
func (p *Plan) RoleOf(server, origin string) (Role, bool) {
	zr, ok := p.Assignment(server).Role(origin)

	return zr.Role, ok
}

// TSIG returns the key shared by every server in the plan.
func (p *Plan) TSIG() *TSIGKey {
	return p.tsig
}
