package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"

	"github.com/piwi3910/dns-harness/pkg/topology"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// DefaultQueryTimeout bounds a single query when no timeout is set.
const DefaultQueryTimeout = 2 * time.Second

// fudge is the TSIG time fudge in seconds.
const fudge = 300

// Client talks DNS to one server endpoint.
type Client struct {
	// Server is the name used in errors.
	Server string

	// Addr is the server endpoint (host:port).
	Addr string

	// Timeout bounds each query and each transfer read.
	Timeout time.Duration

	// TSIG signs transfers and updates when set.
	TSIG *topology.TSIGKey
}

// NewClient creates a client for addr.
func NewClient(server, addr string, timeout time.Duration, tsig *topology.TSIGKey) *Client {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	return &Client{
		Server:  server,
		Addr:    addr,
		Timeout: timeout,
		TSIG:    tsig,
	}
}

func (c *Client) secrets() map[string]string {
	if c.TSIG == nil {
		return nil
	}

	return map[string]string{c.TSIG.Name: c.TSIG.Secret}
}

func (c *Client) sign(m *dns.Msg) {
	if c.TSIG != nil {
		m.SetTsig(c.TSIG.Name, c.TSIG.Algorithm, fudge, time.Now().Unix())
	}
}

// Exchange sends m over UDP and retries over TCP when the answer is truncated.
func (c *Client) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	resp, err := c.exchange(ctx, "udp", m)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		return c.exchange(ctx, "tcp", m)
	}

	return resp, nil
}

func (c *Client) exchange(ctx context.Context, network string, m *dns.Msg) (*dns.Msg, error) {
	q := m.Question[0]

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	client := &dns.Client{
		Net:        network,
		Timeout:    c.Timeout,
		TsigSecret: c.secrets(),
	}

	resp, _, err := client.ExchangeContext(ctx, m, c.Addr)
	if err != nil {
		if isTimeout(err) || ctx.Err() != nil {
			return nil, &QueryTimeout{Server: c.Server, Name: q.Name, Type: q.Qtype}
		}

		return nil, &ProtocolError{Server: c.Server, Name: q.Name, Type: q.Qtype, Reason: "exchange failed", Err: err}
	}

	return resp, nil
}

// Query asks for owner/qtype and returns the response. Only NOERROR and
// NXDOMAIN are accepted.
func (c *Client) Query(ctx context.Context, owner string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(owner), qtype)
	m.RecursionDesired = false

	resp, err := c.Exchange(ctx, m)
	if err != nil {
		return nil, err
	}

	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return resp, &ProtocolError{
			Server: c.Server,
			Name:   m.Question[0].Name,
			Type:   qtype,
			Rcode:  resp.Rcode,
			Reason: "unexpected rcode " + dns.RcodeToString[resp.Rcode],
		}
	}

	return resp, nil
}

// SOA returns the authoritative SOA of origin.
func (c *Client) SOA(ctx context.Context, origin string) (*dns.SOA, error) {
	origin = dns.CanonicalName(origin)

	resp, err := c.Query(ctx, origin, dns.TypeSOA)
	if err != nil {
		return nil, err
	}

	if !resp.Authoritative {
		return nil, &ProtocolError{Server: c.Server, Name: origin, Type: dns.TypeSOA, Rcode: resp.Rcode, Reason: "answer is not authoritative"}
	}
	for _, rr := range resp.Answer {
		if soa, ok := rr.(*dns.SOA); ok && dns.CanonicalName(soa.Hdr.Name) == origin {
			return soa, nil
		}
	}

	return nil, &ProtocolError{Server: c.Server, Name: origin, Type: dns.TypeSOA, Rcode: resp.Rcode, Reason: "no SOA in answer"}
}

// Serial returns the SOA serial of origin.
func (c *Client) Serial(ctx context.Context, origin string) (uint32, error) {
	soa, err := c.SOA(ctx, origin)
	if err != nil {
		return 0, err
	}

	return soa.Serial, nil
}

// Ping reports whether anything answers DNS at the endpoint. Any well-formed
// response counts, whatever its rcode.
func (c *Client) Ping(ctx context.Context, name string) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSOA)
	m.RecursionDesired = false

	_, err := c.Exchange(ctx, m)

	return err
}

// AXFR transfers origin and returns every record, the SOA first and once.
func (c *Client) AXFR(ctx context.Context, origin string) ([]dns.RR, error) {
	origin = dns.CanonicalName(origin)

	m := new(dns.Msg)
	m.SetAxfr(origin)
	c.sign(m)

	rrs, err := c.transfer(ctx, m)
	if err != nil {
		return nil, err
	}

	if len(rrs) < 2 {
		return nil, &TransferError{Server: c.Server, Zone: origin, Type: dns.TypeAXFR, Err: fmt.Errorf("short transfer of %d records", len(rrs))}
	}
	if _, ok := rrs[len(rrs)-1].(*dns.SOA); !ok {
		return nil, &TransferError{Server: c.Server, Zone: origin, Type: dns.TypeAXFR, Err: errors.New("transfer does not end with SOA")}
	}

	return rrs[:len(rrs)-1], nil
}

// IXFR requests the changes of origin since serial.
func (c *Client) IXFR(ctx context.Context, origin string, serial uint32) (*zone.IXFRResult, error) {
	origin = dns.CanonicalName(origin)

	m := new(dns.Msg)
	m.SetIxfr(origin, serial, ".", ".")
	c.sign(m)

	rrs, err := c.transfer(ctx, m)
	if err != nil {
		return nil, err
	}

	result, err := zone.ParseIXFR(rrs)
	if err != nil {
		return nil, &TransferError{Server: c.Server, Zone: origin, Type: dns.TypeIXFR, Err: err}
	}

	return result, nil
}

func (c *Client) transfer(ctx context.Context, m *dns.Msg) ([]dns.RR, error) {
	q := m.Question[0]
	fail := func(rcode int, err error) error {
		return &TransferError{Server: c.Server, Zone: q.Name, Type: q.Qtype, Rcode: rcode, Err: err}
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	conn, err := d.DialContext(dialCtx, "tcp", c.Addr)
	cancel()
	if err != nil {
		return nil, fail(dns.RcodeSuccess, err)
	}

	// Transfer.In only honours read deadlines, so cancellation closes the socket.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t := &dns.Transfer{
		Conn:         &dns.Conn{Conn: conn},
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		TsigSecret:   c.secrets(),
	}

	envelopes, err := t.In(m, c.Addr)
	if err != nil {
		conn.Close()

		return nil, fail(dns.RcodeSuccess, err)
	}

	var rrs []dns.RR
	var transferErr error
	for env := range envelopes {
		if env.Error != nil && transferErr == nil {
			transferErr = env.Error
		}
		rrs = append(rrs, env.RR...)
	}

	if transferErr != nil {
		if ctx.Err() != nil {
			transferErr = ctx.Err()
		}

		return nil, fail(c.transferRcode(ctx, m), transferErr)
	}
	if len(rrs) == 0 {
		return nil, fail(dns.RcodeSuccess, errors.New("empty transfer"))
	}

	return rrs, nil
}

// Update sends an RFC 2136 update for origin over TCP.
func (c *Client) Update(ctx context.Context, origin string, add, remove []dns.RR) error {
	origin = dns.CanonicalName(origin)

	m := new(dns.Msg)
	m.SetUpdate(origin)
	if len(add) > 0 {
		m.Insert(add)
	}
	if len(remove) > 0 {
		m.Remove(remove)
	}
	c.sign(m)

	resp, err := c.exchange(ctx, "tcp", m)
	if err != nil {
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return &ProtocolError{
			Server: c.Server,
			Name:   origin,
			Type:   dns.TypeSOA,
			Rcode:  resp.Rcode,
			Reason: "update rejected with " + dns.RcodeToString[resp.Rcode],
		}
	}

	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

// transferRcode asks again for the first message of a failed transfer and
// returns its rcode. Transfer.In reports a rejection only as an error, so this
// is the one place the server's answer is still readable.
func (c *Client) transferRcode(ctx context.Context, m *dns.Msg) int {
	if ctx.Err() != nil {
		return dns.RcodeSuccess
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	client := &dns.Client{
		Net:        "tcp",
		Timeout:    c.Timeout,
		TsigSecret: c.secrets(),
	}

	// A rejection can come back unsigned, so keep the message even when
	// verification failed.
	resp, _, _ := client.ExchangeContext(ctx, m, c.Addr)
	if resp == nil {
		return dns.RcodeSuccess
	}

	return resp.Rcode
}
