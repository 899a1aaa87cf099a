package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/dns-harness/pkg/convergence"
	"github.com/piwi3910/dns-harness/pkg/server"
	"github.com/piwi3910/dns-harness/pkg/topology"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// ErrScenario is wrapped by every scenario validation error.
var ErrScenario = errors.New("invalid scenario")

// Scenario is a declarative harness run loaded from YAML.
type Scenario struct {
	Name string `yaml:"name"`
	Seed *int64 `yaml:"seed,omitempty"`

	TSIG *TSIGSpec `yaml:"tsig,omitempty"`
	IXFR bool      `yaml:"ixfr,omitempty"`
	DDNS bool      `yaml:"ddns,omitempty"`

	Servers []ServerSpec `yaml:"servers"`
	Zones   []ZoneSpec   `yaml:"zones"`
	Links   []LinkSpec   `yaml:"links"`
	Steps   []Step       `yaml:"steps"`
}

// TSIGSpec requests a generated transfer key.
type TSIGSpec struct {
	Name      string `yaml:"name"`
	Algorithm string `yaml:"algorithm,omitempty"`
}

// ServerSpec declares one server.
type ServerSpec struct {
	Name   string            `yaml:"name"`
	Family string            `yaml:"family"`
	Params map[string]string `yaml:"params,omitempty"`
}

// ZoneSpec declares zones. Exactly one of Random, Origin or File is the
// source; File is loaded with Origin.
type ZoneSpec struct {
	Random  int    `yaml:"random,omitempty"`
	Origin  string `yaml:"origin,omitempty"`
	Records int    `yaml:"records,omitempty"`
	File    string `yaml:"file,omitempty"`
}

// LinkSpec links zones from a master to slaves. Empty Zones means every zone.
type LinkSpec struct {
	Zones  []string `yaml:"zones,omitempty"`
	Master string   `yaml:"master"`
	Slaves []string `yaml:"slaves"`

	// Chain marks Master as itself a slave of the zones.
	Chain bool `yaml:"chain,omitempty"`
}

// Step is one action after start; exactly one field is set.
type Step struct {
	Wait   *WaitStep     `yaml:"wait,omitempty"`
	Diff   *DiffStep     `yaml:"diff,omitempty"`
	Update *UpdateStep   `yaml:"update,omitempty"`
	Sleep  time.Duration `yaml:"sleep,omitempty"`
}

// WaitStep waits for convergence; empty Server waits for every slave.
type WaitStep struct {
	Server string   `yaml:"server,omitempty"`
	Zones  []string `yaml:"zones,omitempty"`
}

// DiffStep compares zones between two servers.
type DiffStep struct {
	A     string   `yaml:"a"`
	B     string   `yaml:"b"`
	Zones []string `yaml:"zones,omitempty"`
}

// UpdateStep sends a dynamic update to the zone's primary.
type UpdateStep struct {
	Zone   string   `yaml:"zone"`
	Add    []string `yaml:"add,omitempty"`
	Remove []string `yaml:"remove,omitempty"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	return ParseScenario(data, path)
}

// ParseScenario decodes a scenario; name is used when the document has none.
func ParseScenario(data []byte, name string) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScenario, err)
	}
	if s.Name == "" {
		s.Name = name
	}

	return &s, s.Validate()
}

// Validate checks the scenario for references to undeclared servers.
func (s *Scenario) Validate() error {
	if len(s.Servers) == 0 {
		return fmt.Errorf("%w: no servers", ErrScenario)
	}

	servers := make(map[string]bool, len(s.Servers))
	for _, srv := range s.Servers {
		if srv.Name == "" || srv.Family == "" {
			return fmt.Errorf("%w: server needs name and family", ErrScenario)
		}
		if servers[srv.Name] {
			return fmt.Errorf("%w: duplicate server %s", ErrScenario, srv.Name)
		}
		servers[srv.Name] = true
	}

	for _, z := range s.Zones {
		sources := 0
		if z.Random > 0 {
			sources++
		}
		if z.File != "" {
			sources++
		}
		if sources == 0 && z.Origin != "" {
			sources++
		}
		if sources != 1 || (z.File != "" && z.Origin == "") {
			return fmt.Errorf("%w: zone entry needs one of random, origin or file with origin", ErrScenario)
		}
	}

	known := func(names ...string) error {
		for _, n := range names {
			if n != "" && !servers[n] {
				return fmt.Errorf("%w: unknown server %s", ErrScenario, n)
			}
		}

		return nil
	}
	for _, l := range s.Links {
		if l.Master == "" || len(l.Slaves) == 0 {
			return fmt.Errorf("%w: link needs master and slaves", ErrScenario)
		}
		if err := known(append([]string{l.Master}, l.Slaves...)...); err != nil {
			return err
		}
	}
	for i, st := range s.Steps {
		set := 0
		if st.Wait != nil {
			set++
			if err := known(st.Wait.Server); err != nil {
				return err
			}
		}
		if st.Diff != nil {
			set++
			if st.Diff.A == "" || st.Diff.B == "" {
				return fmt.Errorf("%w: step %d: diff needs a and b", ErrScenario, i)
			}
			if err := known(st.Diff.A, st.Diff.B); err != nil {
				return err
			}
		}
		if st.Update != nil {
			set++
			if st.Update.Zone == "" {
				return fmt.Errorf("%w: step %d: update needs a zone", ErrScenario, i)
			}
		}
		if st.Sleep > 0 {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: step %d must set exactly one action", ErrScenario, i)
		}
	}

	return nil
}

// TopologyOptions returns the link options the scenario asks for.
func (s *Scenario) TopologyOptions() []topology.Option {
	var opts []topology.Option
	if s.IXFR {
		opts = append(opts, topology.WithIXFR())
	}
	if s.DDNS {
		opts = append(opts, topology.WithDDNS())
	}
	if s.TSIG != nil {
		opts = append(opts, topology.WithTSIG(s.TSIG.Name, s.TSIG.Algorithm))
	}

	return opts
}

// Execute builds the servers, zones and links, starts the harness and runs
// every step in order.
func (s *Scenario) Execute(ctx context.Context, h *Harness) error {
	for _, spec := range s.Servers {
		if _, err := h.ServerWithParams(spec.Family, spec.Name, spec.Params); err != nil {
			return err
		}
	}

	for _, spec := range s.Zones {
		var err error
		switch {
		case spec.Random > 0:
			_, err = h.ZoneRandom(spec.Random)
		case spec.File != "":
			_, err = h.ZoneFile(spec.File, spec.Origin)
		default:
			records := spec.Records
			if records == 0 {
				records = zone.DefaultGeneratorConfig().MinRecords
			}
			_, err = h.GenerateZone(spec.Origin, records)
		}
		if err != nil {
			return err
		}
	}

	for _, l := range s.Links {
		zones, err := h.resolveZones(l.Zones)
		if err != nil {
			return err
		}
		master, err := h.Lookup(l.Master)
		if err != nil {
			return err
		}
		slaves, err := h.lookupAll(l.Slaves)
		if err != nil {
			return err
		}

		if l.Chain {
			err = h.Chain(zones, master, slaves...)
		} else {
			err = h.Link(zones, master, slaves...)
		}
		if err != nil {
			return err
		}
	}

	if err := h.Start(ctx); err != nil {
		return err
	}

	for i, st := range s.Steps {
		if err := s.step(ctx, h, st); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	return nil
}

func (s *Scenario) step(ctx context.Context, h *Harness, st Step) error {
	switch {
	case st.Wait != nil:
		if st.Wait.Server == "" && len(st.Wait.Zones) == 0 {
			_, err := h.WaitAll(ctx)

			return err
		}

		zones, err := h.resolveZones(st.Wait.Zones)
		if err != nil {
			return err
		}
		if st.Wait.Server == "" {
			return h.waitZones(ctx, zones)
		}
		srv, err := h.Lookup(st.Wait.Server)
		if err != nil {
			return err
		}
		_, err = h.ZonesWait(ctx, srv, zones)

		return err

	case st.Diff != nil:
		zones, err := h.resolveZones(st.Diff.Zones)
		if err != nil {
			return err
		}
		a, err := h.Lookup(st.Diff.A)
		if err != nil {
			return err
		}
		b, err := h.Lookup(st.Diff.B)
		if err != nil {
			return err
		}
		_, err = h.XfrDiff(ctx, a, b, zones)

		return err

	case st.Update != nil:
		origin := dns.Fqdn(st.Update.Zone)
		add, err := parseRRs(origin, st.Update.Add)
		if err != nil {
			return err
		}
		remove, err := parseRRs(origin, st.Update.Remove)
		if err != nil {
			return err
		}
		_, err = h.Update(ctx, origin, add, remove)

		return err

	default:
		timer := time.NewTimer(st.Sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-timer.C:
			return nil
		}
	}
}

// waitZones waits for the listed zones on every slave serving them, all
// pairs under one deadline.
func (h *Harness) waitZones(ctx context.Context, zones []*zone.Zone) error {
	plan, err := h.runningPlan()
	if err != nil {
		return err
	}

	var targets []convergence.Target
	for _, z := range zones {
		for _, n := range plan.SlavesFor(z.Origin()) {
			srv, err := h.Lookup(n.Name())
			if err != nil {
				return err
			}
			pairs, err := h.targets(plan, srv, []*zone.Zone{z})
			if err != nil {
				return err
			}
			targets = append(targets, pairs...)
		}
	}

	_, err = h.wait(ctx, targets)

	return err
}

func (h *Harness) resolveZones(origins []string) ([]*zone.Zone, error) {
	if len(origins) == 0 {
		return h.Zones(), nil
	}

	zones := make([]*zone.Zone, 0, len(origins))
	for _, o := range origins {
		z, err := h.Zone(o)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}

	return zones, nil
}

func (h *Harness) lookupAll(names []string) ([]*server.Process, error) {
	out := make([]*server.Process, 0, len(names))
	for _, n := range names {
		p, err := h.Lookup(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, nil
}

// parseRRs parses records in presentation format relative to origin.
func parseRRs(origin string, lines []string) ([]dns.RR, error) {
	rrs := make([]dns.RR, 0, len(lines))
	for _, line := range lines {
		zp := dns.NewZoneParser(strings.NewReader(line), origin, "")
		rr, ok := zp.Next()
		if err := zp.Err(); err != nil {
			return nil, fmt.Errorf("%w: record %q: %w", ErrScenario, line, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: empty record %q", ErrScenario, line)
		}
		rrs = append(rrs, rr)
	}

	return rrs, nil
}

// RunScenario runs s in a fresh harness. The scenario's seed and link
// options override opts.
func RunScenario(ctx context.Context, opts Options, s *Scenario) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Seed != nil {
		opts.Seed = s.Seed
	}
	opts.Topology = append(opts.Topology, s.TopologyOptions()...)

	report, err := Run(ctx, opts, s.Execute)
	if report != nil {
		report.Name = s.Name
	}

	return report, err
}
