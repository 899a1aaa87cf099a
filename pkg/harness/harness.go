// Package harness orchestrates DNS servers under test: it creates the server
// processes, wires zones across them, waits for replication to converge and
// compares the transferred zone contents.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/dns-harness/pkg/compare"
	"github.com/piwi3910/dns-harness/pkg/config"
	"github.com/piwi3910/dns-harness/pkg/convergence"
	"github.com/piwi3910/dns-harness/pkg/metrics"
	"github.com/piwi3910/dns-harness/pkg/server"
	"github.com/piwi3910/dns-harness/pkg/topology"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// Harness errors.
var (
	ErrDuplicateServer = errors.New("server name already in use")
	ErrUnknownServer   = errors.New("unknown server")
	ErrUnknownZone     = errors.New("unknown zone")
	ErrAlreadyStarted  = errors.New("harness already started")
	ErrNotStarted      = errors.New("harness not started")
	ErrStopped         = errors.New("harness stopped")
	ErrServerExited    = errors.New("server exited unexpectedly")
)

// ServerExitError cancels in-flight waits when a started server dies.
type ServerExitError struct {
	Server string
	Err    error
	Stderr string
}

func (e *ServerExitError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrServerExited, e.Server)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ServerExitError) Unwrap() error {
	return ErrServerExited
}

// Options configures a Harness.
type Options struct {
	// Config supplies supervision, polling and comparison defaults.
	Config *config.Config

	Logger zerolog.Logger

	// ID names the run; empty generates one.
	ID string

	// Seed makes zone generation reproducible.
	Seed *int64

	// Generator overrides the zone generator settings; its Seed is ignored
	// in favour of Seed.
	Generator *zone.GeneratorConfig

	// Topology options such as topology.WithTSIG.
	Topology []topology.Option

	// OnPoll observes every convergence poll.
	OnPoll func(convergence.Poll)
}

// Harness is one orchestration run. It is safe for concurrent use.
type Harness struct {
	id     string
	cfg    *config.Config
	log    zerolog.Logger
	gen    *zone.Generator
	topo   *topology.Topology
	waiter *convergence.Waiter
	cmp    *compare.Comparator

	mu      sync.Mutex
	servers map[string]*server.Process
	order   []string
	zones   map[string]*zone.Zone
	plan    *topology.Plan

	// serials holds the serial each primary is known to serve: the fixture's
	// until an Update bumps it.
	serials map[string]uint32
	started bool
	report  Report

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error

	// watch is cancelled with a *ServerExitError when a running server dies.
	watch       context.Context
	cancelWatch context.CancelCauseFunc
}

// New creates a harness. Nothing is spawned until Start.
func New(opts Options) (*Harness, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.Logger.With().Str("run", shortID(id)).Logger()

	genCfg := zone.DefaultGeneratorConfig()
	if opts.Generator != nil {
		genCfg = *opts.Generator
	}
	genCfg.Seed = opts.Seed
	if err := genCfg.Validate(); err != nil {
		return nil, err
	}
	gen := zone.NewGenerator(genCfg)
	log.Info().Int64("seed", gen.Seed()).Msg("Zone generator seeded")

	cmp, err := compare.New(compare.Options{
		IgnoreTTL:       cfg.Compare.IgnoreTTL,
		FoldCase:        cfg.Compare.FoldCase,
		IgnoreSOATimers: cfg.Compare.IgnoreSOATimers,
		IgnoreTypes:     cfg.Compare.IgnoreTypes,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: compare: %w", config.ErrInvalidConfig, err)
	}

	waiter := convergence.New(convergence.Config{
		Timeout:     cfg.Convergence.Timeout,
		Interval:    cfg.Convergence.Interval,
		MaxInterval: cfg.Convergence.MaxInterval,
		Backoff:     cfg.Convergence.Backoff,
		Logger:      log,
		OnPoll:      opts.OnPoll,
	})

	watch, cancel := context.WithCancelCause(context.Background())

	return &Harness{
		id:          id,
		cfg:         cfg,
		log:         log,
		gen:         gen,
		topo:        topology.New(opts.Topology...),
		waiter:      waiter,
		cmp:         cmp,
		servers:     make(map[string]*server.Process),
		zones:       make(map[string]*zone.Zone),
		serials:     make(map[string]uint32),
		report:      Report{ID: id, Seed: gen.Seed(), Started: time.Now()},
		watch:       watch,
		cancelWatch: cancel,
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

// ID returns the run ID.
func (h *Harness) ID() string {
	return h.id
}

// Seed returns the zone generator seed.
func (h *Harness) Seed() int64 {
	return h.gen.Seed()
}

// Logger returns the run logger.
func (h *Harness) Logger() zerolog.Logger {
	return h.log
}

// TSIG returns the topology key, or nil.
func (h *Harness) TSIG() *topology.TSIGKey {
	return h.topo.TSIG()
}

// Server creates a server of family and reserves its endpoint.
func (h *Harness) Server(family, name string) (*server.Process, error) {
	return h.ServerWithParams(family, name, nil)
}

// ServerWithParams is Server with per-instance driver parameters layered
// over the family's configured ones.
func (h *Harness) ServerWithParams(family, name string, params map[string]string) (*server.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil, ErrAlreadyStarted
	}
	if _, ok := h.servers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, name)
	}

	sc := h.cfg.Server(family)
	merged := make(map[string]string, len(sc.Params)+len(params))
	for k, v := range sc.Params {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	p, err := server.New(family, name, server.Options{
		Binary:        sc.Binary,
		ExtraArgs:     sc.ExtraArgs,
		Host:          h.cfg.Harness.Host,
		WorkDir:       h.cfg.Harness.WorkDir,
		KeepArtifacts: h.cfg.Harness.KeepArtifacts,
		StartTimeout:  h.cfg.Harness.StartTimeout,
		StopGrace:     h.cfg.Harness.StopGrace,
		QueryTimeout:  h.cfg.Harness.QueryTimeout,
		Params:        merged,
		Logger:        h.log,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Prepare(); err != nil {
		return nil, err
	}

	h.servers[name] = p
	h.order = append(h.order, name)

	return p, nil
}

// Lookup returns a server by name.
func (h *Harness) Lookup(name string) (*server.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}

	return p, nil
}

// Servers returns the servers in creation order.
func (h *Harness) Servers() []*server.Process {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*server.Process, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.servers[name])
	}

	return out
}

// Zones returns every registered zone in canonical order.
func (h *Harness) Zones() []*zone.Zone {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.zoneList()
}

func (h *Harness) zoneList() []*zone.Zone {
	out := make([]*zone.Zone, 0, len(h.zones))
	for _, z := range h.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool {
		return zone.CompareNames(out[i].Origin(), out[j].Origin()) < 0
	})

	return out
}

// Zone returns a registered zone by origin.
func (h *Harness) Zone(origin string) (*zone.Zone, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	z, ok := h.zones[dns.CanonicalName(origin)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, origin)
	}

	return z, nil
}

func (h *Harness) addZones(zones ...*zone.Zone) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}
	for _, z := range zones {
		if prev, ok := h.zones[z.Origin()]; ok && prev != z {
			return &topology.TopologyError{Zone: z.Origin(), Reason: "zone origin registered twice"}
		}
	}
	for _, z := range zones {
		h.zones[z.Origin()] = z
		h.serials[z.Origin()] = z.Serial()
		metrics.Metrics.ZonesGenerated.Inc()
		metrics.Metrics.RecordsGenerated.Add(float64(z.RecordCount()))
	}

	return nil
}

// ZoneRandom generates count zones with random names.
func (h *Harness) ZoneRandom(count int) ([]*zone.Zone, error) {
	zones, err := h.gen.Generate(count)
	if err != nil {
		return nil, err
	}
	if err := h.addZones(zones...); err != nil {
		return nil, err
	}

	h.log.Info().Int("count", count).Int64("seed", h.gen.Seed()).Msg("Generated zones")

	return zones, nil
}

// GenerateZone generates one zone with a chosen origin and record count.
func (h *Harness) GenerateZone(origin string, records int) (*zone.Zone, error) {
	z, err := h.gen.GenerateZone(origin, records)
	if err != nil {
		return nil, err
	}
	if err := h.addZones(z); err != nil {
		return nil, err
	}

	return z, nil
}

// ZoneFile loads a zone from a master file.
func (h *Harness) ZoneFile(path, origin string) (*zone.Zone, error) {
	z, err := zone.ParseFile(path, origin)
	if err != nil {
		return nil, err
	}
	if err := h.addZones(z); err != nil {
		return nil, err
	}

	return z, nil
}

// Link makes master serve zones to slaves.
func (h *Harness) Link(zones []*zone.Zone, master *server.Process, slaves ...*server.Process) error {
	return h.link(zones, master, slaves, false)
}

// Chain makes slaves replicate zones from upstream, itself a slave.
func (h *Harness) Chain(zones []*zone.Zone, upstream *server.Process, slaves ...*server.Process) error {
	return h.link(zones, upstream, slaves, true)
}

func (h *Harness) link(zones []*zone.Zone, master *server.Process, slaves []*server.Process, chained bool) error {
	if err := h.addZones(zones...); err != nil {
		return err
	}

	nodes := make([]topology.Node, len(slaves))
	for i, s := range slaves {
		nodes[i] = s
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}

	var err error
	if chained {
		_, err = h.topo.Chain(zones, master, nodes...)
	} else {
		_, err = h.topo.Link(zones, master, nodes...)
	}

	return err
}

// Start validates the topology, configures every server and starts them
// concurrently. If any server fails to start, every server is stopped.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()

		return ErrAlreadyStarted
	}
	if h.stopping.Load() {
		h.mu.Unlock()

		return ErrStopped
	}

	h.topo.Declare(h.zoneList()...)
	plan, err := h.topo.Build()
	if err != nil {
		h.mu.Unlock()

		return err
	}

	zones := h.zoneList()
	procs := make([]*server.Process, 0, len(h.order))
	for _, name := range h.order {
		procs = append(procs, h.servers[name])
	}
	h.plan = plan
	h.started = true
	h.report.Zones = zoneReports(plan)
	h.mu.Unlock()

	for _, p := range procs {
		if err := p.Configure(zones, plan.Assignment(p.Name())); err != nil {
			h.abort(ctx)

			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		g.Go(func() error {
			return p.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		h.log.Error().Err(err).Msg("Server failed to start, tearing down")
		h.abort(ctx)

		return err
	}

	for _, p := range procs {
		go h.supervise(p)
	}
	h.log.Info().Int("servers", len(procs)).Int("zones", len(zones)).Msg("All servers ready")

	return nil
}

func (h *Harness) abort(ctx context.Context) {
	h.cancelWatch(ErrStopped)
	if err := h.Stop(context.WithoutCancel(ctx)); err != nil {
		h.log.Warn().Err(err).Msg("Teardown after failed start")
	}
}

// supervise cancels the watch context when p exits before Stop.
func (h *Harness) supervise(p *server.Process) {
	select {
	case <-p.Done():
	case <-h.watch.Done():
		return
	}
	if h.stopping.Load() {
		return
	}

	_, stderr := p.Output()
	err := &ServerExitError{Server: p.Name(), Err: p.ExitErr(), Stderr: stderr}
	h.log.Error().Err(err).Msg("Server died")
	h.cancelWatch(err)
}

// bind derives a context cancelled by ctx or when a server dies.
func (h *Harness) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(h.watch, func() {
		cancel(context.Cause(h.watch))
	})

	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

func (h *Harness) runningPlan() (*topology.Plan, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil, ErrNotStarted
	}

	return h.plan, nil
}

func (h *Harness) knownSerial(origin string) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.serials[origin]
}

// targets builds the waits for zones on srv. A slave waits for its primary's
// current serial; a primary waits until it serves the serial it was given.
func (h *Harness) targets(plan *topology.Plan, srv *server.Process, zones []*zone.Zone) ([]convergence.Target, error) {
	targets := make([]convergence.Target, 0, len(zones))
	for _, z := range zones {
		role, ok := plan.RoleOf(srv.Name(), z.Origin())
		if !ok {
			return nil, &topology.TopologyError{Zone: z.Origin(), Reason: srv.Name() + " does not serve the zone"}
		}

		primary, ok := plan.MasterFor(z.Origin())
		if !ok {
			return nil, fmt.Errorf("%w: %s has no master", ErrUnknownZone, z.Origin())
		}
		master, err := h.Lookup(primary.Name())
		if err != nil {
			return nil, err
		}

		if role == topology.RoleMaster {
			expected := h.knownSerial(z.Origin())
			targets = append(targets, convergence.Target{Zone: z.Origin(), Server: srv, Expected: &expected})
			continue
		}
		targets = append(targets, convergence.Target{Zone: z.Origin(), Server: srv, Master: master})
	}

	return targets, nil
}

// ZonesWait waits until server serves the primary's serial for each zone.
// On the primary itself it waits for the fixture serial, or the serial of the
// last Update.
func (h *Harness) ZonesWait(ctx context.Context, srv *server.Process, zones []*zone.Zone) ([]convergence.Outcome, error) {
	plan, err := h.runningPlan()
	if err != nil {
		return nil, err
	}

	targets, err := h.targets(plan, srv, zones)
	if err != nil {
		return nil, err
	}

	return h.wait(ctx, targets)
}

// WaitAll waits for every zone on every slave of the topology.
func (h *Harness) WaitAll(ctx context.Context) ([]convergence.Outcome, error) {
	plan, err := h.runningPlan()
	if err != nil {
		return nil, err
	}

	var targets []convergence.Target
	for _, name := range h.serverNames() {
		p, err := h.Lookup(name)
		if err != nil {
			return nil, err
		}
		zones := make([]*zone.Zone, 0)
		for _, zr := range plan.Assignment(name).Zones {
			if zr.Role == topology.RoleSlave {
				zones = append(zones, zr.Zone)
			}
		}
		t, err := h.targets(plan, p, zones)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t...)
	}

	return h.wait(ctx, targets)
}

func (h *Harness) serverNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.order...)
}

func (h *Harness) wait(ctx context.Context, targets []convergence.Target) ([]convergence.Outcome, error) {
	ctx, cancel := h.bind(ctx)
	defer cancel()

	outcomes, err := h.waiter.WaitAll(ctx, targets)

	h.mu.Lock()
	for _, o := range outcomes {
		h.report.Waits = append(h.report.Waits, waitReport(o))
	}
	h.mu.Unlock()

	return outcomes, err
}

// XfrDiff transfers each zone from a and b and compares them. Mismatches and
// transfer failures are joined in the returned error; results hold every
// completed comparison.
func (h *Harness) XfrDiff(ctx context.Context, a, b *server.Process, zones []*zone.Zone) ([]*compare.Result, error) {
	if _, err := h.runningPlan(); err != nil {
		return nil, err
	}

	ctx, cancel := h.bind(ctx)
	defer cancel()

	results := make([]*compare.Result, len(zones))
	errs := make([]error, len(zones))

	var wg sync.WaitGroup
	for i, z := range zones {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.cmp.Diff(ctx, z.Origin(), a, b)
			if err != nil {
				errs[i] = err

				return
			}
			results[i] = res
			errs[i] = res.Err()
		}()
	}
	wg.Wait()

	var done []*compare.Result
	for _, r := range results {
		if r != nil {
			done = append(done, r)
		}
	}

	h.mu.Lock()
	h.report.Diffs = append(h.report.Diffs, done...)
	h.mu.Unlock()

	return done, errors.Join(errs...)
}

// Update sends a dynamic update to the primary of origin and returns the
// serial the primary serves afterwards.
func (h *Harness) Update(ctx context.Context, origin string, add, remove []dns.RR) (uint32, error) {
	plan, err := h.runningPlan()
	if err != nil {
		return 0, err
	}

	primary, ok := plan.MasterFor(origin)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownZone, origin)
	}
	master, err := h.Lookup(primary.Name())
	if err != nil {
		return 0, err
	}

	ctx, cancel := h.bind(ctx)
	defer cancel()

	if err := master.Update(ctx, origin, add, remove); err != nil {
		return 0, err
	}

	serial, err := master.Serial(ctx, origin)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.serials[dns.CanonicalName(origin)] = serial
	h.mu.Unlock()

	h.log.Info().Str("zone", dns.CanonicalName(origin)).Uint32("serial", serial).Int("add", len(add)).Int("remove", len(remove)).Msg("Updated zone")

	return serial, nil
}

// Stop stops every server concurrently. It runs once; later calls return
// the first result.
func (h *Harness) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		procs := h.Servers()

		errs := make([]error, len(procs))
		var wg sync.WaitGroup
		for i, p := range procs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = p.Stop(ctx)
			}()
		}
		wg.Wait()
		h.cancelWatch(ErrStopped)

		h.mu.Lock()
		h.report.Servers = serverReports(procs)
		h.report.Finished = time.Now()
		h.mu.Unlock()

		h.stopErr = errors.Join(errs...)
		h.log.Info().Int("servers", len(procs)).Msg("Harness stopped")
	})

	return h.stopErr
}

// Run creates a harness, calls fn and always stops the harness afterwards,
// also when fn panics or exits the goroutine. fn's context is cancelled when
// any started server dies.
func Run(ctx context.Context, opts Options, fn func(ctx context.Context, h *Harness) error) (report *Report, err error) {
	h, err := New(opts)
	if err != nil {
		metrics.Metrics.Runs.WithLabelValues(ResultError).Inc()

		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("harness run panicked: %v", r)
		}

		stopErr := h.Stop(context.WithoutCancel(ctx))
		if stopErr != nil {
			h.log.Warn().Err(stopErr).Msg("Teardown reported errors")
			if err == nil {
				err = stopErr
			}
		}

		report = h.Report()
		report.Finish(err)
		metrics.Metrics.Runs.WithLabelValues(report.Result).Inc()
		h.log.Info().Str("result", report.Result).Dur("took", report.Duration()).Msg("Run finished")
	}()

	bound, cancel := h.bind(ctx)
	defer cancel()

	return nil, fn(bound, h)
}
