// Package server supervises DNS server processes under test.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/dns-harness/pkg/metrics"
	"github.com/piwi3910/dns-harness/pkg/topology"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// State is the lifecycle state of a Process.
type State int32

// Process states. Transitions only move forward.
const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Defaults for Options.
const (
	DefaultStartTimeout = 10 * time.Second
	DefaultStopGrace    = 5 * time.Second
	DefaultHost         = "127.0.0.1"

	probeMinInterval = 20 * time.Millisecond
	probeMaxInterval = 500 * time.Millisecond
	reapTimeout      = 5 * time.Second
)

// Options configures a Process.
type Options struct {
	// Binary overrides the driver's default executable.
	Binary string

	// ExtraArgs are appended to the command line.
	ExtraArgs []string

	// Host is the listen address (default 127.0.0.1).
	Host string

	// WorkDir is the parent of the per-process directory (default os.TempDir).
	WorkDir string

	// KeepArtifacts keeps the per-process directory after Stop.
	KeepArtifacts bool

	StartTimeout time.Duration
	StopGrace    time.Duration
	QueryTimeout time.Duration

	// OutputLimit bounds each captured output stream.
	OutputLimit int

	// Params are passed through to the driver.
	Params map[string]string

	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = DefaultQueryTimeout
	}
}

// Process is one supervised DNS server instance.
type Process struct {
	name   string
	driver Driver
	opts   Options
	log    zerolog.Logger

	mu         sync.Mutex
	state      State
	cfg        *Config
	configPath string
	prepared   bool

	cmd     *exec.Cmd
	stdout  *tailBuffer
	stderr  *tailBuffer
	done    chan struct{}
	exit    error
	crashed bool
	client  *Client

	stopMu sync.Mutex
}

// New creates a process of the given family. Nothing is spawned yet.
func New(family, name string, opts Options) (*Process, error) {
	if name == "" {
		return nil, &ConfigError{Server: family, Reason: "empty server name"}
	}

	driver, err := LookupDriver(family)
	if err != nil {
		return nil, &ConfigError{Server: name, Reason: "no driver", Err: err}
	}

	opts.setDefaults()
	if opts.Binary == "" {
		opts.Binary = driver.DefaultBinary()
	}

	return &Process{
		name:   name,
		driver: driver,
		opts:   opts,
		log:    opts.Logger.With().Str("server", name).Str("family", family).Logger(),
		state:  StateCreated,
		stdout: newTailBuffer(opts.OutputLimit),
		stderr: newTailBuffer(opts.OutputLimit),
		done:   make(chan struct{}),
	}, nil
}

// Name returns the server name.
func (p *Process) Name() string {
	return p.name
}

// Family returns the driver family.
func (p *Process) Family() string {
	return p.driver.Family()
}

// Addr returns the DNS endpoint, or "" before Prepare.
func (p *Process) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg == nil {
		return ""
	}

	return p.cfg.Addr()
}

// Dir returns the per-process working directory, or "" before Prepare.
func (p *Process) Dir() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg == nil {
		return ""
	}

	return p.cfg.Dir
}

// State returns the lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Running reports whether the process is started and has not exited.
func (p *Process) Running() bool {
	if p.State() != StateRunning {
		return false
	}

	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when a started process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the wait error of an exited process.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exit
	default:
		return nil
	}
}

// Crashed reports whether the process exited on its own, not through Stop.
func (p *Process) Crashed() bool {
	select {
	case <-p.done:
	default:
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.crashed
}

// KeepArtifacts reports whether the working directory survives Stop.
func (p *Process) KeepArtifacts() bool {
	return p.opts.KeepArtifacts
}

// Output returns the tail of the captured stdout and stderr.
func (p *Process) Output() (stdout, stderr string) {
	return p.stdout.String(), p.stderr.String()
}

// Prepare reserves the listen port and the working directory so that the
// endpoint is known before any configuration is written. It is idempotent.
func (p *Process) Prepare() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.prepareLocked()
}

func (p *Process) prepareLocked() error {
	if p.prepared {
		return nil
	}
	if p.state != StateCreated {
		return fmt.Errorf("%w: prepare in state %s", ErrInvalidState, p.state)
	}

	port, err := FreePort(p.opts.Host)
	if err != nil {
		return &ConfigError{Server: p.name, Reason: "no listen port", Err: err}
	}

	parent := p.opts.WorkDir
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o750); err != nil {
		ReleasePort(port)

		return &ConfigError{Server: p.name, Reason: "cannot create work dir", Err: err}
	}
	dir, err := os.MkdirTemp(parent, fmt.Sprintf("%s-%s-", p.name, uuid.NewString()[:8]))
	if err != nil {
		ReleasePort(port)

		return &ConfigError{Server: p.name, Reason: "cannot create work dir", Err: err}
	}

	p.cfg = &Config{
		Name:      p.name,
		Host:      p.opts.Host,
		Port:      port,
		Dir:       dir,
		Binary:    p.opts.Binary,
		ExtraArgs: append([]string(nil), p.opts.ExtraArgs...),
		Params:    p.opts.Params,
	}
	p.prepared = true
	p.log.Debug().Str("addr", p.cfg.Addr()).Str("dir", dir).Msg("Reserved endpoint")

	return nil
}

// Configure writes zone files and the server configuration for the roles in a.
// Every zone referenced by a must be in zones.
func (p *Process) Configure(zones []*zone.Zone, a *topology.RoleAssignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCreated && p.state != StateConfigured {
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, p.state)
	}
	if err := p.prepareLocked(); err != nil {
		return err
	}
	if a != nil && a.Server != "" && a.Server != p.name {
		return &ConfigError{Server: p.name, Reason: fmt.Sprintf("assignment belongs to %s", a.Server)}
	}

	configs, err := zoneConfigs(p.name, p.cfg.Dir, zones, a)
	if err != nil {
		return err
	}

	p.cfg.Zones = configs
	p.cfg.TSIG = nil
	for _, zc := range configs {
		if zc.TSIG != nil {
			p.cfg.TSIG = zc.TSIG
		}
		if zc.Master() {
			if err := zc.Zone.WriteFile(zc.File); err != nil {
				return &ConfigError{Server: p.name, Reason: "cannot write zone file", Err: err}
			}
		}
	}

	if err := os.MkdirAll(p.cfg.Path("zones"), 0o750); err != nil {
		return &ConfigError{Server: p.name, Reason: "cannot create zone dir", Err: err}
	}

	path, err := p.driver.WriteConfig(p.cfg)
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			return err
		}

		return &ConfigError{Server: p.name, Reason: "cannot write " + p.driver.Family() + " config", Err: err}
	}

	p.configPath = path
	p.client = NewClient(p.name, p.cfg.Addr(), p.opts.QueryTimeout, p.cfg.TSIG)
	p.state = StateConfigured
	p.log.Info().Int("zones", len(configs)).Str("config", path).Msg("Configured server")

	return nil
}

// Start spawns the process and blocks until it answers the driver's
// readiness probe, the process exits, or the start timeout elapses.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateConfigured {
		state := p.state
		p.mu.Unlock()

		return fmt.Errorf("%w: start in state %s", ErrInvalidState, state)
	}

	launch := p.driver.Command(p.cfg, p.configPath)
	cmd := exec.Command(launch.Path, launch.Args...)
	cmd.Dir = launch.Dir
	cmd.Env = append(os.Environ(), launch.Env...)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		p.state = StateStopped
		p.mu.Unlock()
		p.cleanup()

		return &StartupError{Server: p.name, Reason: "cannot spawn " + launch.Path, Err: err}
	}

	p.cmd = cmd
	p.state = StateRunning
	cfg, client := p.cfg, p.client
	p.mu.Unlock()

	family := p.driver.Family()
	started := time.Now()
	metrics.Metrics.ServerStarts.WithLabelValues(family).Inc()
	metrics.Metrics.ServersRunning.Inc()

	p.log.Info().Int("pid", cmd.Process.Pid).Str("cmd", launch.Path+" "+strings.Join(launch.Args, " ")).Msg("Spawned server")

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exit = err
		p.crashed = p.state == StateRunning
		p.mu.Unlock()
		close(p.done)
	}()

	if err := p.awaitReady(ctx, cfg, client); err != nil {
		metrics.Metrics.ServerStartFailures.WithLabelValues(family).Inc()
		if stopErr := p.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			p.log.Warn().Err(stopErr).Msg("Failed to stop server after startup failure")
		}
		err.Stdout, err.Stderr = p.Output()

		return err
	}

	metrics.Metrics.ServerStartDuration.WithLabelValues(family).Observe(time.Since(started).Seconds())
	p.log.Info().Str("addr", cfg.Addr()).Dur("took", time.Since(started)).Msg("Server ready")

	return nil
}

func (p *Process) awaitReady(ctx context.Context, cfg *Config, client *Client) *StartupError {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StartTimeout)
	defer cancel()

	interval := probeMinInterval
	var lastErr error
	for {
		select {
		case <-p.done:
			serr := &StartupError{Server: p.name, Reason: "process exited before becoming ready", Exited: true, Err: p.exit}
			var exitErr *exec.ExitError
			if errors.As(p.exit, &exitErr) {
				serr.ExitCode = exitErr.ExitCode()
			}

			return serr
		default:
		}

		probeCtx, probeCancel := context.WithTimeout(ctx, client.Timeout)
		lastErr = p.driver.ProbeReady(probeCtx, client, cfg)
		probeCancel()
		if lastErr == nil {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			reason := fmt.Sprintf("not ready after %s", p.opts.StartTimeout)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = "start cancelled"
			}

			return &StartupError{Server: p.name, Reason: reason, Err: lastErr}
		case <-p.done:
			timer.Stop()
		case <-timer.C:
		}

		interval = min(interval*2, probeMaxInterval)
	}
}

// Stop terminates the process group, escalating from SIGTERM to SIGKILL
// after the grace period or when ctx is done, and releases the working
// directory. Stop is idempotent and safe for concurrent use.
func (p *Process) Stop(ctx context.Context) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	p.mu.Lock()
	prev := p.state
	p.state = StateStopped
	cmd := p.cmd
	p.mu.Unlock()

	if prev == StateStopped {
		return nil
	}

	var err error
	if prev == StateRunning && cmd != nil {
		err = p.terminate(ctx, cmd)
		metrics.Metrics.ServersRunning.Dec()
	}
	p.cleanup()

	return err
}

func (p *Process) terminate(ctx context.Context, cmd *exec.Cmd) error {
	pid := cmd.Process.Pid

	select {
	case <-p.done:
		p.log.Debug().Msg("Server already exited")

		return nil
	default:
	}

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		p.log.Warn().Err(err).Msg("SIGTERM failed")
	}

	grace := time.NewTimer(p.opts.StopGrace)
	defer grace.Stop()

	select {
	case <-p.done:
		p.log.Info().Msg("Server stopped")

		return nil
	case <-grace.C:
		p.log.Warn().Dur("grace", p.opts.StopGrace).Msg("Server ignored SIGTERM, sending SIGKILL")
	case <-ctx.Done():
		p.log.Warn().Msg("Stop cancelled, sending SIGKILL")
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill %s (pid %d): %w", p.name, pid, err)
	}

	reap := time.NewTimer(reapTimeout)
	defer reap.Stop()

	select {
	case <-p.done:
		return nil
	case <-reap.C:
		return fmt.Errorf("%s (pid %d) not reaped after SIGKILL", p.name, pid)
	}
}

func (p *Process) cleanup() {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if cfg == nil {
		return
	}

	ReleasePort(cfg.Port)

	if p.opts.KeepArtifacts {
		p.log.Info().Str("dir", cfg.Dir).Msg("Keeping server artifacts")

		return
	}
	if err := os.RemoveAll(cfg.Dir); err != nil {
		p.log.Warn().Err(err).Str("dir", cfg.Dir).Msg("Failed to remove work dir")
	}
}

func (p *Process) runningClient() (*Client, *Config, error) {
	if !p.Running() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, p.name, p.State())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.client, p.cfg, nil
}

// Client returns the DNS client bound to this server, or nil before Configure.
func (p *Process) Client() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.client
}

// Query looks up owner in origin. A relative owner is taken relative to
// origin and "@" names the apex.
func (p *Process) Query(ctx context.Context, origin string, qtype uint16, owner string) (*dns.Msg, error) {
	c, _, err := p.runningClient()
	if err != nil {
		return nil, err
	}

	return c.Query(ctx, qualify(owner, origin), qtype)
}

// Serial returns the SOA serial this server serves for origin.
func (p *Process) Serial(ctx context.Context, origin string) (uint32, error) {
	c, _, err := p.runningClient()
	if err != nil {
		return 0, err
	}

	return p.driver.Serial(ctx, c, origin)
}

// TransferZone fetches the full record set of origin by AXFR, SOA first.
func (p *Process) TransferZone(ctx context.Context, origin string) ([]dns.RR, error) {
	c, _, err := p.runningClient()
	if err != nil {
		return nil, err
	}

	return p.driver.Transfer(ctx, c, origin)
}

// TransferZoneIncremental fetches origin by IXFR relative to base and
// returns the resulting zone, whether the server answered with deltas or a
// full transfer.
func (p *Process) TransferZoneIncremental(ctx context.Context, base *zone.Zone) (*zone.Zone, error) {
	c, _, err := p.runningClient()
	if err != nil {
		return nil, err
	}

	result, err := c.IXFR(ctx, base.Origin(), base.Serial())
	if err != nil {
		return nil, err
	}

	switch {
	case result.UpToDate:
		return base, nil
	case result.Full != nil:
		z, err := zone.FromRecords(base.Origin(), result.Full)
		if err != nil {
			return nil, &TransferError{Server: p.name, Zone: base.Origin(), Type: dns.TypeIXFR, Err: err}
		}

		return z, nil
	default:
		z, err := base.Apply(result.Deltas)
		if err != nil {
			return nil, &TransferError{Server: p.name, Zone: base.Origin(), Type: dns.TypeIXFR, Err: err}
		}

		return z, nil
	}
}

// Update sends a dynamic update for origin.
func (p *Process) Update(ctx context.Context, origin string, add, remove []dns.RR) error {
	c, _, err := p.runningClient()
	if err != nil {
		return err
	}

	return c.Update(ctx, origin, add, remove)
}

func qualify(owner, origin string) string {
	origin = dns.Fqdn(origin)
	switch {
	case owner == "" || owner == "@":
		return origin
	case dns.IsFqdn(owner):
		return owner
	default:
		return owner + "." + origin
	}
}
