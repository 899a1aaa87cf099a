// Package convergence polls servers until their zones reach the expected
// SOA serial or a timeout elapses.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/dns-harness/pkg/metrics"
	"github.com/piwi3910/dns-harness/pkg/zone"
)

// Convergence errors.
var (
	ErrConvergenceTimeout = errors.New("convergence timed out")
	ErrNotStarted         = errors.New("server is not running")
	ErrSerialAhead        = errors.New("serial is ahead of the master")
	ErrNoExpectation      = errors.New("target has neither master nor expected serial")
)

// Defaults for Config.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultInterval    = 250 * time.Millisecond
	DefaultMaxInterval = 2 * time.Second
	DefaultBackoff     = 1.5
)

// SerialSource is anything whose SOA serial can be polled.
type SerialSource interface {
	Name() string
	Serial(ctx context.Context, origin string) (uint32, error)
}

// runner is implemented by sources that know whether they are alive.
type runner interface {
	Running() bool
}

// State is the state of one (zone, server) wait.
type State int

// Wait states.
const (
	StatePolling State = iota
	StateConverged
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateConverged:
		return "converged"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StatePolling, StateConverged, StateTimedOut} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}

	return fmt.Errorf("unknown state %q", text)
}

// Target is one (zone, server) pair to wait for. The expected serial is
// Expected when set, otherwise the master's current serial at each poll.
type Target struct {
	Zone     string
	Server   SerialSource
	Master   SerialSource
	Expected *uint32
}

// Outcome is the result of waiting for one target.
type Outcome struct {
	Zone   string `json:"zone"`
	Server string `json:"server"`
	State  State  `json:"state"`

	// Observed is the last serial read from the server, valid when HasObserved.
	Observed    uint32 `json:"observed"`
	HasObserved bool   `json:"has_observed"`

	// Expected is the last serial the server was compared against.
	Expected    uint32 `json:"expected"`
	HasExpected bool   `json:"has_expected"`

	// Ahead is set when the server was seen above the expected serial and
	// cleared on convergence.
	Ahead bool `json:"ahead,omitempty"`

	Polls   int           `json:"polls"`
	Elapsed time.Duration `json:"elapsed"`

	// LastErr is the last transient failure, kept for diagnostics.
	LastErr error `json:"-"`
}

// Converged reports whether the target reached the expected serial.
func (o Outcome) Converged() bool {
	return o.State == StateConverged
}

func (o Outcome) String() string {
	observed, expected := "none", "unknown"
	if o.HasObserved {
		observed = fmt.Sprint(o.Observed)
	}
	if o.HasExpected {
		expected = fmt.Sprint(o.Expected)
	}

	s := fmt.Sprintf("zone %s on %s: %s (observed %s, expected %s, %d polls)", o.Zone, o.Server, o.State, observed, expected, o.Polls)
	if o.LastErr != nil {
		s += ": " + o.LastErr.Error()
	}

	return s
}

// ConvergenceTimeout lists every pair that did not converge in time.
type ConvergenceTimeout struct {
	Timeout time.Duration
	Pairs   []Outcome
}

func (e *ConvergenceTimeout) Error() string {
	parts := make([]string, 0, len(e.Pairs))
	for _, o := range e.Pairs {
		parts = append(parts, o.String())
	}

	return fmt.Sprintf("%s after %s: %s", ErrConvergenceTimeout, e.Timeout, strings.Join(parts, "; "))
}

func (e *ConvergenceTimeout) Unwrap() error {
	return ErrConvergenceTimeout
}

// Poll describes one completed poll, passed to Config.OnPoll.
type Poll struct {
	Zone     string
	Server   string
	Observed uint32
	Expected uint32
	Err      error
	Outcome  *Outcome
}

// Config configures a Waiter.
type Config struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
	Backoff     float64

	Logger zerolog.Logger

	// OnPoll is called after every poll; it must not block. Outcome is set
	// on the final poll of a target.
	OnPoll func(Poll)
}

// DefaultConfig returns the default polling policy.
func DefaultConfig() Config {
	return Config{
		Timeout:     DefaultTimeout,
		Interval:    DefaultInterval,
		MaxInterval: DefaultMaxInterval,
		Backoff:     DefaultBackoff,
		Logger:      zerolog.Nop(),
	}
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = max(DefaultMaxInterval, c.Interval)
	}
	if c.Backoff < 1 {
		c.Backoff = 1
	}
}

// Waiter runs convergence waits.
type Waiter struct {
	cfg  Config
	mu   sync.Mutex
	poll func(Poll)
}

// New creates a waiter.
func New(cfg Config) *Waiter {
	cfg.setDefaults()

	return &Waiter{cfg: cfg, poll: cfg.OnPoll}
}

// Check reports targets whose server or master is not running. It is run
// before any polling starts.
func Check(targets []Target) error {
	var errs []error
	for _, t := range targets {
		if t.Server == nil {
			errs = append(errs, fmt.Errorf("%w: zone %s has no server", ErrNotStarted, t.Zone))

			continue
		}
		if t.Master == nil && t.Expected == nil {
			errs = append(errs, fmt.Errorf("%w: zone %s on %s", ErrNoExpectation, t.Zone, t.Server.Name()))
		}
		for _, src := range []SerialSource{t.Master, t.Server} {
			if r, ok := src.(runner); ok && src != nil && !r.Running() {
				errs = append(errs, fmt.Errorf("%w: %s (zone %s)", ErrNotStarted, src.Name(), t.Zone))
			}
		}
	}

	return errors.Join(errs...)
}

// Wait polls one target until it converges or the timeout elapses.
func (w *Waiter) Wait(ctx context.Context, t Target) (Outcome, error) {
	outcomes, err := w.WaitAll(ctx, []Target{t})
	if len(outcomes) == 0 {
		return Outcome{Zone: t.Zone}, err
	}

	return outcomes[0], err
}

// WaitAll polls every target in parallel; polls of one target are strictly
// sequential. It returns one outcome per target, in order, and a
// *ConvergenceTimeout when any target timed out.
func (w *Waiter) WaitAll(ctx context.Context, targets []Target) ([]Outcome, error) {
	if err := Check(targets); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			o, err := w.wait(gctx, t)
			outcomes[i] = o

			return err
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	var timedOut []Outcome
	for _, o := range outcomes {
		if o.State == StateTimedOut {
			timedOut = append(timedOut, o)
		}
	}
	if len(timedOut) > 0 {
		return outcomes, &ConvergenceTimeout{Timeout: w.cfg.Timeout, Pairs: timedOut}
	}

	return outcomes, nil
}

// wait returns an error only when ctx is cancelled from outside.
func (w *Waiter) wait(ctx context.Context, t Target) (Outcome, error) {
	o := Outcome{Zone: fqdn(t.Zone), Server: t.Server.Name(), State: StatePolling}
	log := w.cfg.Logger.With().Str("zone", o.Zone).Str("server", o.Server).Logger()

	start := time.Now()
	deadline := start.Add(w.cfg.Timeout)
	interval := w.cfg.Interval

	finish := func(state State) Outcome {
		o.State = state
		o.Elapsed = time.Since(start)
		metrics.Metrics.ConvergenceOutcomes.WithLabelValues(state.String()).Inc()
		metrics.Metrics.ConvergenceDurations.Observe(o.Elapsed.Seconds())

		return o
	}

	for {
		pollCtx, cancel := context.WithDeadline(ctx, deadline)
		observed, expected, err := w.pollOnce(pollCtx, t, &o)
		cancel()
		o.Polls++

		switch {
		case err != nil:
			o.LastErr = err
			metrics.Metrics.ConvergencePolls.WithLabelValues("error").Inc()
		case observed == expected:
			o.Ahead, o.LastErr = false, nil
			metrics.Metrics.ConvergencePolls.WithLabelValues("match").Inc()
			final := finish(StateConverged)
			log.Debug().Uint32("serial", observed).Int("polls", o.Polls).Dur("elapsed", o.Elapsed).Msg("Converged")
			w.notify(Poll{Zone: o.Zone, Server: o.Server, Observed: observed, Expected: expected, Outcome: &final})

			return final, nil
		case zone.SerialCompare(observed, expected) > 0:
			o.Ahead = true
			o.LastErr = fmt.Errorf("%w: %d > %d", ErrSerialAhead, observed, expected)
			metrics.Metrics.ConvergencePolls.WithLabelValues("ahead").Inc()
			log.Warn().Uint32("observed", observed).Uint32("expected", expected).Msg("Serial ahead of master")
		default:
			metrics.Metrics.ConvergencePolls.WithLabelValues("behind").Inc()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			final := finish(StateTimedOut)
			log.Info().Str("last", final.String()).Msg("Convergence timed out")
			w.notify(Poll{Zone: o.Zone, Server: o.Server, Observed: o.Observed, Expected: o.Expected, Err: o.LastErr, Outcome: &final})

			return final, nil
		}
		w.notify(Poll{Zone: o.Zone, Server: o.Server, Observed: observed, Expected: expected, Err: err})

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			final := finish(StateTimedOut)

			return final, fmt.Errorf("convergence wait for %s on %s cancelled: %w", o.Zone, o.Server, context.Cause(ctx))
		case <-timer.C:
		}

		interval = min(time.Duration(float64(interval)*w.cfg.Backoff), w.cfg.MaxInterval)
	}
}

func (w *Waiter) pollOnce(ctx context.Context, t Target, o *Outcome) (observed, expected uint32, err error) {
	if t.Expected != nil {
		expected = *t.Expected
	} else {
		expected, err = t.Master.Serial(ctx, t.Zone)
		if err != nil {
			return 0, 0, fmt.Errorf("master %s: %w", t.Master.Name(), err)
		}
	}
	o.Expected, o.HasExpected = expected, true

	observed, err = t.Server.Serial(ctx, t.Zone)
	if err != nil {
		return 0, expected, err
	}
	o.Observed, o.HasObserved = observed, true

	return observed, expected, nil
}

func (w *Waiter) notify(p Poll) {
	if w.poll == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.poll(p)
}

func fqdn(origin string) string {
	if origin == "" || strings.HasSuffix(origin, ".") {
		return strings.ToLower(origin)
	}

	return strings.ToLower(origin) + "."
}
