package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/piwi3910/dns-harness/pkg/compare"
	"github.com/piwi3910/dns-harness/pkg/convergence"
	"github.com/piwi3910/dns-harness/pkg/server"
	"github.com/piwi3910/dns-harness/pkg/topology"
)

// Run results.
const (
	ResultPass  = "pass"
	ResultFail  = "fail"
	ResultError = "error"

	// ResultRunning marks a report whose run has not finished.
	ResultRunning = "running"
)

// Report summarises one run.
type Report struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Seed     int64     `json:"seed"`
	Result   string    `json:"result"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Servers []ServerReport    `json:"servers"`
	Zones   []ZoneReport      `json:"zones"`
	Waits   []WaitReport      `json:"waits,omitempty"`
	Diffs   []*compare.Result `json:"diffs,omitempty"`
}

// ServerReport describes one server after teardown.
type ServerReport struct {
	Name   string `json:"name"`
	Family string `json:"family"`
	Addr   string `json:"addr"`
	Dir    string `json:"dir,omitempty"`
	State  string `json:"state"`
	Exit   string `json:"exit,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// ZoneReport describes one zone of the topology.
type ZoneReport struct {
	Origin  string   `json:"origin"`
	Serial  uint32   `json:"serial"`
	Records int      `json:"records"`
	Master  string   `json:"master"`
	Slaves  []string `json:"slaves,omitempty"`
}

// WaitReport is a convergence outcome with its last error rendered.
type WaitReport struct {
	convergence.Outcome

	Error string `json:"error,omitempty"`
}

// IsTestFailure reports whether err is a failed expectation rather than a
// harness malfunction.
func IsTestFailure(err error) bool {
	return errors.Is(err, convergence.ErrConvergenceTimeout) || errors.Is(err, compare.ErrMismatch)
}

// Finish sets the result from the run error.
func (r *Report) Finish(err error) {
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}

	switch {
	case err == nil:
		r.Result = ResultPass
	case IsTestFailure(err):
		r.Result = ResultFail
		r.Error = err.Error()
	default:
		r.Result = ResultError
		r.Error = err.Error()
	}
}

// Passed reports whether the run passed.
func (r *Report) Passed() bool {
	return r.Result == ResultPass
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(r)
}

// ReadReport decodes a report written by WriteJSON.
func ReadReport(r io.Reader) (*Report, error) {
	var report Report
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	if report.ID == "" {
		return nil, errors.New("report has no id")
	}

	return &report, nil
}

// Report returns a snapshot of the run so far.
func (h *Harness) Report() *Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.report
	r.Servers = append([]ServerReport(nil), h.report.Servers...)
	r.Zones = append([]ZoneReport(nil), h.report.Zones...)
	r.Waits = append([]WaitReport(nil), h.report.Waits...)
	r.Diffs = append([]*compare.Result(nil), h.report.Diffs...)

	return &r
}

func waitReport(o convergence.Outcome) WaitReport {
	w := WaitReport{Outcome: o}
	if o.LastErr != nil && !o.Converged() {
		w.Error = o.LastErr.Error()
	}

	return w
}

func zoneReports(plan *topology.Plan) []ZoneReport {
	zones := plan.Zones()
	out := make([]ZoneReport, 0, len(zones))
	for _, z := range zones {
		zr := ZoneReport{Origin: z.Origin(), Serial: z.Serial(), Records: z.RecordCount()}
		if m, ok := plan.MasterFor(z.Origin()); ok {
			zr.Master = m.Name()
		}
		for _, s := range plan.SlavesFor(z.Origin()) {
			zr.Slaves = append(zr.Slaves, s.Name())
		}
		out = append(out, zr)
	}

	return out
}

// serverReports keeps stderr tails only for servers that did not exit cleanly.
func serverReports(procs []*server.Process) []ServerReport {
	out := make([]ServerReport, 0, len(procs))
	for _, p := range procs {
		sr := ServerReport{Name: p.Name(), Family: p.Family(), Addr: p.Addr(), State: p.State().String()}
		if p.Crashed() {
			if err := p.ExitErr(); err != nil {
				sr.Exit = err.Error()
			}
			_, sr.Stderr = p.Output()
		}
		if p.KeepArtifacts() {
			sr.Dir = p.Dir()
		}
		out = append(out, sr)
	}

	return out
}
