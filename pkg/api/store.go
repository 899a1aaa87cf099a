package api

import (
	"sort"
	"sync"

	"github.com/piwi3910/dns-harness/pkg/api/types"
	"github.com/piwi3910/dns-harness/pkg/harness"
)

// DefaultMaxRuns bounds the number of reports a RunStore keeps.
const DefaultMaxRuns = 256

// RunStore keeps run reports in memory. The oldest finished reports are
// evicted once more than max are stored.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*harness.Report
	max  int
}

// NewRunStore creates a store keeping at most max reports; max <= 0 uses
// DefaultMaxRuns.
func NewRunStore(max int) *RunStore {
	if max <= 0 {
		max = DefaultMaxRuns
	}

	return &RunStore{runs: make(map[string]*harness.Report), max: max}
}

// Put stores or replaces the report with r.ID.
func (s *RunStore) Put(r *harness.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[r.ID] = r
	s.evict()
}

// Get returns the report with id.
func (s *RunStore) Get(id string) (*harness.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]

	return r, ok
}

// List returns every report, newest first.
func (s *RunStore) List() []*harness.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*harness.Report, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sortNewestFirst(out)

	return out
}

// Running counts reports whose run has not finished.
func (s *RunStore) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.runs {
		if r.Result == harness.ResultRunning {
			n++
		}
	}

	return n
}

// evict drops the oldest finished reports over the limit. Caller holds s.mu.
func (s *RunStore) evict() {
	if len(s.runs) <= s.max {
		return
	}

	all := make([]*harness.Report, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	sortNewestFirst(all)

	for i := len(all) - 1; i >= 0 && len(s.runs) > s.max; i-- {
		if all[i].Result != harness.ResultRunning {
			delete(s.runs, all[i].ID)
		}
	}
}

func sortNewestFirst(reports []*harness.Report) {
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].Started.Equal(reports[j].Started) {
			return reports[i].Started.After(reports[j].Started)
		}

		return reports[i].ID < reports[j].ID
	})
}

func summarize(r *harness.Report) types.RunSummary {
	return types.RunSummary{
		ID:       r.ID,
		Name:     r.Name,
		Seed:     r.Seed,
		Result:   r.Result,
		Error:    r.Error,
		Started:  r.Started,
		Finished: r.Finished,
		Servers:  len(r.Servers),
		Zones:    len(r.Zones),
		Diffs:    len(r.Diffs),
	}
}
