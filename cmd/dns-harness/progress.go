package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/piwi3910/dns-harness/pkg/convergence"
)

// progress renders convergence polls while a run waits.
type progress interface {
	Observe(p convergence.Poll)
	Finish()
}

// newProgress returns a bar on terminals and a line reporter otherwise.
func newProgress(f *os.File, enabled bool) progress {
	if !enabled {
		return nopProgress{}
	}
	if isTTY(f) {
		return newTTYProgress(f)
	}

	return &lineProgress{w: f}
}

func isTTY(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}

	return stat.Mode()&os.ModeCharDevice != 0
}

type nopProgress struct{}

func (nopProgress) Observe(convergence.Poll) {}
func (nopProgress) Finish()                 {}

const barDescription = "    waiting: %d converged, %d timed out"

type ttyProgress struct {
	mu        sync.Mutex
	w         io.Writer
	bar       *progressbar.ProgressBar
	converged int
	timedOut  int
}

func newTTYProgress(w io.Writer) *ttyProgress {
	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionThrottle(time.Second/3),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("poll"),
		progressbar.OptionSetDescription(fmt.Sprintf(barDescription, 0, 0)),
	)

	return &ttyProgress{w: w, bar: bar}
}

func (p *ttyProgress) Observe(poll convergence.Poll) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if poll.Outcome != nil {
		if poll.Outcome.Converged() {
			p.converged++
		} else {
			p.timedOut++
		}
		p.bar.Describe(fmt.Sprintf(barDescription, p.converged, p.timedOut))
	}
	_ = p.bar.Add(1)
}

func (p *ttyProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.bar.Finish()
	fmt.Fprintf(p.w, "\033[0m\n")
}

// lineProgress prints one line per finished (zone, server) pair.
type lineProgress struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *lineProgress) Observe(poll convergence.Poll) {
	if poll.Outcome == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "    %s\n", poll.Outcome)
}

func (p *lineProgress) Finish() {}
