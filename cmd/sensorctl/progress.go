package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown line while a timed command runs.
// It only animates when out is a terminal.
//
// A ProgressPrinter is single-use: Start at most once, then Stop.
type ProgressPrinter struct {
	out      io.Writer
	enabled  bool
	prefix   string
	phase    atomic.Value
	duration time.Duration

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewCountdownProgressPrinter writes to stderr, animating only on a TTY.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration) *ProgressPrinter {
	return newProgressPrinter(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), prefix, phase, duration)
}

func newProgressPrinter(out io.Writer, enabled bool, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{
		out:      out,
		enabled:  enabled,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start panics when called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		close(p.done)
		return
	}

	start := time.Now()
	p.print(p.remaining(start))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print(p.remaining(start))
			}
		}
	}()
}

// remaining rounds to the nearest second and never goes below zero.
func (p *ProgressPrinter) remaining(start time.Time) int {
	left := p.duration - time.Since(start)
	if left <= 0 {
		return 0
	}
	return int(left.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(seconds int) {
	phase := p.phase.Load().(string)
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// SetPhase changes the label shown next to the countdown.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	<-p.done
	if p.enabled {
		fmt.Fprint(p.out, clearLineSequence)
	}
}
