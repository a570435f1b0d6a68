// Package janitor runs periodic TTL sweeps over in-memory state.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Sweeper evicts state that expired before now.
type Sweeper interface {
	Sweep(now time.Time)
}

// SweeperFunc adapts a function to Sweeper.
type SweeperFunc func(now time.Time)

func (f SweeperFunc) Sweep(now time.Time) { f(now) }

type entry struct {
	name string
	s    Sweeper
}

// Janitor runs registered sweepers on a cron schedule.
type Janitor struct {
	schedule string
	now      func() time.Time

	mu       sync.Mutex
	sweepers []entry
	cron     *rcron.Cron

	runs atomic.Int64
}

// New creates a Janitor for schedule (standard cron or "@every 30s").
func New(schedule string) *Janitor {
	return &Janitor{schedule: schedule, now: time.Now}
}

// Register adds a sweeper. Sweepers run in registration order.
func (j *Janitor) Register(name string, s Sweeper) {
	j.mu.Lock()
	j.sweepers = append(j.sweepers, entry{name: name, s: s})
	j.mu.Unlock()
}

// Start schedules the sweeps and stops them when ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	c := rcron.New()
	if _, err := c.AddFunc(j.schedule, j.RunOnce); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", j.schedule, err)
	}
	j.mu.Lock()
	j.cron = c
	n := len(j.sweepers)
	j.mu.Unlock()

	c.Start()
	slog.Info("janitor: started", "schedule", j.schedule, "sweepers", n)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	slog.Info("janitor: stopped", "runs", j.runs.Load())
}

// RunOnce runs every sweeper now. A panicking sweeper is logged and skipped.
func (j *Janitor) RunOnce() {
	j.mu.Lock()
	sweepers := append([]entry(nil), j.sweepers...)
	j.mu.Unlock()

	now := j.now()
	start := time.Now()
	for _, e := range sweepers {
		j.sweep(e, now)
	}
	j.runs.Add(1)
	slog.Debug("janitor: sweep done", "sweepers", len(sweepers), "duration_ms", time.Since(start).Milliseconds())
}

func (j *Janitor) sweep(e entry, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("janitor: sweeper panicked", "sweeper", e.name, "panic", r)
		}
	}()
	e.s.Sweep(now)
}

// Runs reports how many sweep rounds completed.
func (j *Janitor) Runs() int64 { return j.runs.Load() }
