package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrExecutorClosed is returned when submitting to a closed Executor.
var ErrExecutorClosed = errors.New("conversation: executor closed")

const (
	defaultQueueSize   = 128
	defaultIdleTimeout = 5 * time.Minute
)

type job struct {
	fn   func()
	done chan struct{}
}

type worker struct {
	jobs    chan job
	pending int // submitted but not yet finished; guarded by Executor.mu
}

// Executor runs functions one at a time per key, in submission order.
// Each key gets its own goroutine, started on first use and stopped after idleTimeout without work.
type Executor struct {
	idle time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewExecutor creates an Executor. idle <= 0 uses the default.
func NewExecutor(idle time.Duration) *Executor {
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Executor{
		idle:    idle,
		workers: make(map[string]*worker),
		quit:    make(chan struct{}),
	}
}

// Submit queues fn on key's worker and waits for it to finish.
// If ctx ends first, Submit returns ctx.Err(); a job already queued still runs.
func (e *Executor) Submit(ctx context.Context, key string, fn func()) error {
	j, err := e.enqueue(ctx, key, fn)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues fn on key's worker and returns once it is queued. Jobs queued by one
// goroutine for the same key run in the order they were queued.
func (e *Executor) Go(ctx context.Context, key string, fn func()) error {
	_, err := e.enqueue(ctx, key, fn)
	return err
}

// enqueue blocks while key's queue is full.
func (e *Executor) enqueue(ctx context.Context, key string, fn func()) (job, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return job{}, ErrExecutorClosed
	}
	w, ok := e.workers[key]
	if !ok {
		w = &worker{jobs: make(chan job, defaultQueueSize)}
		e.workers[key] = w
		e.wg.Add(1)
		go e.run(key, w)
	}
	w.pending++
	e.mu.Unlock()

	j := job{fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
		return j, nil
	case <-ctx.Done():
		e.mu.Lock()
		w.pending--
		e.mu.Unlock()
		return job{}, ctx.Err()
	}
}

func (e *Executor) run(key string, w *worker) {
	defer e.wg.Done()
	timer := time.NewTimer(e.idle)
	defer timer.Stop()

	exec := func(j job) {
		defer close(j.done)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("conversation: task panicked", "conversation", key, "panic", r)
			}
		}()
		j.fn()
	}
	finish := func() {
		e.mu.Lock()
		w.pending--
		e.mu.Unlock()
	}
	// exitIfIdle removes the worker when nothing is pending. Must not be called with e.mu held.
	exitIfIdle := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if w.pending > 0 {
			return false
		}
		if e.workers[key] == w {
			delete(e.workers, key)
		}
		return true
	}

	for {
		select {
		case j := <-w.jobs:
			exec(j)
			finish()
			timer.Reset(e.idle)
		case <-timer.C:
			if exitIfIdle() {
				return
			}
			timer.Reset(e.idle)
		case <-e.quit:
			for !exitIfIdle() {
				select {
				case j := <-w.jobs:
					exec(j)
					finish()
				case <-time.After(10 * time.Millisecond):
				}
			}
			return
		}
	}
}

// Workers returns the number of live per-key workers.
func (e *Executor) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Close rejects new work, lets queued work finish and waits for all workers to exit.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()
	e.wg.Wait()
}
