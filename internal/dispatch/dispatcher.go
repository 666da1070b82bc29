// Package dispatch runs webhook work in the background so the ingress can
// acknowledge the platform immediately.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 64
	DefaultTaskTimeout   = 90 * time.Second
)

// Dispatcher schedules fire-and-forget tasks with a concurrency bound and a
// per-task deadline. Tasks are detached from the submitting request: they
// keep running after the HTTP response is written. Each submission holds a
// goroutine until its deadline even while waiting for a slot.
type Dispatcher struct {
	base    context.Context
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Tasks inherit values, not cancellation, from base.
func New(base context.Context, maxConcurrent int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if base == nil {
		base = context.Background()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		base:    context.WithoutCancel(base),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
		logger:  logger,
	}
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Submit schedules fn and returns without waiting for it. The returned
// channel is closed when fn has finished. ctx contributes request-scoped
// values only.
func (d *Dispatcher) Submit(ctx context.Context, name string, fn func(context.Context)) (<-chan struct{}, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if ctx == nil {
		ctx = d.base
	}
	done := make(chan struct{})
	go func() {
		defer d.wg.Done()
		defer close(done)
		d.run(context.WithoutCancel(ctx), name, fn)
	}()
	return done, nil
}

// run waits for a slot and executes fn. The task deadline covers the wait,
// so a task queued behind a saturated pool is dropped once it expires.
func (d *Dispatcher) run(ctx context.Context, name string, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.logger.Error("dispatch: task expired waiting for a slot", "task", name, "err", err)
		return
	}
	defer d.sem.Release(1)

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("dispatch: task panicked", "task", name, "err", fmt.Errorf("%v", rec))
			return
		}
		d.logger.Debug("dispatch: task finished", "task", name, "duration", time.Since(start))
	}()
	fn(ctx)
}

// Close stops accepting tasks and waits for in-flight ones until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain: %w", ctx.Err())
	}
}
