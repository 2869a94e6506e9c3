// Package taskgroup runs fire-and-forget work under supervision: a bounded
// number of in-flight tasks, panic recovery, error logging, and a drain on
// shutdown. Callers hand off side effects (cache write-through, hit counters)
// without blocking their own return path and without leaking goroutines.
package taskgroup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultLimit       = 64
	defaultTaskTimeout = 10 * time.Second
)

// Group supervises background tasks.
type Group struct {
	logger      *slog.Logger
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	taskTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Option customizes a Group.
type Option func(*options)

type options struct {
	limit       int64
	taskTimeout time.Duration
}

// WithLimit caps the number of concurrently running tasks.
func WithLimit(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithTaskTimeout bounds how long a single task may run.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.taskTimeout = d
		}
	}
}

// New creates a Group. A nil logger falls back to slog.Default.
func New(logger *slog.Logger, opts ...Option) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{limit: defaultLimit, taskTimeout: defaultTaskTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group{
		logger:      logger,
		sem:         semaphore.NewWeighted(o.limit),
		taskTimeout: o.taskTimeout,
	}
}

// Go schedules fn on its own goroutine with a detached, bounded context.
// Tasks are deliberately decoupled from the caller's context: a cancelled
// request must not abort propagation that is already in flight. When the
// group is saturated or closed the task is dropped and logged, never queued
// unboundedly.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Warn("background task rejected, group closed", "task", name)
		return
	}
	if !g.sem.TryAcquire(1) {
		g.mu.Unlock()
		g.logger.Warn("background task dropped, group saturated", "task", name)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer g.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), g.taskTimeout)
		defer cancel()

		if err := g.run(ctx, name, fn); err != nil {
			g.logger.Error("background task failed", "task", name, "error", err)
		}
	}()
}

func (g *Group) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", name, r)
		}
	}()
	return fn(ctx)
}

// Close stops accepting new tasks and waits for in-flight tasks to finish,
// up to the context deadline.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
