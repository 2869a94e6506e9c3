// Package replication pushes authoritative records into the distributed
// cache on a fixed cadence, so nodes that never looked a key up still answer
// from the fast path.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/metrics"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultBatchSize = 200
	defaultMirrorTTL = 6 * time.Hour
)

// Job periodically mirrors stale or missing rows to the distributed tier.
// Runs are serialized: a tick that fires while a run is in flight joins it
// instead of starting a second one.
type Job struct {
	store       ports.RecordStore
	distributed ports.CacheTier
	logger      *slog.Logger
	metrics     *metrics.Metrics
	interval    time.Duration
	batchSize   int
	mirrorTTL   time.Duration
	sf          singleflight.Group
}

// Option customizes a Job.
type Option func(*Job)

func WithLogger(logger *slog.Logger) Option {
	return func(j *Job) { j.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

func WithInterval(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithMirrorTTL sets how old a replicated mirror may be before the row is
// pushed again even without a version change.
func WithMirrorTTL(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.mirrorTTL = d
		}
	}
}

// New wires a replication Job.
func New(store ports.RecordStore, distributed ports.CacheTier, opts ...Option) (*Job, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if distributed == nil {
		return nil, fmt.Errorf("distributed tier is required")
	}
	j := &Job{
		store:       store,
		distributed: distributed,
		logger:      slog.Default(),
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		mirrorTTL:   defaultMirrorTTL,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Run executes the job on its interval until ctx is cancelled.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.InfoContext(ctx, "replication job started",
		"interval", j.interval, "batch_size", j.batchSize)

	for {
		select {
		case <-ctx.Done():
			j.logger.InfoContext(ctx, "replication job stopped")
			return
		case <-ticker.C:
			n, err := j.RunOnce(ctx)
			switch {
			case err != nil:
				j.logger.ErrorContext(ctx, "replication run failed", "error", err)
			case n > 0:
				j.logger.InfoContext(ctx, "replication run complete", "propagated", n)
			}
		}
	}
}

// RunOnce performs a single replication pass and reports how many rows it
// pushed. Concurrent callers share one pass and its result.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	v, err, _ := j.sf.Do("replication", func() (any, error) {
		return j.replicate(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (j *Job) replicate(ctx context.Context) (int, error) {
	candidates, err := j.store.ListReplicationCandidates(ctx, j.batchSize, j.mirrorTTL)
	if err != nil {
		return 0, fmt.Errorf("list replication candidates: %w", err)
	}

	propagated := 0
	for _, rec := range candidates {
		entry := &models.DistributedEntry{
			Key:         rec.Key,
			CanonicalID: rec.CanonicalID,
			Version:     rec.Version,
			CachedAt:    time.Now(),
		}
		if err := j.distributed.Set(ctx, entry); err != nil {
			// Skipped rows stay candidates and retry next pass.
			j.logger.WarnContext(ctx, "mirror write failed",
				"key", rec.Key.String(), "error", err)
			continue
		}
		if err := j.store.MarkReplicated(ctx, rec.Key, rec.Version, time.Now()); err != nil {
			if !errors.Is(err, sentinel.ErrNotFound) {
				j.logger.WarnContext(ctx, "replication mark failed",
					"key", rec.Key.String(), "error", err)
			}
			continue
		}
		propagated++
	}

	j.metrics.ObserveReplication(propagated)
	return propagated, nil
}
