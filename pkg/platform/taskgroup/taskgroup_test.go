package taskgroup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_RunsTasks(t *testing.T) {
	g := New(slog.Default())

	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	for range 3 {
		g.Go("increment", func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		})
	}
	wg.Wait()

	assert.Equal(t, int32(3), ran.Load())
	require.NoError(t, g.Close(context.Background()))
}

func TestGroup_DropsWhenSaturated(t *testing.T) {
	g := New(slog.Default(), WithLimit(1))

	release := make(chan struct{})
	started := make(chan struct{})
	g.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The group is full; this one must be dropped, not queued.
	var ran atomic.Bool
	g.Go("dropped", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	close(release)
	require.NoError(t, g.Close(context.Background()))
	assert.False(t, ran.Load())
}

func TestGroup_RecoversPanics(t *testing.T) {
	g := New(slog.Default())

	done := make(chan struct{})
	g.Go("panics", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})
	<-done

	// A second task still runs; the panic did not take the group down.
	ok := make(chan struct{})
	g.Go("after", func(ctx context.Context) error {
		close(ok)
		return nil
	})
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("task after panic never ran")
	}
	require.NoError(t, g.Close(context.Background()))
}

func TestGroup_CloseRejectsNewTasks(t *testing.T) {
	g := New(slog.Default())
	require.NoError(t, g.Close(context.Background()))

	var ran atomic.Bool
	g.Go("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.False(t, ran.Load())
}

func TestGroup_CloseWaitsForInflight(t *testing.T) {
	g := New(slog.Default())

	var finished atomic.Bool
	started := make(chan struct{})
	g.Go("slow", func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started

	require.NoError(t, g.Close(context.Background()))
	assert.True(t, finished.Load())
}

func TestGroup_CloseHonorsDeadline(t *testing.T) {
	g := New(slog.Default())

	release := make(chan struct{})
	started := make(chan struct{})
	g.Go("stuck", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	close(release)
}
