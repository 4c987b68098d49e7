package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	release := make(chan struct{})
	blockingWork := func(ctx context.Context) error {
		<-release
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		started, err := pool.TrySubmit(ctx, blockingWork)
		require.NoError(t, err)
		require.True(t, started)
	}
	assert.Equal(t, 0, pool.Available())

	// Third submission must be refused, not queued.
	started, err := pool.TrySubmit(ctx, blockingWork)
	require.NoError(t, err)
	assert.False(t, started)

	close(release)
	pool.Wait()
	assert.Equal(t, 2, pool.Available())
}

func TestWorkerPool_Metrics(t *testing.T) {
	pool := NewWorkerPool(4)

	ctx := context.Background()
	var ran atomic.Int32

	for i := 0; i < 3; i++ {
		started, err := pool.TrySubmit(ctx, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		require.True(t, started)
	}
	started, err := pool.TrySubmit(ctx, func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	require.True(t, started)

	pool.Wait()
	m := pool.Metrics()
	assert.EqualValues(t, 3, m.Completed)
	assert.EqualValues(t, 1, m.Failed)
	assert.EqualValues(t, 0, m.Active)
	assert.EqualValues(t, 3, ran.Load())
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)

	started, err := pool.TrySubmit(context.Background(), func(ctx context.Context) error {
		panic("processor exploded")
	})
	require.NoError(t, err)
	require.True(t, started)

	pool.Wait()
	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)
	assert.Equal(t, 1, pool.Available(), "slot must be released after a panic")
}

func TestWorkerPool_ShutdownRefusesWork(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	started, err := pool.TrySubmit(context.Background(), func(ctx context.Context) error { return nil })
	assert.False(t, started)
	assert.ErrorIs(t, err, ErrPoolShutdown)

	// Shutdown is idempotent.
	done := make(chan struct{})
	go func() { pool.Shutdown(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Shutdown blocked")
	}
}
