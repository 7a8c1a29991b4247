package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ExecutesTasks(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := pool.Submit(Task{
			Name: "count",
			Fn: func(context.Context) error {
				defer wg.Done()
				count.Add(1)
				return nil
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(8), count.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(8), stats.Submitted)
	assert.Eventually(t, func() bool {
		return pool.Stats().Completed == 8
	}, time.Second, 10*time.Millisecond)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 2})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(Task{
		Name: "boom",
		Fn:   func(context.Context) error { panic("boom") },
	}))

	// The worker survives and keeps serving tasks
	done := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		Name: "after",
		Fn: func(context.Context) error {
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic")
	}
	assert.Eventually(t, func() bool {
		return pool.Stats().Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPool_SubmitHonorsTaskContext(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	// Occupy the worker and fill the queue
	block := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "blocker", Fn: func(context.Context) error {
		<-block
		return nil
	}}))
	require.NoError(t, pool.Submit(Task{Name: "queued", Fn: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(Task{Name: "canceled", Context: ctx, Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), pool.Stats().Rejected)

	close(block)
}

func TestPool_CanceledTaskDoesNotRun(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	// Hold the worker so the task is still queued when canceled
	block := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "blocker", Fn: func(context.Context) error {
		<-block
		return nil
	}}))

	var ran atomic.Bool
	require.NoError(t, pool.Submit(Task{
		Name:    "late",
		Context: ctx,
		Fn: func(context.Context) error {
			ran.Store(true)
			return nil
		},
	}))
	cancel()
	close(block)

	assert.Eventually(t, func() bool {
		return pool.Stats().Failed == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPool_RejectsAfterStop(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(Task{Name: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestPool_StopIsIdempotent(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}
