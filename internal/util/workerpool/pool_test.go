package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_Submit(t *testing.T) {
	p := New(&Config{Name: "test", MaxWorkers: 4, QueueSize: 16})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{Name: "count", Fn: func(context.Context) {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		}}))
	}
	wg.Wait()

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, 10, ran)
	assert.Equal(t, uint64(10), p.Stats().Completed)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(Task{Name: "block", Fn: func(context.Context) {
		close(started)
		<-release
	}}))
	<-started
	require.NoError(t, p.Submit(Task{Name: "queued", Fn: func(context.Context) {}}))

	assert.ErrorIs(t, p.Submit(Task{Name: "overflow", Fn: func(context.Context) {}}), ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestWorkerPool_StopCancelsRunningTasks(t *testing.T) {
	p := New(&Config{Name: "test", MaxWorkers: 1})
	started := make(chan struct{})
	cancelled := make(chan struct{})

	require.NoError(t, p.Submit(Task{Name: "wait", Fn: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}}))
	<-started

	require.NoError(t, p.Stop(time.Second))
	<-cancelled
	assert.ErrorIs(t, p.Submit(Task{Name: "late", Fn: func(context.Context) {}}), ErrStopped)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	p := New(&Config{Name: "test", MaxWorkers: 1})
	done := make(chan struct{})

	require.NoError(t, p.Submit(Task{Name: "panic", Fn: func(context.Context) { panic("boom") }}))
	require.NoError(t, p.Submit(Task{Name: "after", Fn: func(context.Context) { close(done) }}))
	<-done

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, uint64(1), p.Stats().Panicked)
}
