package utils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleWorkerSerializesTasks(t *testing.T) {
	pool := NewWorkerPool("test_serial", 1)
	pool.Start()
	defer pool.Stop()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestDoReturnsTaskError(t *testing.T) {
	pool := NewWorkerPool("test_errors", 1)
	pool.Start()
	defer pool.Stop()

	want := errors.New("runner failed")
	err := pool.Do(context.Background(), func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)

	select {
	case got := <-pool.Errors():
		assert.ErrorIs(t, got, want)
	case <-time.After(time.Second):
		t.Fatal("error was not reported on the errors channel")
	}
}

func TestDoPropagatesCallerCancellation(t *testing.T) {
	pool := NewWorkerPool("test_cancel", 1)
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := pool.Do(ctx, func(taskCtx context.Context) error {
		close(started)
		<-taskCtx.Done()
		return taskCtx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool("test_stopped", 1)
	pool.Start()
	pool.Stop()
	pool.Stop()

	err := pool.Submit(TaskFunc(func(context.Context) error { return nil }))
	require.ErrorIs(t, err, ErrPoolStopped)
}
