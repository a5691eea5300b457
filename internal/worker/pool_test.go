package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2, nil)

	var running, peak int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Go("job", func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
		}))
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	p.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestPool_GoDoesNotBlock(t *testing.T) {
	p := New(1, nil)
	block := make(chan struct{})

	require.NoError(t, p.Go("blocker", func(context.Context) { <-block }))

	done := make(chan struct{})
	go func() {
		_ = p.Go("queued", func(context.Context) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go blocked while the pool was full")
	}
	close(block)
	p.Close()
}

func TestPool_PanicIsContained(t *testing.T) {
	p := New(1, nil)
	var wg sync.WaitGroup
	wg.Add(1)

	require.NoError(t, p.Go("panics", func(context.Context) { panic("boom") }))
	require.NoError(t, p.Go("after", func(context.Context) { wg.Done() }))

	wg.Wait()
	p.Close()
}

func TestPool_Closed(t *testing.T) {
	p := New(1, nil)
	p.Close()
	assert.ErrorIs(t, p.Go("late", func(context.Context) {}), ErrClosed)
}

func TestPool_ShutdownCancelsAfterDeadline(t *testing.T) {
	p := New(1, nil)
	require.NoError(t, p.Go("waits", func(ctx context.Context) { <-ctx.Done() }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)
}
