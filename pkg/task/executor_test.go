package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(h *Handle) []Event {
	var out []Event
	for ev := range h.Events() {
		out = append(out, ev)
	}
	return out
}

func TestExecutor_Finished(t *testing.T) {
	e := NewExecutor(2)
	h := e.Submit("connect", func(ctx context.Context) (any, error) {
		return "ok", nil
	})

	events := collect(h)
	require.Len(t, events, 2)
	assert.Equal(t, Started, events[0].Kind)
	assert.Equal(t, Finished, events[1].Kind)
	assert.Equal(t, "ok", events[1].Result)
	assert.Equal(t, "connect", events[1].ID)

	res, err := h.Wait()
	assert.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestExecutor_FailedCarriesTrace(t *testing.T) {
	e := NewExecutor(1)
	h := e.Submit("connect", func(ctx context.Context) (any, error) {
		return nil, errors.New("bus unreachable")
	})

	events := collect(h)
	require.Len(t, events, 2)
	failed := events[1]
	assert.Equal(t, Failed, failed.Kind)
	assert.EqualError(t, failed.Err, "bus unreachable")
	assert.Contains(t, failed.Trace, "bus unreachable")
	assert.Contains(t, failed.Trace, "executor_test.go", "trace should carry the stack")
}

func TestExecutor_PanicIsCaptured(t *testing.T) {
	e := NewExecutor(1)
	h := e.Submit("poll", func(ctx context.Context) (any, error) {
		panic("boom")
	})

	events := collect(h)
	require.Len(t, events, 2)
	assert.Equal(t, Failed, events[1].Kind)
	assert.Contains(t, events[1].Err.Error(), "boom")
	assert.Contains(t, events[1].Trace, "goroutine")
}

func TestExecutor_CancelRunning(t *testing.T) {
	e := NewExecutor(1)
	started := make(chan struct{})
	h := e.Submit("connect", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	<-started
	assert.True(t, e.IsRunning("connect"))
	assert.True(t, e.Cancel("connect"))

	events := collect(h)
	require.Len(t, events, 2)
	assert.Equal(t, Cancelled, events[1].Kind)
	assert.False(t, e.IsRunning("connect"))
	assert.False(t, e.Cancel("connect"), "finished work is forgotten")
}

func TestExecutor_SubmitDoesNotBlockWhenPoolIsFull(t *testing.T) {
	e := NewExecutor(1)
	release := make(chan struct{})
	first := e.Submit("a", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	done := make(chan *Handle)
	go func() {
		done <- e.Submit("b", func(ctx context.Context) (any, error) { return 2, nil })
	}()

	var second *Handle
	select {
	case second = <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full pool")
	}

	// b is queued behind a and can be cancelled before it starts.
	second.Cancel()
	events := collect(second)
	require.Len(t, events, 1)
	assert.Equal(t, Cancelled, events[0].Kind)

	close(release)
	_, err := first.Wait()
	assert.NoError(t, err)
}

func TestExecutor_BoundedConcurrency(t *testing.T) {
	const workers = 3
	e := NewExecutor(workers)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		h := e.Submit("job", func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		})
		go func() {
			defer wg.Done()
			h.Wait()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
}

func TestExecutor_ListenersAndShutdown(t *testing.T) {
	e := NewExecutor(2)

	var mu sync.Mutex
	var kinds []Kind
	e.OnEvent(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	h := e.Submit("disconnect", func(ctx context.Context) (any, error) { return nil, nil })
	h.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{Started, Finished}, kinds)
}

func TestExecutor_ListenerCanSubscribeDuringEmit(t *testing.T) {
	e := NewExecutor(1)
	defer e.Shutdown(context.Background())

	var mu sync.Mutex
	var late int
	var once sync.Once
	e.OnEvent(func(ev Event) {
		once.Do(func() {
			e.OnEvent(func(Event) {
				mu.Lock()
				late++
				mu.Unlock()
			})
		})
	})

	_, err := e.Submit("first", func(ctx context.Context) (any, error) { return nil, nil }).Wait()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, late, "listener added on Started sees only Finished")
}
