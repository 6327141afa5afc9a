package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncgraph/internal/graph"
)

func TestHandle_CompleteOnce(t *testing.T) {
	h := New[int]()
	assert.False(t, h.IsDone())

	assert.True(t, h.Complete(1, nil))
	assert.False(t, h.Complete(2, nil), "second completion must be ignored")
	assert.False(t, h.Complete(0, errors.New("late")), "late failure must be ignored")

	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, h.IsDone())
	assert.NoError(t, h.Err())
}

func TestHandle_FailurePropagates(t *testing.T) {
	boom := errors.New("boom")
	h := New[string]()
	h.Complete("ignored", boom)

	v, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "", v, "value is discarded on failure")
	assert.ErrorIs(t, h.Err(), boom)
}

func TestHandle_ErrPendingIsNil(t *testing.T) {
	h := New[int]()
	assert.NoError(t, h.Err())
}

func TestHandle_WaitBlocksUntilComplete(t *testing.T) {
	h := New[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Complete(42, nil)
	}()

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestHandle_WaitTimeout(t *testing.T) {
	h := New[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	require.Error(t, err)
	assert.True(t, graph.IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.IsDone(), "timing out a waiter must not resolve the handle")
}

func TestHandle_WaitCancelled(t *testing.T) {
	h := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Wait(ctx)
	require.Error(t, err)
	assert.True(t, graph.IsCanceled(err))
	assert.False(t, graph.IsTimeout(err), "cancellation is not a timeout")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.IsDone())
}

func TestHandle_WaitPrefersResolvedValueOverCancelledContext(t *testing.T) {
	h := Completed(7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestHandle_ConcurrentCompleters(t *testing.T) {
	h := New[int]()
	const goroutines = 50

	var wg sync.WaitGroup
	var winners sync.Map
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if h.Complete(n, nil) {
				winners.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	winners.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, 1, count, "exactly one completer wins")

	v, err := h.Get()
	require.NoError(t, err)
	_, ok := winners.Load(v)
	assert.True(t, ok, "resolved value comes from the winner")
}

func TestHandle_ManyWaiters(t *testing.T) {
	h := New[string]()
	const waiters = 20

	results := make(chan string, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			v, _ := h.Get()
			results <- v
		}()
	}

	h.Complete("done", nil)
	for i := 0; i < waiters; i++ {
		select {
		case v := <-results:
			assert.Equal(t, "done", v)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
	}
}

func TestFailed(t *testing.T) {
	boom := errors.New("boom")
	h := Failed[int](boom)
	assert.True(t, h.IsDone())
	_, err := h.Get()
	assert.ErrorIs(t, err, boom)
}

func TestRef_Resolved(t *testing.T) {
	r := Resolved("a")
	assert.False(t, r.IsPending())

	v, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestRef_Pending(t *testing.T) {
	h := New[string]()
	r := Pending(h)
	assert.True(t, r.IsPending())

	go h.Complete("b", nil)

	v, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.False(t, r.IsPending())
}

func TestRef_PendingFailure(t *testing.T) {
	boom := errors.New("creation failed")
	r := Pending(Failed[string](boom))

	_, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRef_Empty(t *testing.T) {
	var r Ref[int]
	_, err := r.Resolve(context.Background())
	assert.Error(t, err)

	_, err = Pending[int](nil).Resolve(context.Background())
	assert.Error(t, err)
}
