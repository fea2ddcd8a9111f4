// ABOUTME: Tests for the per-key ordered gate
// ABOUTME: Covers arrival ordering, key independence, stale releases and failure hand-over

package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func TestGate_FirstAcquireDoesNotBlock(t *testing.T) {
	g := New()
	tok, err := g.Acquire(context.Background(), "T")
	require.NoError(t, err)
	assert.True(t, g.Held("T"))

	g.Release("T", tok)
	assert.False(t, g.Held("T"))
	assert.Equal(t, 0, g.Len())
}

func TestGate_SameKeyRunsInArrivalOrderWithoutOverlap(t *testing.T) {
	g := New()
	const n = 20

	var mu sync.Mutex
	var order []int
	running := 0
	overlapped := false

	tokens := make([]*Token, n)
	for i := range tokens {
		tokens[i] = g.Enqueue("T")
	}

	var wg sync.WaitGroup
	// Start goroutines in reverse so scheduling order cannot explain the result
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := tokens[i]
			assert.NoError(t, tok.Wait(context.Background()))
			defer g.Release("T", tok)

			mu.Lock()
			running++
			if running > 1 {
				overlapped = true
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.False(t, overlapped)
	require.Len(t, order, n)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
	assert.Equal(t, 0, g.Len())
}

func TestGate_DifferentKeysDoNotBlock(t *testing.T) {
	g := New()
	slow, err := g.Acquire(context.Background(), "T1")
	require.NoError(t, err)
	defer g.Release("T1", slow)

	acquired := make(chan struct{})
	go func() {
		tok, err := g.Acquire(context.Background(), "T2")
		if err == nil {
			g.Release("T2", tok)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(waitTimeout):
		t.Fatal("turn on T2 was delayed by a holder of T1")
	}
}

func TestGate_StaleReleaseDoesNotEvictNewerHolder(t *testing.T) {
	g := New()
	first := g.Enqueue("T")
	second := g.Enqueue("T")

	g.Release("T", first)
	require.NoError(t, second.Wait(context.Background()))

	// first is stale: releasing again must not remove second's registration
	g.Release("T", first)
	assert.True(t, g.Held("T"))

	g.Release("T", second)
	assert.False(t, g.Held("T"))
}

func TestGate_FailedHolderDoesNotBlockNext(t *testing.T) {
	g := New()
	ctx := context.Background()
	boom := errors.New("agent crashed")

	first := g.Enqueue("T")
	second := g.Enqueue("T")

	errs := make(chan error, 2)
	go func() {
		errs <- func() error {
			assert.NoError(t, first.Wait(ctx))
			defer g.Release("T", first)
			return boom
		}()
	}()
	go func() {
		errs <- func() error {
			if err := second.Wait(ctx); err != nil {
				return err
			}
			defer g.Release("T", second)
			return nil
		}()
	}()

	got := []error{<-errs, <-errs}
	assert.Contains(t, got, boom)
	assert.Contains(t, got, nil)
	assert.Equal(t, 0, g.Len(), "registry has no entry for T afterward")
}

func TestGate_CancelledWaiterKeepsQueueOrder(t *testing.T) {
	g := New()
	holder, err := g.Acquire(context.Background(), "T")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx, "T")
	assert.ErrorIs(t, err, context.Canceled)

	// A third caller must still wait for the original holder
	third := g.Enqueue("T")
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, third.Wait(waitCtx), context.DeadlineExceeded)

	g.Release("T", holder)

	ctx2, cancel2 := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel2()
	require.NoError(t, third.Wait(ctx2))
	g.Release("T", third)

	select {
	case <-third.Done():
	case <-time.After(waitTimeout):
		t.Fatal("third token never completed")
	}
	assert.Equal(t, 0, g.Len())
}

func TestGate_Do(t *testing.T) {
	g := New()
	called := false
	err := g.Do(context.Background(), "T", func(ctx context.Context) error {
		called = true
		assert.True(t, g.Held("T"))
		return errors.New("fn failed")
	})
	assert.EqualError(t, err, "fn failed")
	assert.True(t, called)
	assert.False(t, g.Held("T"))
}

func TestGate_Keys(t *testing.T) {
	g := New()
	b := g.Enqueue("b")
	a := g.Enqueue("a")
	assert.Equal(t, []string{"a", "b"}, g.Keys())
	assert.Equal(t, "a", a.Key())

	g.Release("a", a)
	g.Release("b", b)
	assert.Empty(t, g.Keys())
}
