// ABOUTME: Tests for the dedupe cache
// ABOUTME: Uses a fake clock to check expiry, capacity eviction and concurrent marking

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(ttl, size, WithClock(clock.Now)), clock
}

func TestCache_SeenMarksOnce(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen("$event1"))
	assert.True(t, c.Seen("$event1"))
	assert.True(t, c.Contains("$event1"))
	assert.False(t, c.Contains("$event2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Seen("a")
	clock.Advance(30 * time.Second)
	c.Seen("b")

	clock.Advance(31 * time.Second)
	assert.False(t, c.Contains("a"), "a is past its TTL")
	assert.True(t, c.Contains("b"))
	assert.Equal(t, 1, c.Len())

	assert.False(t, c.Seen("a"), "expired keys count as new")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		c.Seen(k)
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("k1"))
	for _, k := range []string{"k2", "k3", "k4"} {
		assert.True(t, c.Contains(k), k)
	}
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	c.Seen("x")
	c.Forget("x")
	c.Forget("never-marked")
	assert.False(t, c.Seen("x"))
}

func TestCache_ConcurrentSeen(t *testing.T) {
	c := New(time.Minute, 1000)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same-event") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}

func TestCache_ZeroSizeIsClamped(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	c.Seen("a")
	c.Seen("b")
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("b"))
}
