// ABOUTME: Per-key ordered mutex with identity-checked release
// ABOUTME: Serializes work for the same key in arrival order without blocking other keys

package gate

import (
	"context"
	"sort"
	"sync"
)

// Token is a single caller's place in the queue for one key.
type Token struct {
	key  string
	prev <-chan struct{} // done channel of the previous holder, nil if none
	done chan struct{}
	once sync.Once
}

// Key returns the key the token was enqueued on.
func (t *Token) Key() string {
	return t.key
}

// Wait blocks until every earlier holder of the key has released.
// A cancelled context stops the wait but does not give up the place in the
// queue; the caller must still Release the token.
func (t *Token) Wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the token has been released and every earlier holder finished.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Gate maps keys to the most recently enqueued token.
type Gate struct {
	mu    sync.Mutex
	tails map[string]*Token
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{tails: make(map[string]*Token)}
}

// Enqueue registers the caller as the newest holder of key without blocking.
// Arrival order is fixed by the order of Enqueue calls.
func (g *Gate) Enqueue(key string) *Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &Token{key: key, done: make(chan struct{})}
	if prev, ok := g.tails[key]; ok {
		t.prev = prev.done
	}
	g.tails[key] = t
	return t
}

// Acquire enqueues on key and waits for the previous holder to release.
// On context cancellation the token is released and the error returned.
func (g *Gate) Acquire(ctx context.Context, key string) (*Token, error) {
	t := g.Enqueue(key)
	if err := t.Wait(ctx); err != nil {
		g.Release(key, t)
		return nil, err
	}
	return t, nil
}

// Release hands the key to the next holder. Calling it more than once is a no-op.
//
// If the token is released before its predecessor finished (the waiter gave up),
// completion is deferred until the predecessor is done so that the next holder
// never overlaps a running one.
func (g *Gate) Release(key string, t *Token) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.prev == nil {
			g.complete(key, t)
			return
		}
		select {
		case <-t.prev:
			g.complete(key, t)
		default:
			go func() {
				<-t.prev
				g.complete(key, t)
			}()
		}
	})
}

func (g *Gate) complete(key string, t *Token) {
	g.mu.Lock()
	// Identity, not existence: a newer token may already be registered
	if g.tails[key] == t {
		delete(g.tails, key)
	}
	g.mu.Unlock()
	close(t.done)
}

// Do runs fn while holding key. The key is released whatever fn returns.
func (g *Gate) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	t, err := g.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer g.Release(key, t)
	return fn(ctx)
}

// Held reports whether any token is registered for key.
func (g *Gate) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tails[key]
	return ok
}

// Len returns the number of keys with a registered token.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tails)
}

// Keys returns the registered keys in sorted order.
func (g *Gate) Keys() []string {
	g.mu.Lock()
	keys := make([]string, 0, len(g.tails))
	for k := range g.tails {
		keys = append(keys, k)
	}
	g.mu.Unlock()

	sort.Strings(keys)
	return keys
}
