// Package callgroup deduplicates concurrent calls by key.
//
// If several goroutines request the same key while a call is in flight,
// only the first executes; the rest wait for and share its result. Once the
// call returns the key is forgotten.
package callgroup

import (
	"context"
	"sync"
)

// Result is the outcome of one call.
type Result[V any] struct {
	Val V
	Err error
	// Shared is true for callers that joined a call already in flight.
	Shared bool
}

// Group deduplicates concurrent function calls by key. The zero value is
// ready to use.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// DoChan executes fn if no call is in flight for key, otherwise joins the
// existing call. The channel receives exactly one value.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	c, shared := g.start(key, fn)
	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- Result[V]{Val: c.val, Err: c.err, Shared: shared}
	}()
	return ch
}

// Do is DoChan that blocks until the call returns or ctx is done. The call
// itself is not cancelled by ctx.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) Result[V] {
	c, shared := g.start(key, fn)
	select {
	case <-c.done:
		return Result[V]{Val: c.val, Err: c.err, Shared: shared}
	case <-ctx.Done():
		var zero V
		return Result[V]{Val: zero, Err: ctx.Err(), Shared: shared}
	}
}

// InFlight reports whether a call for key is running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

func (g *Group[K, V]) start(key K, fn func() (V, error)) (*call[V], bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c, true
	}
	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn()

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	return c, false
}
