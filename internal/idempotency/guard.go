package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Guard applies each action key at most once. The first successful result
// is stored and returned to every later request with the same key. Failed
// applications are forgotten so a retry can succeed.
type Guard[T any] struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[T]
}

type entry[T any] struct {
	done      chan struct{}
	completed bool
	value     T
	err       error
	at        time.Time
}

func New[T any]() *Guard[T] {
	return &Guard[T]{entries: map[string]*entry[T]{}}
}

func (g *Guard[T]) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// Do runs fn unless key was already applied. Concurrent callers with the
// same key wait for the in-flight attempt instead of running fn again.
// replayed is true when the returned value came from an earlier application.
func (g *Guard[T]) Do(ctx context.Context, key string, fn func() (T, error)) (value T, replayed bool, err error) {
	if key == "" {
		return value, false, errors.New("idempotency: empty key")
	}
	for {
		g.mu.Lock()
		if g.entries == nil {
			g.entries = map[string]*entry[T]{}
		}
		e, ok := g.entries[key]
		if !ok {
			e = &entry[T]{done: make(chan struct{})}
			g.entries[key] = e
			g.mu.Unlock()
			return g.run(key, e, fn)
		}
		if e.completed {
			g.mu.Unlock()
			return e.value, true, nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return value, false, ctx.Err()
		case <-e.done:
		}
		if e.err == nil {
			return e.value, true, nil
		}
		// The leader failed and its entry is gone; try to take over.
	}
}

func (g *Guard[T]) run(key string, e *entry[T], fn func() (T, error)) (value T, replayed bool, err error) {
	finished := false
	defer func() {
		g.mu.Lock()
		if finished && err == nil {
			e.completed = true
			e.value = value
			e.at = g.now()
		} else {
			if err == nil {
				err = errors.New("idempotency: action panicked")
			}
			e.err = err
			delete(g.entries, key)
		}
		close(e.done)
		g.mu.Unlock()
	}()
	value, err = fn()
	finished = true
	return value, false, err
}

// Applied reports whether key has a stored result.
func (g *Guard[T]) Applied(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	return ok && e.completed
}

// Prune drops stored results recorded before cutoff and returns how many
// were removed. In-flight entries are kept.
func (g *Guard[T]) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, e := range g.entries {
		if e.completed && e.at.Before(cutoff) {
			delete(g.entries, key)
			n++
		}
	}
	return n
}

func (g *Guard[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
