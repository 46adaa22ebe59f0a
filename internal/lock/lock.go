// Package lock serializes work per subject key.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires every key, or none. The returned unlock releases them and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// Keys normalizes a key set into sorted, distinct, non-empty keys so that
// callers locking overlapping sets always acquire in the same order.
func Keys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock implements Locker
func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = Keys(keys)
	for i, k := range keys {
		if err := m.acquire(ctx, k); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.release(keys[j], true)
			}
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for j := len(keys) - 1; j >= 0; j-- {
				m.release(keys[j], true)
			}
		})
	}, nil
}

// Len returns the number of keys held or awaited
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, false)
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.locks[key]
	if held {
		<-l.sem
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

type chain []Locker

// Chain acquires through each locker in turn and releases in reverse.
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

func (c chain) Lock(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, keys...)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
