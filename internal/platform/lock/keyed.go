// Package lock provides in-process mutual exclusion scoped to string keys.
package lock

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex serializes critical sections that share a key. Entries are
// reference counted and dropped once no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

func (k *KeyedMutex) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, false)
		return ctx.Err()
	}
}

func (k *KeyedMutex) release(key string, held bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.locks[key]
	if held {
		<-e.ch
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock acquires every key in sorted order, so two callers locking
// overlapping key sets cannot deadlock. Duplicate keys are ignored. The
// returned function releases all keys.
func (k *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := dedupeSorted(keys)
	held := make([]string, 0, len(sorted))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.release(held[i], true)
		}
	}
	for _, key := range sorted {
		if err := k.acquire(ctx, key); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, key)
	}
	return unlock, nil
}

// Len returns the number of keys currently tracked.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func dedupeSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
