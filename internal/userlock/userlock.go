// Package userlock hands out one writer slot per user id.
package userlock

import (
	"context"
	"sync"
)

// Map is a set of per-key locks. The zero value is ready to use.
// Slots for keys nobody holds or waits on are released.
type Map struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Lock blocks until the slot for key is free or ctx is done.
// On success the returned func must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	s := m.acquire(key)
	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			m.release(key)
		}, nil
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}
}

func (m *Map) acquire(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots == nil {
		m.slots = make(map[string]*slot)
	}
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Map) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Len reports how many keys currently have a holder or waiter.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
