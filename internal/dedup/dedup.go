// Package dedup remembers recently seen EventSub message ids so that
// redelivered messages are dropped. Memory keeps a bounded ring per process;
// Redis shares the history between replicas behind one webhook endpoint.
package dedup

import (
	"context"
	"sync"
)

// Deduper reports whether a message id was already seen and records it.
type Deduper interface {
	// Seen returns true when id was recorded before. The first call for an
	// id records it and returns false.
	Seen(ctx context.Context, id string) bool
}

// Memory is a fixed-size history of message ids. The oldest id is evicted
// when the history is full.
type Memory struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

// NewMemory creates a history holding up to size ids.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen implements Deduper.
func (m *Memory) Seen(_ context.Context, id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[id]; ok {
		return true
	}
	if old := m.ring[m.next]; old != "" {
		delete(m.ids, old)
	}
	m.ring[m.next] = id
	m.ids[id] = struct{}{}
	m.next = (m.next + 1) % len(m.ring)
	return false
}

// Len returns the number of ids currently remembered.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
