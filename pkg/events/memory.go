package events

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory event history
const DefaultMemoryCapacity = 10000

// MemoryStore keeps the most recent events in a ring buffer and numbers
// them with a process-local sequence.
type MemoryStore struct {
	mu       sync.Mutex
	seq      uint64
	ring     []*Event
	next     int
	full     bool
	capacity int
}

// NewMemoryStore creates a store keeping up to capacity events
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{ring: make([]*Event, capacity), capacity: capacity}
}

func (m *MemoryStore) Append(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ev.ID = strconv.FormatUint(m.seq, 10)
	stored := *ev
	m.ring[m.next] = &stored
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// ordered returns the buffered events oldest first
func (m *MemoryStore) ordered() []*Event {
	if !m.full {
		return append([]*Event(nil), m.ring[:m.next]...)
	}
	out := make([]*Event, 0, m.capacity)
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

func (m *MemoryStore) Range(ctx context.Context, before time.Time, fn func(*Event) error) error {
	m.mu.Lock()
	events := m.ordered()
	m.mu.Unlock()

	for _, ev := range events {
		if !ev.CreatedAt.Before(before) {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Event
	var pruned int64
	for _, ev := range m.ordered() {
		if ev.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}

	m.ring = make([]*Event, m.capacity)
	copy(m.ring, kept)
	m.next = len(kept) % m.capacity
	m.full = len(kept) == m.capacity
	return pruned, nil
}
