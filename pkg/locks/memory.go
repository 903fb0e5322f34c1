package locks

import (
	"context"
	"sync"

	"github.com/platinummonkey/keel/pkg/apperr"
)

// memoryLock is the state of one id; refs counts holders and waiters so
// the entry can be dropped once nobody references it
type memoryLock struct {
	sem  chan struct{}
	refs int
}

// MemoryBackend holds locks in process with one semaphore per id. Fencing
// tokens come from a single counter, so they still increase per id after
// an idle id is forgotten.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
	token int64
}

// NewMemoryBackend creates an in-process lock backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]*memoryLock)}
}

func (m *MemoryBackend) ref(id string) *memoryLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &memoryLock{sem: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	return l
}

func (m *MemoryBackend) unref(id string, l *memoryLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
}

// Len returns the number of ids currently held or waited on
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *MemoryBackend) Acquire(ctx context.Context, id string, wait bool) (*Held, error) {
	l := m.ref(id)
	if wait {
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			m.unref(id, l)
			return nil, ctx.Err()
		}
	} else {
		select {
		case l.sem <- struct{}{}:
		default:
			m.unref(id, l)
			return nil, apperr.Conflict("lock %s is held", id)
		}
	}

	m.mu.Lock()
	m.token++
	token := m.token
	m.mu.Unlock()

	return newHeld(id, token, func() {
		<-l.sem
		m.unref(id, l)
	}), nil
}
