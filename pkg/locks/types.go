package locks

import (
	"context"
	"sync"
)

// Lock is one successful acquisition. FencingToken strictly increases
// across acquisitions of the same LockID.
type Lock struct {
	LockID       string `json:"lockId"`
	FencingToken int64  `json:"fencingToken"`
}

// Backend acquires named locks
type Backend interface {
	// Acquire takes the lock named id. With wait it blocks until the lock
	// is free or ctx is done; without it a held lock is a ConflictError.
	Acquire(ctx context.Context, id string, wait bool) (*Held, error)
}

// Held is an acquired lock. It stays held until Release or until the
// backend loses it, which closes Lost.
type Held struct {
	Lock

	lost     chan struct{}
	lostOnce sync.Once
	release  func()
	once     sync.Once
}

func newHeld(id string, token int64, release func()) *Held {
	return &Held{
		Lock:    Lock{LockID: id, FencingToken: token},
		lost:    make(chan struct{}),
		release: release,
	}
}

// Lost is closed when the backend can no longer guarantee exclusivity
func (h *Held) Lost() <-chan struct{} {
	return h.lost
}

func (h *Held) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

// Release frees the lock. It is safe to call more than once.
func (h *Held) Release() {
	h.once.Do(h.release)
}
