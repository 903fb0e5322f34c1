package locks

import (
	"context"
	"strings"
	"time"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

// Service ties lock ownership to the lifetime of the caller's context,
// which is the RPC stream.
type Service struct {
	backend Backend
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewService creates a lock service over backend
func NewService(backend Backend, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Service{backend: backend, metrics: metrics, logger: logger.WithComponent("locks")}
}

// Lock blocks until id is free, passes the acquisition to fn and holds the
// lock until ctx is done
func (s *Service) Lock(ctx context.Context, id string, fn func(*Lock) error) error {
	return s.acquire(ctx, id, true, fn)
}

// TryLock is Lock failing with ConflictError when id is already held
func (s *Service) TryLock(ctx context.Context, id string, fn func(*Lock) error) error {
	return s.acquire(ctx, id, false, fn)
}

func (s *Service) acquire(ctx context.Context, id string, wait bool, fn func(*Lock) error) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("lockId is required")
	}

	mode := "try"
	if wait {
		mode = "wait"
	}
	start := time.Now()
	held, err := s.backend.Acquire(ctx, id, wait)
	s.metrics.LockWaitDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if apperr.IsConflict(err) {
		s.metrics.LockConflicts.Inc()
		return err
	}
	if err != nil {
		if ctx.Err() != nil {
			// the caller went away while queued
			return nil
		}
		return err
	}
	defer held.Release()

	s.metrics.LocksHeld.Inc()
	defer s.metrics.LocksHeld.Dec()

	logger := s.logger.ForContext(ctx).WithFields(map[string]interface{}{
		"lock_id":       id,
		"fencing_token": held.FencingToken,
		"holder":        claims.Subject,
	})
	logger.Debug("Lock acquired")

	lock := held.Lock
	if err := fn(&lock); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Debug("Lock released")
		return nil
	case <-held.Lost():
		return apperr.Internal(nil, "lock %s was lost", id)
	}
}
