package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/keel/pkg/apperr"
)

// DefaultRetries is the number of attempts made for transient failures
const DefaultRetries = 3

var retryHook atomic.Pointer[func(err error)]

// SetRetryHook installs a callback invoked before each retry, used to feed
// the storage retry metric.
func SetRetryHook(fn func(err error)) {
	retryHook.Store(&fn)
}

// IsTransient reports whether err is worth retrying: connection exceptions
// (class 08), serialization failures and deadlocks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return true
		}
	}
	return false
}

// Retry calls op until it succeeds, fails with a non-transient error, or
// attempts are exhausted. A transient error that survives every attempt is
// returned as an internal error.
func Retry(ctx context.Context, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	backoff := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if hook := retryHook.Load(); hook != nil {
			(*hook)(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return apperr.Internal(err, "storage unavailable after %d attempts", attempts)
}

// MapError translates driver errors into the apperr taxonomy. what names
// the entity for messages, e.g. "resource r1".
func MapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s not found", what)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return apperr.Conflict("%s already exists", what)
		case "foreign_key_violation":
			return apperr.Wrap(apperr.KindNotFound, err, "%s references a missing row", what)
		case "invalid_text_representation":
			// a malformed uuid can never name an existing row
			return apperr.NotFound("%s not found", what)
		}
	}

	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}
