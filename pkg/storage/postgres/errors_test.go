package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/keel/pkg/apperr"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conn done", sql.ErrConnDone, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 3, func() error {
			calls++
			if calls < 3 {
				return &pq.Error{Code: "40001"}
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		permanent := apperr.Validation("bad input")
		err := Retry(context.Background(), 3, func() error {
			calls++
			return permanent
		})
		assert.Equal(t, permanent, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up as internal", func(t *testing.T) {
		var hooked int
		SetRetryHook(func(error) { hooked++ })
		defer SetRetryHook(func(error) {})

		calls := 0
		err := Retry(context.Background(), 3, func() error {
			calls++
			return &pq.Error{Code: "08001"}
		})
		assert.Error(t, err)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, hooked)
	})

	t.Run("honours context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, 3, func() error { return &pq.Error{Code: "40P01"} })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil, "resource r1"))
	assert.True(t, apperr.IsNotFound(MapError(sql.ErrNoRows, "resource r1")))
	assert.True(t, apperr.IsConflict(MapError(&pq.Error{Code: "23505"}, "schema user")))
	assert.True(t, apperr.IsNotFound(MapError(&pq.Error{Code: "23503"}, "resource r2")))
	assert.ErrorIs(t, MapError(&pq.Error{Code: "22P02"}, "resource x"), apperr.ErrNotFound)

	passthrough := apperr.PermissionDenied("nope")
	assert.Equal(t, passthrough, MapError(passthrough, "resource r1"))

	other := errors.New("disk full")
	mapped := MapError(other, "resource r1")
	assert.ErrorIs(t, mapped, other)
	assert.Contains(t, mapped.Error(), "resource r1")
}
