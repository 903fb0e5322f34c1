package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("resource %s not found", "r1"), KindNotFound},
		{"wrapped validation", fmt.Errorf("create: %w", Validation("bad payload")), KindValidation},
		{"plain error", errors.New("boom"), KindInternal},
		{"internal", Internal(errors.New("db down"), "query failed"), KindInternal},
		{"conflict", Conflict("lock %q is held", "a"), KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("get resource: %w", NotFound("resource r1 not found"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, IsNotFound(err))
}

func TestErrorMessage(t *testing.T) {
	err := Internal(errors.New("connection reset"), "insert resource")
	assert.Equal(t, "insert resource: connection reset", err.Error())
	assert.Equal(t, "permission denied", PermissionDenied("permission denied").Error())
	assert.Equal(t, "auth", KindAuth.String())
}
