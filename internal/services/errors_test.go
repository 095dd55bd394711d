package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tierrewards/ledger/internal/repository"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", ValidationError("amount must be positive"), KindValidation},
		{"wrapped conflict", fmt.Errorf("approve: %w", ConflictError("already approved")), KindConflict},
		{"upstream", UpstreamError(errors.New("dial tcp"), "gateway unavailable"), KindUpstreamUnavailable},
		{"repository not found", fmt.Errorf("load: %w", repository.ErrNotFound), KindNotFound},
		{"stale state", repository.ErrStaleState, KindConflict},
		{"plain", errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := UpstreamError(cause, "price source unavailable")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "price source unavailable: connection refused", err.Error())
}

func TestNotFoundAs(t *testing.T) {
	err := notFoundAs(repository.ErrNotFound, "topup", "tp-1")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "topup tp-1 not found", err.Error())

	other := errors.New("boom")
	assert.Equal(t, other, notFoundAs(other, "topup", "tp-1"))
}
