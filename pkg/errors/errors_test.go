package errors_test

import (
	"errors"
	"testing"

	apperrors "github.com/fenwick-labs/ratelimitd/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := apperrors.New(apperrors.CodeNotFound, "bucket not found", nil)
	assert.Equal(t, "bucket not found", err.Error())
	assert.Equal(t, apperrors.CodeNotFound, err.Code)
}

func TestNewWithCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := apperrors.New(apperrors.CodeUnavailable, "remote store unreachable", cause)
	assert.Contains(t, err.Error(), "remote store unreachable")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, err.Unwrap())
}

func TestWrapPreservesCode(t *testing.T) {
	inner := apperrors.NotFound("key not found", nil)
	wrapped := apperrors.Wrap(inner, "resolver lookup failed")
	assert.Equal(t, apperrors.CodeNotFound, wrapped.Code)

	var target *apperrors.AppError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, apperrors.CodeNotFound, target.Code)
}

func TestWrapNonAppErrorDefaultsToInternal(t *testing.T) {
	wrapped := apperrors.Wrap(errors.New("boom"), "unexpected failure")
	assert.Equal(t, apperrors.CodeInternal, wrapped.Code)
}

func TestIsComparesByCode(t *testing.T) {
	a := apperrors.NotFound("a not found", nil)
	b := apperrors.NotFound("b not found", nil)
	assert.True(t, errors.Is(a, b))

	c := apperrors.Conflict("conflict", nil)
	assert.False(t, errors.Is(a, c))
}

func TestHelperConstructors(t *testing.T) {
	cases := []struct {
		err  *apperrors.AppError
		code apperrors.Code
	}{
		{apperrors.NotFound("x", nil), apperrors.CodeNotFound},
		{apperrors.Conflict("x", nil), apperrors.CodeConflict},
		{apperrors.InvalidInput("x", nil), apperrors.CodeInvalidArgument},
		{apperrors.Unavailable("x", nil), apperrors.CodeUnavailable},
		{apperrors.DeadlineExceeded("x", nil), apperrors.CodeDeadlineExceeded},
		{apperrors.Internal("x", nil), apperrors.CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.err.Code)
	}
}
