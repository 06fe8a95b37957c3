package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeConflict, "version changed")
		assert.True(t, HasCode(err, CodeConflict))
		assert.False(t, HasCode(err, CodeInternal))
	})

	t.Run("matches code through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("save cart: %w", New(CodeUnavailable, "store down"))
		assert.True(t, HasCode(err, CodeUnavailable))
	})

	t.Run("matches nested coded cause", func(t *testing.T) {
		inner := New(CodeValidation, "quantity must be positive")
		err := Wrap(inner, CodeInternal, "add line failed")
		assert.True(t, HasCode(err, CodeInternal))
		assert.True(t, HasCode(err, CodeValidation))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.False(t, HasCode(nil, CodeInternal))
	})
}

func TestErrorsIsComparesCodeAndMessage(t *testing.T) {
	err := fmt.Errorf("validate: %w", New(CodeUnauthorized, "invalid token"))
	require.ErrorIs(t, err, New(CodeUnauthorized, "invalid token"))
	assert.NotErrorIs(t, err, New(CodeUnauthorized, "token has expired"))
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeUnavailable, "cart store unavailable")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")

	de, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnavailable, de.Code)
}
