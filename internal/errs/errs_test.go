package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Network("indexer.history", cause)

	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrValidation)
	require.Equal(t, "indexer.history: context deadline exceeded", err.Error())

	wrapped := fmt.Errorf("refresh: %w", err)
	require.Equal(t, ErrNetwork, KindOf(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	require.Equal(t, "indexer.history", e.Op)
}

func TestKindOnly(t *testing.T) {
	err := New(ErrExternalService, "order.watch", nil)
	require.ErrorIs(t, err, ErrExternalService)
	require.Equal(t, "order.watch: external service error", err.Error())
}

func TestFormatted(t *testing.T) {
	require.ErrorIs(t, Validationf("derive", "bad path %q", "m/x"), ErrValidation)
	require.ErrorIs(t, Conflictf("order", "cannot move from %s", "open"), ErrStateConflict)
	require.Nil(t, KindOf(errors.New("plain")))
}
