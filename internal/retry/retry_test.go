package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvsync-labs/kvsync/internal/logger"
	"github.com/kvsync-labs/kvsync/internal/retry"
)

func newHelper() *retry.Helper {
	return retry.NewHelper(logger.NewDefaultLogger("error"))
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	h := newHelper()
	calls := 0
	err := h.Do(context.Background(), retry.Config{Attempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	h := newHelper()
	calls := 0
	err := h.Do(context.Background(), retry.Config{Attempts: 5, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	h := newHelper()
	sentinel := errors.New("down")
	calls := 0
	err := h.Do(context.Background(), retry.Config{Attempts: 4, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	h := newHelper()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := h.Do(ctx, retry.Config{Attempts: 100, Delay: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
