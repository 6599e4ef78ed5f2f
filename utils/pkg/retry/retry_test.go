package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestRetry_IsRetryable(t *testing.T) {
	t.Parallel()

	t.Run("nil is not retryable", func(t *testing.T) {
		t.Parallel()
		require.False(t, IsRetryable(nil))
	})

	t.Run("context cancellation is not retryable", func(t *testing.T) {
		t.Parallel()
		require.False(t, IsRetryable(context.Canceled))
		require.False(t, IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	})

	t.Run("retryable http statuses", func(t *testing.T) {
		t.Parallel()
		require.True(t, IsRetryable(statusErr(429)))
		require.True(t, IsRetryable(statusErr(503)))
		require.False(t, IsRetryable(statusErr(404)))
	})

	t.Run("transient database conditions", func(t *testing.T) {
		t.Parallel()
		require.True(t, IsRetryable(errors.New("ERROR: deadlock detected")))
		require.True(t, IsRetryable(errors.New("SQLSTATE 40001")))
		require.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
		require.False(t, IsRetryable(errors.New("syntax error at or near")))
	})
}

func TestRetry_Do(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	t.Run("returns on first success", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return errors.New("connection refused")
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		t.Parallel()

		calls := 0
		permanent := errors.New("permission denied")
		err := Do(context.Background(), cfg, func() error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Config{MaxAttempts: 5, BaseBackoff: time.Minute, MaxBackoff: time.Minute}, func() error {
			calls++
			cancel()
			return errors.New("connection refused")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}
