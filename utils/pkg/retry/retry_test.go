package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestRetry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestRetry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	attempts := 0
	cause := errors.New("connection reset")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return cause
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
	require.ErrorIs(t, err, cause)
}

func TestRetry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()
	attempts := 0
	cause := errors.New("invalid input")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return cause
	})
	require.Equal(t, cause, err)
	require.Equal(t, 1, attempts)
}

func TestRetry_Do_CustomClassifier(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Retryable = On(errBusy)

	var retried []int
	cfg.OnRetry = func(attempt int, err error) {
		require.ErrorIs(t, err, errBusy)
		retried = append(retried, attempt)
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("failed to submit: %w", errBusy)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, []int{2}, retried)
}

func TestRetry_Do_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour, Retryable: On(errBusy)}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		cancel()
		return errBusy
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestRetry_Any(t *testing.T) {
	t.Parallel()
	other := errors.New("other")
	c := Any(On(errBusy), IsRetryable)
	require.True(t, c(errBusy))
	require.True(t, c(errors.New("i/o timeout")))
	require.False(t, c(other))
}

func TestRetry_IsRetryable(t *testing.T) {
	t.Parallel()
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(errors.New("Service Unavailable")))
	require.True(t, IsRetryable(errors.New("rate limit exceeded")))
	require.False(t, IsRetryable(errors.New("account not found")))
}

func TestRetry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	for attempt := 1; attempt < 8; attempt++ {
		d := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		require.LessOrEqual(t, d, time.Second)
		require.Greater(t, d, time.Duration(0))
	}
}
