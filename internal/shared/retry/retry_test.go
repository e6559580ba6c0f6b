package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "agentpay/internal/shared/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Factor:       2.0,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptsExactlyMaxOnContinuousFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return apperrors.NewProviderError("rpc unreachable")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_RecoversMidway(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.NewStorageError("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NeverRetriesNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation error", apperrors.NewValidationError("bad plan id")},
		{"configuration error", apperrors.NewConfigurationError("missing wallet")},
		{"plain error", errors.New("logic bug")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
				calls++
				return tc.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_CustomRetryableSet(t *testing.T) {
	sentinel := errors.New("flaky")
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), p, func(ctx context.Context) error {
		return apperrors.NewProviderError("still down")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(3), func(ctx context.Context) error {
		return apperrors.NewProviderError("should not matter")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_RedactsFinalError(t *testing.T) {
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		return apperrors.NewProviderError("call failed with api_key=verysecret")
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "verysecret")
}

func TestJittered_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jittered(base, 0.25)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, base, jittered(base, 0))
}
