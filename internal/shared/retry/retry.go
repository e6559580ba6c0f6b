// Package retry implements policy-driven retries with exponential backoff
// and jitter. A policy names the retryable error set explicitly; anything
// outside that set, and context cancellation, aborts immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "agentpay/internal/shared/errors"
	"agentpay/internal/shared/redact"
)

// Policy controls the retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	// Jitter is the +/- fraction applied to each delay, e.g. 0.25 for 25%.
	Jitter float64
	// Retryable classifies errors; a nil predicate retries storage and
	// provider errors only.
	Retryable func(error) bool
	// OnRetry is invoked before each sleep with the 1-based attempt number.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy matches the SDK-wide backoff contract: 0.5s initial delay,
// factor 2, 60s cap, 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		Jitter:       0.25,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = defaultRetryable
	}
	return p
}

func defaultRetryable(err error) bool {
	return apperrors.IsStorageError(err) || apperrors.IsProviderError(err)
}

// Do runs op until it succeeds, a non-retryable error occurs, the attempt
// budget is exhausted, or ctx is done. The last error is returned with
// secrets redacted.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	p := policy.normalized()

	var lastErr error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := jittered(delay, p.Jitter)
		if p.OnRetry != nil {
			p.OnRetry(attempt, redact.Error(lastErr), sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return redact.Error(lastErr)
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	// Uniform in [1-jitter, 1+jitter].
	factor := 1 + jitter*(2*rand.Float64()-1)
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	return out
}
