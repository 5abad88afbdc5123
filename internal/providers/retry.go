package providers

import (
	"context"
	"time"
)

// RetryPolicy implements the spec's retry rule: only Timeout, Unavailable,
// and transient 5xx errors are retried, up to MaxRetries retries after the
// first attempt, sleeping BaseDelay*2^k after failed attempt k (0-indexed).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// sleeper is swappable in tests so retry delay does not actually block.
type sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do invokes fn, retrying per policy on a retryable error. The final error
// (whether from the last attempt or a non-retryable one) is classified and
// returned via Classify. Context cancellation aborts retrying immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.do(ctx, fn, defaultSleeper)
}

func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error, sleep sleeper) error {
	var lastErr error
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for k := 0; k < attempts; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if k == attempts-1 || !IsRetryable(err) {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<uint(k))
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return Classify(lastErr)
}
