package crawler

import (
	"context"
	"errors"
	"time"
)

// ExponentialRetryPolicy bounds fetch retries with doubling backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy: 3 attempts, 1s doubling to 5s.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return NewRetryPolicy(3, time.Second, 5*time.Second)
}

// NewRetryPolicy builds a policy with explicit bounds. Non-positive values fall
// back to the defaults.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts reports the total number of attempts allowed.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt may follow attempt (1-based).
// Only failures classified as retryable qualify. Per-request timeouts are
// retryable; cancellation of the caller's own context never is, so callers
// pass that context's error separately.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, retryable bool, attempt int, callerErr error) bool {
	if err == nil || !retryable {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if callerErr != nil || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}
