package agent

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retries of transient provider failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocation attempts, including the
	// first. A value of 1 or less disables retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff between attempts:
	// min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential component.
	MaxDelay time.Duration

	// Retryable reports whether an error is worth retrying. When nil, every
	// error except a context cancellation is retried.
	Retryable func(error) bool
}

// DefaultRetryPolicy is the policy applied to real providers at startup.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// WithRetry wraps p so Invoke retries transient failures with exponential
// backoff and jitter. Name, Priority, and Supports pass through unchanged.
func WithRetry(p Provider, policy RetryPolicy) Provider {
	if policy.MaxAttempts <= 1 {
		return p
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &retryProvider{inner: p, policy: policy}
}

type retryProvider struct {
	inner  Provider
	policy RetryPolicy
}

func (r *retryProvider) Name() string { return r.inner.Name() }
func (r *retryProvider) Priority() int { return r.inner.Priority() }
func (r *retryProvider) Supports(model string) bool { return r.inner.Supports(model) }

func (r *retryProvider) Invoke(ctx context.Context, cfg Config, prompt string) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(computeBackoff(attempt-1, r.policy.BaseDelay, r.policy.MaxDelay))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Response{}, ctx.Err()
			}
		}
		resp, err := r.inner.Invoke(ctx, cfg, prompt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.retryable(err) {
			break
		}
	}
	return Response{}, lastErr
}

func (r *retryProvider) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.policy.Retryable != nil {
		return r.policy.Retryable(err)
	}
	return true
}

// computeBackoff returns min(base * 2^attempt, maxDelay) plus a random jitter
// in [0, base) so concurrent branches do not retry in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing only
}
