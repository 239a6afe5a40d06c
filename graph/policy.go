package graph

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy re-invokes a failing node with exponential backoff.
//
// The engine never retries on its own. A node is retried only when it is
// wrapped with WithRetry or has a NodePolicy carrying a RetryPolicy.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	// Must be >= 1.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles for each
	// later attempt. A random jitter in [0, BaseDelay) is added.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay. Zero means no cap.
	MaxDelay time.Duration

	// Retryable filters which errors are retried. Nil retries every error.
	Retryable func(error) bool
}

// Validate checks the policy bounds.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be >= 1", ErrInvalidRetryPolicy)
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return fmt.Errorf("%w: delays cannot be negative", ErrInvalidRetryPolicy)
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return fmt.Errorf("%w: MaxDelay must be >= BaseDelay", ErrInvalidRetryPolicy)
	}
	return nil
}

// computeBackoff returns base * 2^attempt capped at maxDelay, plus jitter in
// [0, base). attempt is zero-based.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	}
	return delay + jitter
}

type retryNode[S any] struct {
	node   Node[S]
	policy RetryPolicy
}

// WithRetry wraps node so that failures are retried according to policy.
//
// When every attempt fails the returned error wraps both
// ErrMaxAttemptsExceeded and the last node error. An error rejected by
// policy.Retryable is returned immediately. An invalid policy makes every
// invocation fail with ErrInvalidRetryPolicy.
func WithRetry[S any](node Node[S], policy RetryPolicy) Node[S] {
	return &retryNode[S]{node: node, policy: policy}
}

func (r *retryNode[S]) Run(ctx context.Context, state S) (S, error) {
	if err := r.policy.Validate(); err != nil {
		return state, err
	}

	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := computeBackoff(attempt-1, r.policy.BaseDelay, r.policy.MaxDelay, nil)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return state, ctx.Err()
			case <-timer.C:
			}
		}

		next, err := r.node.Run(ctx, state)
		if err == nil {
			return next, nil
		}
		lastErr = err
		if r.policy.Retryable != nil && !r.policy.Retryable(err) {
			return state, err
		}
	}
	return state, fmt.Errorf("%w (%d attempts): %w", ErrMaxAttemptsExceeded, r.policy.MaxAttempts, lastErr)
}
