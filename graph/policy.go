package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures execution behavior for one node: an invocation
// timeout and an optional retry policy. Zero values defer to engine-wide
// defaults.
type NodePolicy struct {
	// Timeout is the maximum invocation time. Zero uses the engine default.
	Timeout time.Duration

	// Retry enables bounded retries for this node. A nil Retry means the node
	// is not retry-safe and a single failure escalates immediately.
	Retry *RetryPolicy
}

// RetryPolicy defines bounded retry behavior for a node that has been
// explicitly marked retry-safe. Exponential backoff with jitter spaces the
// attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocation attempts, including the
	// first. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff: attempt n waits roughly
	// BaseDelay * 2^n plus jitter.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether a given failure is worth retrying. Nil means
	// every error is retryable up to MaxAttempts.
	Retryable func(error) bool
}

// Validate checks policy constraints: MaxAttempts >= 1, and when both delays
// are set, MaxDelay >= BaseDelay.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryable reports whether err qualifies for another attempt under this
// policy.
func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// computeBackoff returns the delay before retry attempt n (zero-based):
// min(base * 2^attempt, maxDelay) + jitter(0, base). The jitter keeps
// concurrent branches from retrying in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry spacing, not security
	}
	return delay + jitter
}
