package coord

import (
	"context"
	"time"
)

// retryBackoff is the fixed delay between retry attempts, per spec: "fixed
// backoff (≈5 s)".
const retryBackoff = 5 * time.Second

// FastBudget bounds fast-path calls (KV get/put, session ops): "fast-retry
// calls tolerate ~30 s of outage".
const FastBudget = 30 * time.Second

// SlowBudget bounds slow-path calls: "slow-path calls ... tolerate ~3 min".
// Only List (registry scans) uses it; leader-record reads go through the
// single-key Get and use FastBudget.
const SlowBudget = 3 * time.Minute

// withRetry calls fn repeatedly on a fixed backoff until it succeeds, the
// budget elapses, or ctx is cancelled. A nil error from fn ends the loop
// immediately. Any other error is retried unless it is explicitly marked
// non-retryable via nonRetryable.
func withRetry(ctx context.Context, budget time.Duration, fn func() error) error {
	deadline := time.Now().Add(budget)
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if nre, ok := err.(nonRetryableError); ok {
			return nre.err
		}

		if time.Now().After(deadline) {
			return ErrTransient
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

// nonRetryableError wraps an error that withRetry must surface immediately,
// e.g. a CAS conflict, which is meaningful to the caller rather than a sign
// of an unreachable coordination service.
type nonRetryableError struct{ err error }

func (n nonRetryableError) Error() string { return n.err.Error() }

func nonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetryableError{err: err}
}
