// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls re-dispatch of failed attempts. Only kinds for which
// ErrorKind.Retryable reports true are retried, and every wait is bounded
// by the job deadline carried in the context.
type RetryPolicy struct {
	// MaxAttempts is the total attempt ceiling, first try included.
	MaxAttempts int

	// InitialBackoff is the base wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the standard policy: maxAttempts attempts (3
// when maxAttempts is not positive), exponential base-2 backoff from 50ms,
// capped at 2s, full jitter.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryMaxAttempts
	}
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// backoffFor computes the full-jitter backoff before attempt n (0-based:
// backoffFor(0) is the wait after the first failure).
func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	// Full jitter: uniform in [0, backoff].
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}

// sleep waits out the backoff for the given attempt, returning early with
// the context error if the deadline elapses or the job is cancelled.
func (p RetryPolicy) sleep(ctx context.Context, attempt int) error {
	d := p.backoffFor(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
