// Package retrypolicy computes activity retry delays (spec §4.3). Grounded
// on the teacher's internal/reconciler.Manager.calculateBackoff
// ("exponential backoff: initial * 2^attempt, capped at MaxBackoff"),
// generalized to the four backoff kinds spec §4.3 names and kept as a pure
// function package with no I/O, so it is trivially unit-testable and reused
// identically by internal/activityworker and the lifecycle programs that
// build historystore.RetryPolicy values.
package retrypolicy

import (
	"time"

	"github.com/affandar/toygres/internal/historystore"
)

// NextDelay returns how long to wait before attempt (1-indexed, the attempt
// about to be made) given policy. attempt must be >= 1.
func NextDelay(policy historystore.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Backoff {
	case historystore.BackoffNone:
		delay = 0
	case historystore.BackoffFixed:
		delay = policy.BackoffBase
	case historystore.BackoffLinear:
		delay = policy.BackoffBase * time.Duration(attempt)
	case historystore.BackoffExponential:
		mult := policy.BackoffMult
		if mult <= 0 {
			mult = 2
		}
		delay = policy.BackoffBase
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * mult)
			if policy.BackoffCap > 0 && delay >= policy.BackoffCap {
				delay = policy.BackoffCap
				break
			}
		}
	default:
		delay = policy.BackoffBase
	}

	if policy.BackoffCap > 0 && delay > policy.BackoffCap {
		delay = policy.BackoffCap
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry reports whether another attempt is permitted given the
// attempt just made and policy.MaxAttempts (spec §4.3: MaxAttempts counts
// total attempts, including the first).
func ShouldRetry(policy historystore.RetryPolicy, attemptJustMade int) bool {
	if policy.MaxAttempts <= 0 {
		return false
	}
	return attemptJustMade < policy.MaxAttempts
}
