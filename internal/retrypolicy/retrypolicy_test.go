package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/affandar/toygres/internal/historystore"
)

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name     string
		policy   historystore.RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{
			name:     "none backoff is always zero",
			policy:   historystore.RetryPolicy{Backoff: historystore.BackoffNone},
			attempt:  5,
			expected: 0,
		},
		{
			name:     "fixed backoff ignores attempt number",
			policy:   historystore.RetryPolicy{Backoff: historystore.BackoffFixed, BackoffBase: 2 * time.Second},
			attempt:  4,
			expected: 2 * time.Second,
		},
		{
			name:     "linear backoff scales with attempt",
			policy:   historystore.RetryPolicy{Backoff: historystore.BackoffLinear, BackoffBase: time.Second},
			attempt:  3,
			expected: 3 * time.Second,
		},
		{
			name:     "linear backoff capped",
			policy:   historystore.RetryPolicy{Backoff: historystore.BackoffLinear, BackoffBase: time.Second, BackoffCap: 2 * time.Second},
			attempt:  10,
			expected: 2 * time.Second,
		},
		{
			name:     "exponential backoff doubles by default",
			policy:   historystore.RetryPolicy{Backoff: historystore.BackoffExponential, BackoffBase: time.Second},
			attempt:  3,
			expected: 4 * time.Second,
		},
		{
			name:     "exponential backoff respects cap",
			policy:   historystore.RetryPolicy{Backoff: historystore.BackoffExponential, BackoffBase: time.Second, BackoffCap: 5 * time.Second},
			attempt:  10,
			expected: 5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NextDelay(tt.policy, tt.attempt))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	policy := historystore.RetryPolicy{MaxAttempts: 3}
	assert.True(t, ShouldRetry(policy, 1))
	assert.True(t, ShouldRetry(policy, 2))
	assert.False(t, ShouldRetry(policy, 3))

	assert.False(t, ShouldRetry(historystore.RetryPolicy{MaxAttempts: 0}, 1))
}
