package retry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(5)
	testCases := []struct {
		name     string
		previous int
		outcome  Outcome
		want     Decision
	}{
		{"success keeps count", 2, Succeeded, Decision{Action: Complete, RetryCount: 2}},
		{"first failure", 0, Failed, Decision{Action: Requeue, RetryCount: 1}},
		{"failure below cap", 3, Failed, Decision{Action: Requeue, RetryCount: 4}},
		{"failure reaching cap", 4, Failed, Decision{Action: Requeue, RetryCount: 5}},
		{"failure at cap evicts", 5, Failed, Decision{Action: Evict, RetryCount: 6}},
		{"failure past cap evicts", 9, Failed, Decision{Action: Evict, RetryCount: 10}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, policy.Decide(tc.previous, tc.outcome))
		})
	}
}

func TestDecideSixConsecutiveFailuresEvictOnSixth(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(DefaultCap)
	count := 0
	for attempt := 1; attempt <= 5; attempt++ {
		d := policy.Decide(count, Failed)
		require.Equal(t, Requeue, d.Action, "attempt %d", attempt)
		require.Equal(t, count+1, d.RetryCount)
		count = d.RetryCount
	}
	require.Equal(t, Evict, policy.Decide(count, Failed).Action)
}

func TestNewPolicyDefaultsCap(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultCap, NewPolicy(0).Cap())
	require.Equal(t, DefaultCap, Policy{}.Cap())
	require.Equal(t, 2, NewPolicy(2).Cap())
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(5)
	require.False(t, policy.Exhausted(0))
	require.False(t, policy.Exhausted(5))
	require.True(t, policy.Exhausted(6))
}

func TestActionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "complete", Complete.String())
	require.Equal(t, "requeue", Requeue.String())
	require.Equal(t, "evict", Evict.String())
	require.Equal(t, "unknown", Action(42).String())
}
