package graph

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyValidate(t *testing.T) {
	cases := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"zero attempts invalid", RetryPolicy{MaxAttempts: 0}, true},
		{"single attempt valid", RetryPolicy{MaxAttempts: 1}, false},
		{"max delay below base invalid", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 500 * time.Millisecond}, true},
		{"max delay above base valid", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.policy.Validate()
			if c.wantErr {
				require.ErrorIs(t, err, ErrInvalidRetryPolicy)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestComputeBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	d0 := ComputeBackoff(0, base, max, rng)
	d1 := ComputeBackoff(1, base, max, rng)
	d3 := ComputeBackoff(3, base, max, rng)

	require.GreaterOrEqual(t, d0, base)
	require.Less(t, d0, base+base)
	require.GreaterOrEqual(t, d1, 2*base)
	require.LessOrEqual(t, d3, max+base, "delay capped at maxDelay plus jitter")
}

func TestComputeBackoff_ZeroBase(t *testing.T) {
	d := ComputeBackoff(2, 0, 0, rand.New(rand.NewSource(1)))
	require.Equal(t, time.Duration(0), d)
}
