package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoffAttemptZeroIsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(DefaultPolicy(), 0))
	assert.Equal(t, time.Duration(0), ComputeBackoff(DefaultPolicy(), -1))
}

func TestComputeBackoffWithRandNoJitter(t *testing.T) {
	p := Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoffWithRand(p, 1, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoffWithRand(p, 2, 0))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoffWithRand(p, 3, 0))
}

func TestComputeBackoffClampsToMax(t *testing.T) {
	p := Policy{InitialMs: 1000, MaxMs: 2500, Factor: 10, Jitter: 0}
	assert.Equal(t, 2500*time.Millisecond, ComputeBackoffWithRand(p, 5, 0))
}

func TestComputeBackoffJitterAddsWithinBound(t *testing.T) {
	p := Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.5}
	withFullJitter := ComputeBackoffWithRand(p, 1, 1.0)
	withNoJitter := ComputeBackoffWithRand(p, 1, 0.0)
	assert.Equal(t, 150*time.Millisecond, withFullJitter)
	assert.Equal(t, 100*time.Millisecond, withNoJitter)
}
