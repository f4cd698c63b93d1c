// Package backoff computes exponential retry delays with jitter.
//
// Grounded on the teacher's internal/backoff/policy.go: same
// base/jitter/clamp formula, adapted so that attempt 0 (no retry attempted
// yet) always yields zero delay, per the runtime's backoff law.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// DefaultPolicy returns a sensible default: 100ms initial, 30s max, factor
// 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}

// ComputeBackoff calculates the backoff duration for a given attempt number.
// Attempt 0 always returns zero. For attempt >= 1 the formula is
// base = InitialMs * Factor^(attempt-1), jitter = base * Jitter * rand(),
// returning min(MaxMs, base+jitter) as a Duration.
func ComputeBackoff(policy Policy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) //nolint:gosec // jitter, not security-sensitive
}

// ComputeBackoffWithRand is ComputeBackoff with an injected random sample in
// [0.0, 1.0), for deterministic tests.
func ComputeBackoffWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)

	return time.Duration(math.Round(total)) * time.Millisecond
}
