package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/backoff"
)

type classifiableErr struct {
	msg       string
	retryable bool
}

func (e *classifiableErr) Error() string  { return e.msg }
func (e *classifiableErr) Retryable() bool { return e.retryable }

func fastConfig(maxAttempts int) Config {
	return Config{MaxAttempts: maxAttempts, Policy: backoff.Policy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}}
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(attempt int) error {
		calls++
		return nil
	})
	assert.NoError(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetriableErrorsUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(attempt int) error {
		calls++
		if calls < 3 {
			return &classifiableErr{msg: "flaky", retryable: true}
		}
		return nil
	})
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	result := Do(context.Background(), fastConfig(5), func(attempt int) error {
		calls++
		return Permanent(sentinel)
	})
	require.Error(t, result.Err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(result.Err, sentinel))
}

func TestDoStopsOnClassifiableNonRetryable(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(attempt int) error {
		calls++
		return &classifiableErr{msg: "auth failed", retryable: false}
	})
	require.Error(t, result.Err)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(attempt int) error {
		calls++
		return &classifiableErr{msg: "always flaky", retryable: true}
	})
	require.Error(t, result.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, fastConfig(3), func(attempt int) error {
		t.Fatal("op should not run with an already-cancelled context")
		return nil
	})
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, context.Canceled))
}

func TestIsRetryableDefaultsTrueForPlainErrors(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(nil))
}

func TestDoWithValueReturnsValueOnSuccess(t *testing.T) {
	value, result := DoWithValue(context.Background(), fastConfig(3), func(attempt int) (int, error) {
		return 42, nil
	})
	require.NoError(t, result.Err)
	assert.Equal(t, 42, value)
}

func TestDoSleepsBetweenAttempts(t *testing.T) {
	start := time.Now()
	calls := 0
	Do(context.Background(), Config{MaxAttempts: 3, Policy: backoff.Policy{InitialMs: 10, MaxMs: 50, Factor: 1, Jitter: 0}}, func(attempt int) error {
		calls++
		return &classifiableErr{msg: "flaky", retryable: true}
	})
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
