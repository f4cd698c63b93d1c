package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRunDispatchesToRegisteredGuest(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 1})
	runner := NewRunner(pool)

	require.NoError(t, runner.RegisterGuest("calc", GuestSource{Kind: GuestInMemory, Bytes: []byte("bin")}, testConfig()))

	result, err := runner.Run(context.Background(), "calc", json.RawMessage(`{"a":1}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRunnerRunGuestMissing(t *testing.T) {
	pool := NewPool(&fakeFactory{}, PoolConfig{MaxPerType: 1})
	runner := NewRunner(pool)

	_, err := runner.Run(context.Background(), "unknown", nil, time.Second)
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, ErrGuestMissing, sbErr.Type)
}

func TestRunnerRunTimesOut(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 1})
	runner := NewRunner(pool)
	require.NoError(t, runner.RegisterGuest("slow", GuestSource{}, testConfig()))

	// Force the underlying instance to block past the timeout.
	inst, err := pool.Acquire(context.Background(), "slow", GuestSource{}, testConfig())
	require.NoError(t, err)
	fi := inst.(*fakeInstance)
	fi.execFn = func(ctx context.Context, fn string, args json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	pool.Release("slow", inst)

	_, err = runner.Run(context.Background(), "slow", nil, 20*time.Millisecond)
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, ErrTimeout, sbErr.Type)
}

func TestRunnerRejectsInvalidConfig(t *testing.T) {
	pool := NewPool(&fakeFactory{}, PoolConfig{MaxPerType: 1})
	runner := NewRunner(pool)

	err := runner.RegisterGuest("calc", GuestSource{}, Config{MemoryLimitMB: 0, Timeout: time.Second, PoolSize: 1})
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, ErrInvalidConfig, sbErr.Type)
}
