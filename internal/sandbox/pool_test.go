package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	kind      string
	execCount int32
	closed    bool
	mu        sync.Mutex
	execFn    func(ctx context.Context, fn string, args json.RawMessage) (string, error)
}

func (f *fakeInstance) Kind() string { return f.kind }

func (f *fakeInstance) Execute(ctx context.Context, fn string, args json.RawMessage) (string, error) {
	atomic.AddInt32(&f.execCount, 1)
	if f.execFn != nil {
		return f.execFn(ctx, fn, args)
	}
	return "ok", nil
}

func (f *fakeInstance) ExecCount() int {
	return int(atomic.LoadInt32(&f.execCount))
}

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created int
}

func (f *fakeFactory) NewInstance(ctx context.Context, kind string, guest GuestSource, cfg Config) (Instance, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &fakeInstance{kind: kind}, nil
}

func testConfig() Config {
	return Config{MemoryLimitMB: 64, Timeout: time.Second, PoolSize: 1}
}

func TestPoolAcquireCreatesUpToMaxPerType(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 2})

	i1, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)
	i2, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)

	assert.NotSame(t, i1, i2)
	assert.Equal(t, 2, factory.created)
}

func TestPoolAcquireWaitsFIFOWhenAtCapacity(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 1})

	inst, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)

	type result struct {
		inst Instance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		got, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
		done <- result{got, err}
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter enqueue
	pool.Release("calc", inst)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Same(t, inst, r.inst)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released instance")
	}
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 1})

	_, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "calc", GuestSource{}, testConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolReleaseRecyclesAfterMaxExecutions(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 1, MaxExecutionsBeforeRecycle: 1})

	inst, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)
	_, err = inst.Execute(context.Background(), "run", nil)
	require.NoError(t, err)

	pool.Release("calc", inst)
	fi := inst.(*fakeInstance)
	assert.True(t, fi.closed)

	// the slot is free again since recycling decremented active.
	_, err = pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, factory.created)
}

func TestPoolWarmupPreCreatesInstances(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{WarmupCount: 2, MaxPerType: 2})

	require.NoError(t, pool.Warmup(context.Background(), "calc", GuestSource{}, testConfig()))

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Idle)
	assert.Equal(t, 2, stats[0].Active)
}

func TestPoolCloseClosesIdleInstances(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{MaxPerType: 1})

	inst, err := pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	require.NoError(t, err)
	pool.Release("calc", inst)

	require.NoError(t, pool.Close())
	assert.True(t, inst.(*fakeInstance).closed)

	_, err = pool.Acquire(context.Background(), "calc", GuestSource{}, testConfig())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
