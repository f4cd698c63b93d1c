package sandbox

import (
	"context"
	"sync"
)

// PoolConfig configures per-kind warm pools (§4.5).
type PoolConfig struct {
	WarmupCount                 int
	MaxPerType                  int
	MaxExecutionsBeforeRecycle  int
}

// Pool pre-warms instances per guest kind, caps each kind at MaxPerType,
// and recycles instances after MaxExecutionsBeforeRecycle executions.
//
// Grounded on the teacher's Pool (internal/tools/sandbox/pool.go): same
// per-kind sub-pool structure and acquire-or-create-or-wait policy,
// generalized from a fixed language list to arbitrary guest kinds supplied
// at first acquire, and from a buffered-channel "default: wait up to 10s"
// policy to an explicit FIFO waiter queue with no implicit deadline (the
// caller's context governs the wait).
type Pool struct {
	factory Factory
	cfg     PoolConfig

	mu     sync.Mutex
	closed bool
	kinds  map[string]*kindPool
}

type kindPool struct {
	guest   GuestSource
	instCfg Config
	idle    []Instance
	active  int
	waiters []chan Instance
}

// NewPool constructs a Pool. Instances are created lazily per kind on
// first Acquire or Warmup call, since the guest binary for a kind isn't
// known until a caller supplies one.
func NewPool(factory Factory, cfg PoolConfig) *Pool {
	if cfg.WarmupCount < 0 {
		cfg.WarmupCount = 0
	}
	if cfg.MaxPerType <= 0 {
		cfg.MaxPerType = 1
	}
	return &Pool{factory: factory, cfg: cfg, kinds: make(map[string]*kindPool)}
}

// Warmup pre-creates up to WarmupCount instances for kind using guest,
// registering the kind if this is its first use.
func (p *Pool) Warmup(ctx context.Context, kind string, guest GuestSource, instCfg Config) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	kp := p.registerLocked(kind, guest, instCfg)
	p.mu.Unlock()

	for i := 0; i < p.cfg.WarmupCount; i++ {
		inst, err := p.factory.NewInstance(ctx, kind, guest, instCfg)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if kp.active < p.cfg.MaxPerType {
			kp.idle = append(kp.idle, inst)
			kp.active++
			p.mu.Unlock()
		} else {
			p.mu.Unlock()
			inst.Close()
			break
		}
	}
	return nil
}

func (p *Pool) registerLocked(kind string, guest GuestSource, instCfg Config) *kindPool {
	kp, ok := p.kinds[kind]
	if !ok {
		kp = &kindPool{guest: guest, instCfg: instCfg}
		p.kinds[kind] = kp
	}
	return kp
}

// Acquire returns an idle instance for kind if one exists; otherwise
// creates one if the kind is below MaxPerType; otherwise waits in FIFO
// order for a release. The caller's context bounds the wait.
func (p *Pool) Acquire(ctx context.Context, kind string, guest GuestSource, instCfg Config) (Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	kp := p.registerLocked(kind, guest, instCfg)

	if len(kp.idle) > 0 {
		inst := kp.idle[len(kp.idle)-1]
		kp.idle = kp.idle[:len(kp.idle)-1]
		p.mu.Unlock()
		return inst, nil
	}

	if kp.active < p.cfg.MaxPerType {
		kp.active++
		p.mu.Unlock()
		inst, err := p.factory.NewInstance(ctx, kind, guest, instCfg)
		if err != nil {
			p.mu.Lock()
			kp.active--
			p.mu.Unlock()
			return nil, err
		}
		return inst, nil
	}

	wait := make(chan Instance, 1)
	kp.waiters = append(kp.waiters, wait)
	p.mu.Unlock()

	select {
	case inst := <-wait:
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns inst to kind's idle set unless it has reached the
// recycle threshold, in which case it is closed. If a waiter is parked when
// a recycle happens, it is not a fresh Acquire call and so would never
// observe a replacement warmed lazily later; a fresh instance is created
// synchronously and hand it directly to the head waiter, leaving active
// unchanged.
func (p *Pool) Release(kind string, inst Instance) {
	p.mu.Lock()
	kp, ok := p.kinds[kind]
	if !ok || p.closed {
		p.mu.Unlock()
		inst.Close()
		return
	}

	recycle := p.cfg.MaxExecutionsBeforeRecycle > 0 && inst.ExecCount() >= p.cfg.MaxExecutionsBeforeRecycle

	if !recycle {
		if len(kp.waiters) > 0 {
			next := kp.waiters[0]
			kp.waiters = kp.waiters[1:]
			p.mu.Unlock()
			next <- inst
			return
		}
		kp.idle = append(kp.idle, inst)
		p.mu.Unlock()
		return
	}

	inst.Close()

	if len(kp.waiters) == 0 {
		kp.active--
		p.mu.Unlock()
		return
	}

	next := kp.waiters[0]
	kp.waiters = kp.waiters[1:]
	guest, instCfg := kp.guest, kp.instCfg
	p.mu.Unlock()

	fresh, err := p.factory.NewInstance(context.Background(), kind, guest, instCfg)
	if err != nil {
		// Replacement failed: drop active and let the waiter's own context
		// deadline or a later release on this kind unblock it.
		p.mu.Lock()
		kp.active--
		p.mu.Unlock()
		return
	}
	next <- fresh
}

// Stats reports live counts per kind, used for health checks and metrics.
type Stats struct {
	Kind    string
	Idle    int
	Active  int
	Waiting int
}

func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.kinds))
	for kind, kp := range p.kinds {
		out = append(out, Stats{Kind: kind, Idle: len(kp.idle), Active: kp.active, Waiting: len(kp.waiters)})
	}
	return out
}

// Close shuts down the pool, closing every idle instance. Instances
// currently leased are closed by their holder's Release/Close path.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, kp := range p.kinds {
		for _, inst := range kp.idle {
			inst.Close()
		}
		kp.idle = nil
	}
	return nil
}
