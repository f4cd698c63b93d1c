package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Runner adapts a Pool into internal/tools.SandboxRunner, so the tool
// executor can dispatch a sandboxed call without importing this package's
// concrete backend. One guest source is registered per tool name; an
// unregistered tool name is a guest-missing error.
type Runner struct {
	pool *Pool

	mu      sync.RWMutex
	guests  map[string]GuestSource
	configs map[string]Config
}

// NewRunner constructs a Runner backed by pool.
func NewRunner(pool *Pool) *Runner {
	return &Runner{pool: pool, guests: make(map[string]GuestSource), configs: make(map[string]Config)}
}

// RegisterGuest associates toolName with the guest binary instances for
// that tool should run, and the resource envelope to create them with.
func (r *Runner) RegisterGuest(toolName string, guest GuestSource, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.guests[toolName] = guest
	r.configs[toolName] = cfg
	r.mu.Unlock()
	return nil
}

// Run implements internal/tools.SandboxRunner: it acquires a pooled
// instance for toolName, executes functionName "run" with args, and
// releases the instance, observing timeout as a hard deadline on top of
// the instance's own configured timeout.
func (r *Runner) Run(ctx context.Context, toolName string, args json.RawMessage, timeout time.Duration) (string, error) {
	r.mu.RLock()
	guest, ok := r.guests[toolName]
	cfg := r.configs[toolName]
	r.mu.RUnlock()
	if !ok {
		return "", NewError(ErrGuestMissing, fmt.Sprintf("no guest binary registered for tool %q", toolName), nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inst, err := r.pool.Acquire(runCtx, toolName, guest, cfg)
	if err != nil {
		if runCtx.Err() != nil {
			return "", NewError(ErrTimeout, "timed out acquiring sandbox instance", err)
		}
		return "", err
	}
	defer r.pool.Release(toolName, inst)

	result, err := inst.Execute(runCtx, "run", args)
	if err != nil {
		if runCtx.Err() != nil {
			return "", NewError(ErrTimeout, "sandbox execution timed out", err)
		}
		if sbErr, ok := err.(*Error); ok {
			return "", sbErr
		}
		return "", NewError(ErrExecFailed, "guest execution failed", err)
	}
	return result, nil
}
