package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaykit/agentcore/internal/backoff"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/retry"
)

// SandboxRunner is the abstract hook an Executor uses to run a sandboxed
// tool call (§4.5). It is decoupled from any concrete sandbox
// implementation so internal/tools never imports internal/sandbox;
// internal/sandbox's pool implements this interface instead.
type SandboxRunner interface {
	Run(ctx context.Context, toolName string, args json.RawMessage, timeout time.Duration) (string, error)
}

// ToolConfig overrides per-tool execution behavior (Supplemented Feature 1),
// grounded on the teacher's executor.ToolConfig.
type ToolConfig struct {
	Timeout     time.Duration
	Retries     int
	RetryPolicy backoff.Policy
	Priority    int
}

// ExecutorConfig configures an Executor's defaults.
type ExecutorConfig struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
	DefaultRetries int
	RetryPolicy    backoff.Policy
	AsyncTools     []string
}

// DefaultExecutorConfig mirrors the teacher's DefaultExecutorConfig: 8-way
// concurrency, a 30s per-tool timeout, and a single attempt (DefaultRetries
// counts total attempts, so 1 means no automatic retry) using the standard
// backoff policy.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 8,
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 1,
		RetryPolicy:    backoff.DefaultPolicy(),
	}
}

// Observer receives per-execution telemetry. It is declared here rather than
// satisfied by a concrete Prometheus type so internal/tools never imports
// internal/metrics, mirroring the SandboxRunner decoupling above; the
// composition root wires a metrics.Recorder in as the Observer.
type Observer interface {
	ObserveToolExecution(toolName, status string, duration time.Duration)
}

// ExecutorMetrics accumulates execution counters (Supplemented Feature 2),
// grounded on the teacher's ExecutorMetrics.
type ExecutorMetrics struct {
	mu          sync.Mutex
	executions  int64
	successes   int64
	failures    int64
	timeouts    int64
	retries     int64
	totalMillis int64
}

// ExecutorMetricsSnapshot is an immutable read of ExecutorMetrics.
type ExecutorMetricsSnapshot struct {
	Executions   int64
	Successes    int64
	Failures     int64
	Timeouts     int64
	Retries      int64
	AverageDelay time.Duration
}

func (m *ExecutorMetrics) record(success, timedOut bool, attempts int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions++
	if success {
		m.successes++
	} else {
		m.failures++
	}
	if timedOut {
		m.timeouts++
	}
	if attempts > 1 {
		m.retries += int64(attempts - 1)
	}
	m.totalMillis += elapsed.Milliseconds()
}

func (m *ExecutorMetrics) snapshot() ExecutorMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg time.Duration
	if m.executions > 0 {
		avg = time.Duration(m.totalMillis/m.executions) * time.Millisecond
	}
	return ExecutorMetricsSnapshot{
		Executions:   m.executions,
		Successes:    m.successes,
		Failures:     m.failures,
		Timeouts:     m.timeouts,
		Retries:      m.retries,
		AverageDelay: avg,
	}
}

// Executor dispatches tool calls per §4.4's rules: registry lookup,
// argument validation, an optional approval gate, sandbox-or-inline
// execution under a timeout, and retry with backoff on transient failures.
// Grounded on the teacher's internal/agent/executor.go ToolExecutor, with
// the approval gate and async job queueing folded in from loop.go.
type Executor struct {
	registry   *Registry
	config     ExecutorConfig
	toolConfig map[string]ToolConfig
	sem        chan struct{}
	metrics    *ExecutorMetrics
	sandbox    SandboxRunner
	approval   *Checker
	jobs       JobStore
	observer   Observer
	mu         sync.RWMutex
}

// NewExecutor constructs an Executor bound to registry.
func NewExecutor(registry *Registry, config ExecutorConfig) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.DefaultRetries <= 0 {
		config.DefaultRetries = 1
	}
	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]ToolConfig),
		sem:        make(chan struct{}, config.MaxConcurrency),
		metrics:    &ExecutorMetrics{},
	}
}

// ConfigureTool installs a per-tool override, consulted ahead of the
// executor-wide defaults.
func (e *Executor) ConfigureTool(name string, cfg ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = cfg
}

// SetSandbox wires a SandboxRunner; tools whose RequiresSandbox() is true
// dispatch through it instead of calling Execute directly.
func (e *Executor) SetSandbox(sandbox SandboxRunner) { e.sandbox = sandbox }

// SetApproval wires an approval Checker (Supplemented Feature 4).
func (e *Executor) SetApproval(checker *Checker) { e.approval = checker }

// SetJobStore wires a JobStore so AsyncTools can be dispatched
// fire-and-forget (Supplemented Feature 5).
func (e *Executor) SetJobStore(store JobStore) { e.jobs = store }

// SetObserver wires a per-execution telemetry Observer.
func (e *Executor) SetObserver(o Observer) { e.observer = o }

// Metrics returns a point-in-time snapshot of execution counters.
func (e *Executor) Metrics() ExecutorMetricsSnapshot { return e.metrics.snapshot() }

func (e *Executor) getToolConfig(name string) ToolConfig {
	e.mu.RLock()
	cfg, ok := e.toolConfig[name]
	e.mu.RUnlock()

	if !ok {
		cfg = ToolConfig{}
	}
	if cfg.Timeout <= 0 {
		if actor, found := e.registry.Get(name); found && actor.Timeout() > 0 {
			cfg.Timeout = actor.Timeout()
		} else {
			cfg.Timeout = e.config.DefaultTimeout
		}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = e.config.DefaultRetries
	}
	if cfg.RetryPolicy == (backoff.Policy{}) {
		cfg.RetryPolicy = e.config.RetryPolicy
	}
	return cfg
}

// ExecuteAll dispatches every call concurrently (bounded by
// ExecutorConfig.MaxConcurrency), preserving the input order in the
// returned slice. The prompt loop does not use it: it dispatches a round's
// tool_use calls one at a time through the per-agent Tool adapters.
func (e *Executor) ExecuteAll(ctx context.Context, agentID string, calls []envelope.ToolCall) []envelope.ExecutedToolCall {
	results := make([]envelope.ExecutedToolCall, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		i, call := i, call
		go func() {
			defer wg.Done()
			results[i] = e.Execute(ctx, agentID, call)
		}()
	}
	wg.Wait()
	return results
}

// Execute dispatches one tool call per §4.4's five-step rule set.
func (e *Executor) Execute(ctx context.Context, agentID string, call envelope.ToolCall) envelope.ExecutedToolCall {
	start := time.Now()

	actor, ok := e.registry.Get(call.Name)
	if !ok {
		return executedError(call, NewError(ErrNotFound, call.Name, "tool not registered", nil))
	}

	if e.approval != nil {
		decision, reason := e.approval.Check(ctx, agentID, call.Name)
		switch decision {
		case Denied:
			return executedError(call, NewError(ErrValidation, call.Name, "approval denied: "+reason, nil))
		case Pending:
			_ = e.approval.RequestApproval(ctx, &Request{ID: newJobID(), ToolCallID: call.ID, ToolName: call.Name, AgentID: agentID, Reason: reason})
			return executedError(call, NewError(ErrValidation, call.Name, "awaiting human approval", nil))
		}
	}

	if err := e.registry.ValidateArgs(call.Name, call.Arguments); err != nil {
		return executedError(call, err)
	}

	if e.jobs != nil && isAsyncTool(e.config.AsyncTools, call.Name) {
		return e.queueAsyncJob(ctx, actor, call)
	}

	cfg := e.getToolConfig(call.Name)

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	result, rr := retry.DoWithValue(ctx, retry.Config{MaxAttempts: cfg.Retries, Policy: cfg.RetryPolicy}, func(attempt int) (string, error) {
		return e.executeWithTimeout(ctx, actor, call.Arguments, cfg.Timeout)
	})

	timedOut := rr.Err != nil && IsType(rr.Err, ErrTimeout)
	elapsed := time.Since(start)
	e.metrics.record(rr.Err == nil, timedOut, rr.Attempts, elapsed)

	if e.observer != nil {
		status := "success"
		switch {
		case timedOut:
			status = "timeout"
		case rr.Err != nil:
			status = "error"
		}
		e.observer.ObserveToolExecution(call.Name, status, elapsed)
	}

	if rr.Err != nil {
		return executedError(call, rr.Err)
	}
	return envelope.ExecutedToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: result}
}

func (e *Executor) queueAsyncJob(ctx context.Context, actor Actor, call envelope.ToolCall) envelope.ExecutedToolCall {
	job := &Job{ID: newJobID(), ToolName: call.Name, ToolCallID: call.ID, Status: JobQueued, CreatedAt: time.Now()}
	if err := e.jobs.Create(ctx, job); err != nil {
		return executedError(call, NewError(ErrExecution, call.Name, "failed to queue async job: "+err.Error(), err))
	}

	go e.runAsyncJob(actor, call, job)

	payload, err := json.Marshal(map[string]string{"job_id": job.ID, "status": string(job.Status)})
	if err != nil {
		return executedError(call, NewError(ErrExecution, call.Name, "failed to encode job payload", err))
	}
	return envelope.ExecutedToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: string(payload)}
}

func (e *Executor) runAsyncJob(actor Actor, call envelope.ToolCall, job *Job) {
	ctx := context.Background()
	job.Status = JobRunning
	job.StartedAt = time.Now()
	_ = e.jobs.Update(ctx, job)

	cfg := e.getToolConfig(call.Name)
	result, err := e.executeWithTimeout(ctx, actor, call.Arguments, cfg.Timeout)
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobSucceeded
		job.Result = result
	}
	_ = e.jobs.Update(ctx, job)
}

// executeWithTimeout runs actor.Execute (or, if the tool requires
// sandboxing and a SandboxRunner is wired, dispatches through it instead)
// under a bounded context, recovering a panicking tool so it surfaces as an
// Execution error rather than crashing the executor goroutine.
func (e *Executor) executeWithTimeout(ctx context.Context, actor Actor, args json.RawMessage, timeout time.Duration) (result string, execErr error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewError(ErrExecution, actor.Name(), fmt.Sprintf("tool panicked: %v", r), nil)}
			}
		}()

		if actor.RequiresSandbox() && e.sandbox != nil {
			res, err := e.sandbox.Run(runCtx, actor.Name(), args, timeout)
			done <- outcome{result: res, err: wrapSandboxErr(actor.Name(), err)}
			return
		}

		res, err := actor.Execute(runCtx, args)
		done <- outcome{result: res, err: wrapExecErr(actor.Name(), err)}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		return "", NewError(ErrTimeout, actor.Name(), "tool execution exceeded its timeout", runCtx.Err())
	}
}

func wrapExecErr(toolName string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return NewError(ErrExecution, toolName, err.Error(), err)
}

func wrapSandboxErr(toolName string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrSandbox, toolName, err.Error(), err)
}

func executedError(call envelope.ToolCall, err error) envelope.ExecutedToolCall {
	return envelope.ExecutedToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Err: err.Error()}
}
