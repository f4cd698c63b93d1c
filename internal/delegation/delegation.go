// Package delegation implements DelegatedTask (§3): an agent-to-agent work
// handoff tracked through {pending, accepted, completed, failed} with the
// sole transitions pending→accepted→completed|failed or pending→failed
// (§8's delegated-task state-transition invariant).
//
// Grounded on internal/kernel's capability registry (FindCapable picks the
// target) and on internal/tools.Job's state-tracking shape (an in-memory
// map-of-structs-behind-a-mutex, Create/Update/Get), generalized from a
// single executor's async tool jobs to cross-agent task handoffs routed
// through the kernel's mailbox.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/kernel"
)

// State is a delegated task's lifecycle state (§3).
type State string

const (
	Pending   State = "pending"
	Accepted  State = "accepted"
	Completed State = "completed"
	Failed    State = "failed"
)

// Task is a DelegatedTask (§3).
type Task struct {
	ID          ids.ID
	DelegatedTo ids.ID
	TaskType    string
	State       State
	CreatedAt   time.Time
	Deadline    time.Time
	Result      string
	Error       string
}

// Payload is delivered to the target agent's mailbox via kernel.RouteMessage
// as a RoutedMessage.Payload, carrying the task id so the target's reply can
// be correlated back to this Task.
type Payload struct {
	TaskID   ids.ID
	TaskType string
	Input    any
}

var (
	ErrNoCapableAgent   = errors.New("delegation: no agent registered for capability")
	ErrTaskNotFound     = errors.New("delegation: task not found")
	ErrInvalidTransition = errors.New("delegation: invalid state transition")
)

// Tracker delegates tasks to capable agents and tracks their lifecycle.
type Tracker struct {
	kernel *kernel.Kernel

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTracker constructs a Tracker bound to k's capability registry and
// mailbox routing.
func NewTracker(k *kernel.Kernel) *Tracker {
	return &Tracker{kernel: k, tasks: make(map[string]*Task)}
}

// Delegate finds an agent registered for capability, routes a Payload to its
// mailbox, and records a new Task in state Pending. Returns ErrNoCapableAgent
// if no agent holds the capability.
func (t *Tracker) Delegate(ctx context.Context, from ids.ID, capability, taskType string, input any, deadline time.Time) (*Task, error) {
	target, ok := t.kernel.FindCapable(capability)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCapableAgent, capability)
	}

	task := &Task{
		ID:          ids.NewTask(),
		DelegatedTo: target,
		TaskType:    taskType,
		State:       Pending,
		CreatedAt:   time.Now(),
		Deadline:    deadline,
	}

	t.mu.Lock()
	t.tasks[task.ID.String()] = cloneTask(task)
	t.mu.Unlock()

	err := t.kernel.RouteMessage(ctx, kernel.RoutedMessage{
		From:    from,
		To:      target,
		Payload: Payload{TaskID: task.ID, TaskType: taskType, Input: input},
	})
	if err != nil {
		// Routing failure means no agent ever saw the task: it never
		// transitioned out of pending, so move straight to failed per the
		// pending→failed transition.
		_ = t.Fail(task.ID, err.Error())
		return nil, err
	}

	return cloneTask(task), nil
}

// Accept transitions a task from pending to accepted. The target agent calls
// this once it has taken ownership of the work.
func (t *Tracker) Accept(taskID ids.ID) error {
	return t.transition(taskID, func(task *Task) error {
		if task.State != Pending {
			return fmt.Errorf("%w: accept from state %s", ErrInvalidTransition, task.State)
		}
		task.State = Accepted
		return nil
	})
}

// Complete transitions a task from accepted to completed, recording result.
func (t *Tracker) Complete(taskID ids.ID, result string) error {
	return t.transition(taskID, func(task *Task) error {
		if task.State != Accepted {
			return fmt.Errorf("%w: complete from state %s", ErrInvalidTransition, task.State)
		}
		task.State = Completed
		task.Result = result
		return nil
	})
}

// Fail transitions a task to failed from either pending or accepted,
// recording errMsg.
func (t *Tracker) Fail(taskID ids.ID, errMsg string) error {
	return t.transition(taskID, func(task *Task) error {
		if task.State != Pending && task.State != Accepted {
			return fmt.Errorf("%w: fail from state %s", ErrInvalidTransition, task.State)
		}
		task.State = Failed
		task.Error = errMsg
		return nil
	})
}

// Get returns a copy of the task's current state.
func (t *Tracker) Get(taskID ids.ID) (*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return cloneTask(task), nil
}

func (t *Tracker) transition(taskID ids.ID, mutate func(*Task) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return mutate(task)
}

func cloneTask(task *Task) *Task {
	cp := *task
	return &cp
}
