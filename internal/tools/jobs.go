package tools

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job tracks one async tool execution (Supplemented Feature 5), grounded on
// the teacher's jobs.Job. A tool opted into async execution returns this
// job's ID immediately instead of blocking the prompt-loop round.
type Job struct {
	ID         string
	ToolName   string
	ToolCallID string
	Status     JobStatus
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Result     string
	Error      string
}

// JobStore persists job state transitions. internal/persistence provides a
// durable implementation; the default here is in-memory.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu   sync.Mutex
	byID map[string]*Job
}

// NewMemoryJobStore constructs an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{byID: make(map[string]*Job)}
}

func (s *MemoryJobStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.byID[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.byID[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func isAsyncTool(patterns []string, name string) bool {
	for _, p := range patterns {
		if matched, _ := path.Match(p, name); matched {
			return true
		}
	}
	return false
}

func newJobID() string { return uuid.NewString() }
