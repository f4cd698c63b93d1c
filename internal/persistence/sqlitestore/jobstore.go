package sqlitestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/relaykit/agentcore/internal/persistence"
	"github.com/relaykit/agentcore/internal/tools"
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS tool_jobs (
	id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME,
	result TEXT,
	error TEXT
);
`

// JobStore persists tools.Job rows, giving async tool executions (Supplemented
// Feature 5) durability across a runtime restart. Grounded on the teacher's
// internal/jobs.CockroachStore Create/Update shape, adapted from lib/pq's
// $N placeholders to SQLite's ?.
type JobStore struct {
	db *sql.DB
}

// NewJobStore wraps an already-open *sql.DB (typically Store.db via
// OpenJobStore) and ensures the tool_jobs table exists.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if _, err := db.Exec(jobSchema); err != nil {
		return nil, persistence.NewError(persistence.ErrSchemaInit, "run tool_jobs schema migration", err)
	}
	return &JobStore{db: db}, nil
}

var _ tools.JobStore = (*JobStore)(nil)

func (s *JobStore) Create(ctx context.Context, job *tools.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_jobs (id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ToolName, job.ToolCallID, string(job.Status),
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
		nullableString(job.Result), nullableString(job.Error),
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "create tool job", err)
	}
	return nil
}

func (s *JobStore) Update(ctx context.Context, job *tools.Job) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_jobs SET status = ?, started_at = ?, finished_at = ?, result = ?, error = ? WHERE id = ?`,
		string(job.Status), nullTime(job.StartedAt), nullTime(job.FinishedAt),
		nullableString(job.Result), nullableString(job.Error), job.ID,
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "update tool job", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*tools.Job, error) {
	var job tools.Job
	var status string
	var startedAt, finishedAt sql.NullTime
	var result, errMsg sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error
		 FROM tool_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.ToolName, &job.ToolCallID, &status, &job.CreatedAt, &startedAt, &finishedAt, &result, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "get tool job", err)
	}

	job.Status = tools.JobStatus(status)
	job.StartedAt = startedAt.Time
	job.FinishedAt = finishedAt.Time
	job.Result = result.String
	job.Error = errMsg.String
	return &job, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
