package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/tools"
)

func setupMockJobStore(t *testing.T) (sqlmock.Sqlmock, *JobStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tool_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewJobStore(db)
	require.NoError(t, err)
	return mock, store
}

func TestJobStoreCreateInsertsRow(t *testing.T) {
	mock, s := setupMockJobStore(t)
	job := &tools.Job{ID: "job-1", ToolName: "web_search", ToolCallID: "c1", Status: tools.JobQueued, CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO tool_jobs").
		WithArgs(job.ID, job.ToolName, job.ToolCallID, string(job.Status), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateSetsTerminalFields(t *testing.T) {
	mock, s := setupMockJobStore(t)
	job := &tools.Job{ID: "job-1", Status: tools.JobSucceeded, FinishedAt: time.Now(), Result: `{"ok":true}`}

	mock.ExpectExec("UPDATE tool_jobs SET").
		WithArgs(string(job.Status), sqlmock.AnyArg(), sqlmock.AnyArg(), job.Result, sqlmock.AnyArg(), job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Update(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetReturnsNilWhenMissing(t *testing.T) {
	mock, s := setupMockJobStore(t)

	mock.ExpectQuery("SELECT id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	job, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobStoreGetWrapsQueryError(t *testing.T) {
	mock, s := setupMockJobStore(t)

	mock.ExpectQuery("SELECT id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error").
		WithArgs("job-1").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Get(context.Background(), "job-1")
	assert.Error(t, err)
}

func TestJobStoreGetScansRow(t *testing.T) {
	mock, s := setupMockJobStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "tool_name", "tool_call_id", "status", "created_at", "started_at", "finished_at", "result", "error"}).
		AddRow("job-1", "web_search", "c1", string(tools.JobSucceeded), now, now, now, `{"ok":true}`, nil)

	mock.ExpectQuery("SELECT id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, tools.JobSucceeded, job.Status)
	assert.Equal(t, `{"ok":true}`, job.Result)
}
