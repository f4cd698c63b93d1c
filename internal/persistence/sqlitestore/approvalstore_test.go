package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/tools"
)

func setupMockApprovalStore(t *testing.T) (sqlmock.Sqlmock, *ApprovalStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS approval_requests").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewApprovalStore(db)
	require.NoError(t, err)
	return mock, store
}

func TestApprovalStoreCreateInsertsRow(t *testing.T) {
	mock, s := setupMockApprovalStore(t)
	now := time.Now()
	req := &tools.Request{ID: "r1", ToolCallID: "c1", ToolName: "delete_file", AgentID: "a1",
		Reason: "destructive", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute), Decision: tools.Pending}

	mock.ExpectExec("INSERT INTO approval_requests").
		WithArgs(req.ID, req.ToolCallID, req.ToolName, req.AgentID, req.Reason,
			sqlmock.AnyArg(), sqlmock.AnyArg(), string(req.Decision), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalStoreGetReturnsNilWhenMissing(t *testing.T) {
	mock, s := setupMockApprovalStore(t)

	mock.ExpectQuery("SELECT id, tool_call_id, tool_name, agent_id, reason, created_at, expires_at, decision, decided_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tool_call_id", "tool_name", "agent_id", "reason", "created_at", "expires_at", "decision", "decided_at"}))

	req, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestApprovalStoreListPendingFiltersByAgent(t *testing.T) {
	mock, s := setupMockApprovalStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "tool_call_id", "tool_name", "agent_id", "reason", "created_at", "expires_at", "decision", "decided_at"}).
		AddRow("r1", "c1", "delete_file", "a1", "destructive", now, now.Add(time.Minute), string(tools.Pending), nil)

	mock.ExpectQuery("SELECT id, tool_call_id, tool_name, agent_id, reason, created_at, expires_at, decision, decided_at").
		WithArgs(string(tools.Pending), "a1").
		WillReturnRows(rows)

	reqs, err := s.ListPending(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "delete_file", reqs[0].ToolName)
}

func TestApprovalStoreUpdateSetsDecision(t *testing.T) {
	mock, s := setupMockApprovalStore(t)
	req := &tools.Request{ID: "r1", Decision: tools.Allowed, DecidedAt: time.Now()}

	mock.ExpectExec("UPDATE approval_requests SET").
		WithArgs(string(req.Decision), sqlmock.AnyArg(), req.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Update(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}
