package sqlitestore

import (
	"context"
	"database/sql"

	"github.com/relaykit/agentcore/internal/persistence"
	"github.com/relaykit/agentcore/internal/tools"
)

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	tool_call_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	reason TEXT,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	decision TEXT NOT NULL,
	decided_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_agent_decision ON approval_requests(agent_id, decision);
`

// ApprovalStore persists tools.Request rows (Supplemented Feature 4), giving
// pending human-in-the-loop approvals durability across a runtime restart.
// Grounded on the same CockroachStore shape as JobStore.
type ApprovalStore struct {
	db *sql.DB
}

// NewApprovalStore wraps an already-open *sql.DB and ensures the
// approval_requests table exists.
func NewApprovalStore(db *sql.DB) (*ApprovalStore, error) {
	if _, err := db.Exec(approvalSchema); err != nil {
		return nil, persistence.NewError(persistence.ErrSchemaInit, "run approval_requests schema migration", err)
	}
	return &ApprovalStore{db: db}, nil
}

var _ tools.Store = (*ApprovalStore)(nil)

func (s *ApprovalStore) Create(ctx context.Context, req *tools.Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, tool_call_id, tool_name, agent_id, reason, created_at, expires_at, decision, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ToolCallID, req.ToolName, req.AgentID, nullableString(req.Reason),
		req.CreatedAt, req.ExpiresAt, string(req.Decision), nullTime(req.DecidedAt),
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "create approval request", err)
	}
	return nil
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (*tools.Request, error) {
	req, err := scanApprovalRow(s.db.QueryRowContext(ctx,
		`SELECT id, tool_call_id, tool_name, agent_id, reason, created_at, expires_at, decision, decided_at
		 FROM approval_requests WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "get approval request", err)
	}
	return req, nil
}

func (s *ApprovalStore) Update(ctx context.Context, req *tools.Request) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET decision = ?, decided_at = ? WHERE id = ?`,
		string(req.Decision), nullTime(req.DecidedAt), req.ID,
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "update approval request", err)
	}
	return nil
}

func (s *ApprovalStore) ListPending(ctx context.Context, agentID string) ([]*tools.Request, error) {
	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, tool_call_id, tool_name, agent_id, reason, created_at, expires_at, decision, decided_at
			 FROM approval_requests WHERE decision = ?`, string(tools.Pending),
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, tool_call_id, tool_name, agent_id, reason, created_at, expires_at, decision, decided_at
			 FROM approval_requests WHERE decision = ? AND agent_id = ?`, string(tools.Pending), agentID,
		)
	}
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "list pending approval requests", err)
	}
	defer rows.Close()

	var out []*tools.Request
	for rows.Next() {
		req, err := scanApprovalRow(rows)
		if err != nil {
			return nil, persistence.NewError(persistence.ErrDeserialization, "scan approval request row", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "iterate approval request rows", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApprovalRow(row rowScanner) (*tools.Request, error) {
	var req tools.Request
	var reason sql.NullString
	var decision string
	var decidedAt sql.NullTime

	err := row.Scan(&req.ID, &req.ToolCallID, &req.ToolName, &req.AgentID, &reason,
		&req.CreatedAt, &req.ExpiresAt, &decision, &decidedAt)
	if err != nil {
		return nil, err
	}
	req.Reason = reason.String
	req.Decision = tools.Decision(decision)
	req.DecidedAt = decidedAt.Time
	return &req, nil
}
