// Package sqlitestore persists conversations, messages, and serialized
// agent state to an embedded SQLite database (§6's persisted layout),
// using modernc.org/sqlite — a pure-Go driver, so the guest compiler's own
// cgo-free toolchain requirement isn't compromised by the storage layer.
//
// Grounded on the teacher's internal/jobs.CockroachStore for the
// open/configure/schema-init/prepared-statement shape, swapped from
// lib/pq's Postgres placeholders ($1, $2, ...) to SQLite's (?), and from a
// hand-run migration to an idempotent CREATE TABLE IF NOT EXISTS run once
// at construction.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls_json TEXT,
	tool_call_id TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS agent_state (
	agent_id TEXT PRIMARY KEY,
	serialized_state BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Store persists the §6 conversation/message/agent-state tables.
type Store struct {
	db *sql.DB
}

// Config tunes the underlying *sql.DB's connection pool.
type Config struct {
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig mirrors the teacher's DefaultCockroachConfig pool sizing,
// scaled down for an embedded single-file database.
func DefaultConfig() Config {
	return Config{MaxOpenConns: 4, MaxIdleConns: 4}
}

// Open opens (creating if absent) the SQLite database at path and runs the
// schema migration. Pass ":memory:" for an ephemeral in-process database.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg = DefaultConfig()
	}

	db, err := sql.Open("sqlite", foreignKeyDSN(path))
	if err != nil {
		return nil, persistence.NewError(persistence.ErrDBOpen, "open sqlite database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return persistence.NewError(persistence.ErrSchemaInit, "run schema migration", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB so sibling stores (JobStore,
// ApprovalStore) can share its connection pool and schema lifetime instead
// of opening a second handle to the same file.
func (s *Store) DB() *sql.DB { return s.db }

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, id, agentID ids.ID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, created_at) VALUES (?, ?, ?)`,
		id.String(), agentID.String(), time.Now().UTC(),
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "create conversation", err)
	}
	return nil
}

// DeleteConversation removes a conversation and, via ON DELETE CASCADE, all
// of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id ids.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id.String())
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "delete conversation", err)
	}
	return nil
}

// AppendMessage inserts one message row, preserving insertion order via
// created_at. msg.ToolCalls is stored as a JSON array; empty/nil serializes
// to NULL rather than "[]" so ListMessages can round-trip nil correctly.
func (s *Store) AppendMessage(ctx context.Context, id, conversationID ids.ID, msg envelope.Message) error {
	var toolCallsJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return persistence.NewError(persistence.ErrSerialization, "marshal tool_calls", err)
		}
		toolCallsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls_json, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), conversationID.String(), string(msg.Role), msg.Content,
		toolCallsJSON, nullableString(msg.ToolCallID), time.Now().UTC(),
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "append message", err)
	}
	return nil
}

// ListMessages returns every message for conversationID in creation order.
func (s *Store) ListMessages(ctx context.Context, conversationID ids.ID) ([]envelope.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_calls_json, tool_call_id FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID.String(),
	)
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "list messages", err)
	}
	defer rows.Close()

	var out []envelope.Message
	for rows.Next() {
		var role, content string
		var toolCallsJSON, toolCallID sql.NullString
		if err := rows.Scan(&role, &content, &toolCallsJSON, &toolCallID); err != nil {
			return nil, persistence.NewError(persistence.ErrDeserialization, "scan message row", err)
		}

		msg := envelope.Message{Role: envelope.Role(role), Content: content, ToolCallID: toolCallID.String}
		if toolCallsJSON.Valid {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, persistence.NewError(persistence.ErrDeserialization, "unmarshal tool_calls", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "iterate message rows", err)
	}
	return out, nil
}

// SaveAgentState upserts agentID's serialized state blob.
func (s *Store) SaveAgentState(ctx context.Context, agentID ids.ID, serialized []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (agent_id, serialized_state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET serialized_state = excluded.serialized_state, updated_at = excluded.updated_at`,
		agentID.String(), serialized, time.Now().UTC(),
	)
	if err != nil {
		return persistence.NewError(persistence.ErrQuery, "save agent state", err)
	}
	return nil
}

// LoadAgentState returns agentID's last-saved state blob, or a not-found
// persistence.Error if none exists.
func (s *Store) LoadAgentState(ctx context.Context, agentID ids.ID) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT serialized_state FROM agent_state WHERE agent_id = ?`, agentID.String(),
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, persistence.NewError(persistence.ErrNotFound, fmt.Sprintf("no state for agent %s", agentID), nil)
	}
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "load agent state", err)
	}
	return blob, nil
}

// foreignKeyDSN appends modernc.org/sqlite's per-connection pragma query
// parameter to path, so every pooled connection enables foreign keys
// rather than just whichever connection happened to run a one-off
// PRAGMA Exec. Without this, DeleteConversation's ON DELETE CASCADE
// silently no-ops on any connection the pragma was never set on.
func foreignKeyDSN(path string) string {
	if path == ":memory:" {
		// A bare ":memory:" gives each pooled connection its own distinct
		// database; "cache=shared" keeps them pointed at the same one so
		// the connection pool doesn't fragment an ephemeral database too.
		return "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)"
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
