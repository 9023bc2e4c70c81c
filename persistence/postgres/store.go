// Package postgres implements the optional shared-store mirror named by
// spec.md §6 Persistence: workflow state, conversation history, and key
// counters mirrored to a durable store when enabled. In-memory operation
// (no Store at all) remains fully functional — every field this package
// persists is already held live in taskgraph.WorkflowState, the Router's
// conversation store, and keymanager.Manager; this package only snapshots
// it for crash recovery and cross-process observability.
//
// Rows are a thin JSONB mirror keyed by id rather than a normalized
// relational schema — the store's job is "write it somewhere durable", not
// to be queried directly, matching spec.md's "shared key-value store"
// framing for this layer.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store mirrors orchestrator/router/key-manager state to Postgres. It is
// safe for concurrent use; callers open db (e.g. via
// github.com/jackc/pgx/v5/stdlib) and pass it in. The upsert/point-lookup
// methods stay on plain database/sql since their queries are single-row and
// single-column; ListRecentWorkflowSnapshots uses sqlx's struct scanning
// because it returns a set of mixed-column rows.
type Store struct {
	db *sql.DB
	sx *sqlx.DB
}

// New wraps an already-opened *sql.DB. Call Migrate once before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db, sx: sqlx.NewDb(db, "postgres")}
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_snapshots (
	workflow_id TEXT PRIMARY KEY,
	snapshot    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_turns (
	conv_id  TEXT PRIMARY KEY,
	turns    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS key_counters (
	key_id       TEXT PRIMARY KEY,
	counters     JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the mirror tables if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// SaveWorkflowSnapshot upserts workflow's current status snapshot, keyed by
// workflow id. snapshot is any JSON-marshalable value — cmd/tradingagentd
// passes the iterloop.IterationReport of a finished run.
func (s *Store) SaveWorkflowSnapshot(ctx context.Context, workflowID string, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("postgres: marshal workflow snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_snapshots (workflow_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (workflow_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		workflowID, payload)
	if err != nil {
		return fmt.Errorf("postgres: save workflow snapshot: %w", err)
	}
	return nil
}

// LoadWorkflowSnapshot decodes the most recently saved snapshot for
// workflowID into out (a pointer), returning sql.ErrNoRows if none exists.
func (s *Store) LoadWorkflowSnapshot(ctx context.Context, workflowID string, out any) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM workflow_snapshots WHERE workflow_id = $1`, workflowID).Scan(&payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("postgres: unmarshal workflow snapshot: %w", err)
	}
	return nil
}

// SaveConversationTurns upserts the current turn history for convID.
func (s *Store) SaveConversationTurns(ctx context.Context, convID string, turns any) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("postgres: marshal conversation turns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (conv_id, turns, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conv_id) DO UPDATE SET turns = EXCLUDED.turns, updated_at = now()`,
		convID, payload)
	if err != nil {
		return fmt.Errorf("postgres: save conversation turns: %w", err)
	}
	return nil
}

// LoadConversationTurns decodes convID's saved turn history into out.
func (s *Store) LoadConversationTurns(ctx context.Context, convID string, out any) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT turns FROM conversation_turns WHERE conv_id = $1`, convID).Scan(&payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("postgres: unmarshal conversation turns: %w", err)
	}
	return nil
}

// SaveKeyCounters upserts the Key Manager's health/counter snapshot for
// keyID.
func (s *Store) SaveKeyCounters(ctx context.Context, keyID string, counters any) error {
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("postgres: marshal key counters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO key_counters (key_id, counters, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key_id) DO UPDATE SET counters = EXCLUDED.counters, updated_at = now()`,
		keyID, payload)
	if err != nil {
		return fmt.Errorf("postgres: save key counters: %w", err)
	}
	return nil
}

// LoadKeyCounters decodes keyID's saved counter snapshot into out.
func (s *Store) LoadKeyCounters(ctx context.Context, keyID string, out any) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT counters FROM key_counters WHERE key_id = $1`, keyID).Scan(&payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("postgres: unmarshal key counters: %w", err)
	}
	return nil
}

// WorkflowSnapshotRow is one row of ListRecentWorkflowSnapshots' result: the
// raw JSONB payload plus the metadata columns sqlx scans directly into the
// struct by db tag, without a per-column Scan call.
type WorkflowSnapshotRow struct {
	WorkflowID string    `db:"workflow_id"`
	Snapshot   []byte    `db:"snapshot"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// ListRecentWorkflowSnapshots returns up to limit of the most recently
// updated workflow snapshots, newest first — the query an ops dashboard
// would run to see what the engine has been doing lately.
func (s *Store) ListRecentWorkflowSnapshots(ctx context.Context, limit int) ([]WorkflowSnapshotRow, error) {
	var rows []WorkflowSnapshotRow
	err := s.sx.SelectContext(ctx, &rows,
		`SELECT workflow_id, snapshot, updated_at FROM workflow_snapshots ORDER BY updated_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent workflow snapshots: %w", err)
	}
	return rows, nil
}
