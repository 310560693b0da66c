package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hensu-project/hensu-sub002/engine"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements WorkflowRepository and StateRepository on a
// single-file SQLite database.
//
// Designed for single-replica deployments and development with zero setup.
// WAL mode is enabled so readers do not block behind the single writer, and
// foreign keys are enforced so snapshot rows cannot outlive their workflow
// definition.
//
// Schema:
//   - workflows:           definitions keyed by (tenant_id, workflow_id)
//   - execution_snapshots: at most one row per (tenant_id, execution_id),
//     foreign-keyed to workflows
//
// Example:
//
//	st, err := store.NewSQLiteStore("./hensu.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	st := &SQLiteStore{db: db}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// SQLiteStore is the SQLite-backed repository pair. See NewSQLiteStore.
type SQLiteStore struct {
	db *sql.DB
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	tenant_id   TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	version     TEXT NOT NULL,
	definition  TEXT NOT NULL,
	saved_at    TEXT NOT NULL,
	PRIMARY KEY (tenant_id, workflow_id)
);

CREATE TABLE IF NOT EXISTS execution_snapshots (
	tenant_id         TEXT NOT NULL,
	execution_id      TEXT NOT NULL,
	workflow_id       TEXT NOT NULL,
	current_node_id   TEXT NOT NULL,
	context           TEXT NOT NULL,
	history           TEXT NOT NULL,
	retries           TEXT,
	auto_backtracks   TEXT,
	rubric_evaluation TEXT,
	checkpoint_reason TEXT NOT NULL,
	saved_at          TEXT NOT NULL,
	PRIMARY KEY (tenant_id, execution_id),
	FOREIGN KEY (tenant_id, workflow_id)
		REFERENCES workflows(tenant_id, workflow_id)
		ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_snapshots_workflow
	ON execution_snapshots(tenant_id, workflow_id, saved_at);

CREATE INDEX IF NOT EXISTS idx_snapshots_reason
	ON execution_snapshots(tenant_id, checkpoint_reason);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts a workflow definition.
func (s *SQLiteStore) Save(ctx context.Context, tenantID string, wf *engine.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, workflow_id, version, definition, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, workflow_id) DO UPDATE SET
			version = excluded.version,
			definition = excluded.definition,
			saved_at = excluded.saved_at`,
		tenantID, wf.ID, wf.Version, string(definition), now())
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// FindByID returns the stored definition, or ErrNotFound.
func (s *SQLiteStore) FindByID(ctx context.Context, tenantID, workflowID string) (*engine.Workflow, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = ? AND workflow_id = ?`,
		tenantID, workflowID).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return unmarshalWorkflow([]byte(definition))
}

// FindAll returns every definition for the tenant, ordered by workflow ID.
func (s *SQLiteStore) FindAll(ctx context.Context, tenantID string) ([]*engine.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = ? ORDER BY workflow_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*engine.Workflow
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wf, err := unmarshalWorkflow([]byte(definition))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Exists reports whether the tenant has the definition.
func (s *SQLiteStore) Exists(ctx context.Context, tenantID, workflowID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflows WHERE tenant_id = ? AND workflow_id = ?`,
		tenantID, workflowID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query workflow existence: %w", err)
	}
	return true, nil
}

// Delete removes a definition; dependent snapshots cascade.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE tenant_id = ? AND workflow_id = ?`,
		tenantID, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// DeleteAllForTenant removes every definition for the tenant; snapshot rows
// cascade with their workflows.
func (s *SQLiteStore) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant workflows: %w", err)
	}
	return nil
}

// Count returns the number of definitions for the tenant.
func (s *SQLiteStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workflows: %w", err)
	}
	return n, nil
}

// States returns the StateRepository view of this store.
func (s *SQLiteStore) States() StateRepository {
	return &sqliteStateRepo{db: s.db}
}

type sqliteStateRepo struct {
	db *sql.DB
}

// Save upserts the snapshot keyed by execution ID.
func (r *sqliteStateRepo) Save(ctx context.Context, tenantID string, snap engine.Snapshot) error {
	cols, err := snapshotColumns(snap)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_snapshots
			(tenant_id, execution_id, workflow_id, current_node_id,
			 context, history, retries, auto_backtracks,
			 rubric_evaluation, checkpoint_reason, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			current_node_id = excluded.current_node_id,
			context = excluded.context,
			history = excluded.history,
			retries = excluded.retries,
			auto_backtracks = excluded.auto_backtracks,
			rubric_evaluation = excluded.rubric_evaluation,
			checkpoint_reason = excluded.checkpoint_reason,
			saved_at = excluded.saved_at`,
		tenantID, snap.ExecutionID, snap.WorkflowID, snap.CurrentNode,
		cols.context, cols.history, cols.retries, cols.autoBacktracks,
		cols.rubric, string(snap.Reason), snap.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// FindByExecutionID returns the snapshot, or ErrNotFound.
func (r *sqliteStateRepo) FindByExecutionID(ctx context.Context, tenantID, executionID string) (engine.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       retries, auto_backtracks, rubric_evaluation, checkpoint_reason, saved_at
		FROM execution_snapshots
		WHERE tenant_id = ? AND execution_id = ?`,
		tenantID, executionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// FindByWorkflowID returns snapshots chronological by save time.
func (r *sqliteStateRepo) FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]engine.Snapshot, error) {
	return r.query(ctx, `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       retries, auto_backtracks, rubric_evaluation, checkpoint_reason, saved_at
		FROM execution_snapshots
		WHERE tenant_id = ? AND workflow_id = ?
		ORDER BY saved_at`,
		tenantID, workflowID)
}

// FindPaused returns paused snapshots chronological by save time.
func (r *sqliteStateRepo) FindPaused(ctx context.Context, tenantID string) ([]engine.Snapshot, error) {
	return r.query(ctx, `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       retries, auto_backtracks, rubric_evaluation, checkpoint_reason, saved_at
		FROM execution_snapshots
		WHERE tenant_id = ? AND checkpoint_reason = 'paused'
		ORDER BY saved_at`,
		tenantID)
}

// DeleteAllForTenant removes every snapshot for the tenant.
func (r *sqliteStateRepo) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM execution_snapshots WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant snapshots: %w", err)
	}
	return nil
}

func (r *sqliteStateRepo) query(ctx context.Context, q string, args ...any) ([]engine.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// snapshotCols holds the JSON-serialized snapshot fields shared by the SQL
// backends.
type snapshotCols struct {
	context        string
	history        string
	retries        sql.NullString
	autoBacktracks sql.NullString
	rubric         sql.NullString
}

func snapshotColumns(snap engine.Snapshot) (snapshotCols, error) {
	var cols snapshotCols
	ctxJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return cols, fmt.Errorf("marshal context: %w", err)
	}
	histJSON, err := json.Marshal(snap.History)
	if err != nil {
		return cols, fmt.Errorf("marshal history: %w", err)
	}
	cols.context = string(ctxJSON)
	cols.history = string(histJSON)
	if len(snap.Retries) > 0 {
		data, err := json.Marshal(snap.Retries)
		if err != nil {
			return cols, fmt.Errorf("marshal retries: %w", err)
		}
		cols.retries = sql.NullString{String: string(data), Valid: true}
	}
	if len(snap.AutoBacktracks) > 0 {
		data, err := json.Marshal(snap.AutoBacktracks)
		if err != nil {
			return cols, fmt.Errorf("marshal backtrack counters: %w", err)
		}
		cols.autoBacktracks = sql.NullString{String: string(data), Valid: true}
	}
	if snap.Rubric != nil {
		data, err := json.Marshal(snap.Rubric)
		if err != nil {
			return cols, fmt.Errorf("marshal rubric evaluation: %w", err)
		}
		cols.rubric = sql.NullString{String: string(data), Valid: true}
	}
	return cols, nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (engine.Snapshot, error) {
	var (
		snap    engine.Snapshot
		ctxJSON string
		history string
		retries sql.NullString
		auto    sql.NullString
		rubric  sql.NullString
		reason  string
		savedAt string
	)
	if err := row.Scan(&snap.ExecutionID, &snap.WorkflowID, &snap.CurrentNode,
		&ctxJSON, &history, &retries, &auto, &rubric, &reason, &savedAt); err != nil {
		return engine.Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(ctxJSON), &snap.Context); err != nil {
		return engine.Snapshot{}, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &snap.History); err != nil {
		return engine.Snapshot{}, fmt.Errorf("unmarshal history: %w", err)
	}
	if retries.Valid {
		if err := json.Unmarshal([]byte(retries.String), &snap.Retries); err != nil {
			return engine.Snapshot{}, fmt.Errorf("unmarshal retries: %w", err)
		}
	}
	if auto.Valid {
		if err := json.Unmarshal([]byte(auto.String), &snap.AutoBacktracks); err != nil {
			return engine.Snapshot{}, fmt.Errorf("unmarshal backtrack counters: %w", err)
		}
	}
	if rubric.Valid {
		snap.Rubric = &engine.RubricEvaluation{}
		if err := json.Unmarshal([]byte(rubric.String), snap.Rubric); err != nil {
			return engine.Snapshot{}, fmt.Errorf("unmarshal rubric evaluation: %w", err)
		}
	}
	snap.Reason = engine.CheckpointReason(reason)
	ts, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("parse saved_at: %w", err)
	}
	snap.SavedAt = ts
	return snap, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
