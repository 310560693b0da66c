package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hensu-project/hensu-sub002/engine"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements WorkflowRepository and StateRepository on
// MySQL/MariaDB, for deployments with multiple server replicas sharing one
// state store.
//
// The DSN format is the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/hensu?parseTime=true
//
// Never hardcode credentials; read the DSN from configuration. The store
// creates its tables on first use and pools connections.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore creates a MySQL-backed store.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st := &MySQLStore{db: db}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			tenant_id   VARCHAR(128) NOT NULL,
			workflow_id VARCHAR(255) NOT NULL,
			version     VARCHAR(64)  NOT NULL,
			definition  LONGTEXT     NOT NULL,
			saved_at    DATETIME(6)  NOT NULL,
			PRIMARY KEY (tenant_id, workflow_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS execution_snapshots (
			tenant_id         VARCHAR(128) NOT NULL,
			execution_id      VARCHAR(255) NOT NULL,
			workflow_id       VARCHAR(255) NOT NULL,
			current_node_id   VARCHAR(255) NOT NULL,
			context           LONGTEXT     NOT NULL,
			history           LONGTEXT     NOT NULL,
			retries           TEXT,
			auto_backtracks   TEXT,
			rubric_evaluation TEXT,
			checkpoint_reason VARCHAR(32)  NOT NULL,
			saved_at          DATETIME(6)  NOT NULL,
			PRIMARY KEY (tenant_id, execution_id),
			KEY idx_snapshots_workflow (tenant_id, workflow_id, saved_at),
			KEY idx_snapshots_reason (tenant_id, checkpoint_reason),
			CONSTRAINT fk_snapshot_workflow
				FOREIGN KEY (tenant_id, workflow_id)
				REFERENCES workflows (tenant_id, workflow_id)
				ON DELETE CASCADE
		) ENGINE=InnoDB`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Save upserts a workflow definition.
func (s *MySQLStore) Save(ctx context.Context, tenantID string, wf *engine.Workflow) error {
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
		ON DUPLICATE KEY UPDATE
			version = VALUES(version),
			definition = VALUES(definition),
			saved_at = VALUES(saved_at)`,
		tenantID, wf.ID, wf.Version, string(definition), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// FindByID returns the stored definition, or ErrNotFound.
func (s *MySQLStore) FindByID(ctx context.Context, tenantID, workflowID string) (*engine.Workflow, error) {
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
func (s *MySQLStore) FindAll(ctx context.Context, tenantID string) ([]*engine.Workflow, error) {
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
func (s *MySQLStore) Exists(ctx context.Context, tenantID, workflowID string) (bool, error) {
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
func (s *MySQLStore) Delete(ctx context.Context, tenantID, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE tenant_id = ? AND workflow_id = ?`,
		tenantID, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// DeleteAllForTenant removes every definition for the tenant; snapshots
// cascade.
func (s *MySQLStore) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant workflows: %w", err)
	}
	return nil
}

// Count returns the number of definitions for the tenant.
func (s *MySQLStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workflows: %w", err)
	}
	return n, nil
}

// States returns the StateRepository view of this store.
func (s *MySQLStore) States() StateRepository {
	return &mysqlStateRepo{db: s.db}
}

type mysqlStateRepo struct {
	db *sql.DB
}

// Save upserts the snapshot keyed by execution ID.
func (r *mysqlStateRepo) Save(ctx context.Context, tenantID string, snap engine.Snapshot) error {
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
		ON DUPLICATE KEY UPDATE
			workflow_id = VALUES(workflow_id),
			current_node_id = VALUES(current_node_id),
			context = VALUES(context),
			history = VALUES(history),
			retries = VALUES(retries),
			auto_backtracks = VALUES(auto_backtracks),
			rubric_evaluation = VALUES(rubric_evaluation),
			checkpoint_reason = VALUES(checkpoint_reason),
			saved_at = VALUES(saved_at)`,
		tenantID, snap.ExecutionID, snap.WorkflowID, snap.CurrentNode,
		cols.context, cols.history, cols.retries, cols.autoBacktracks,
		cols.rubric, string(snap.Reason), snap.SavedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// FindByExecutionID returns the snapshot, or ErrNotFound.
func (r *mysqlStateRepo) FindByExecutionID(ctx context.Context, tenantID, executionID string) (engine.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       retries, auto_backtracks, rubric_evaluation, checkpoint_reason, saved_at
		FROM execution_snapshots
		WHERE tenant_id = ? AND execution_id = ?`,
		tenantID, executionID)
	snap, err := scanMySQLSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// FindByWorkflowID returns snapshots chronological by save time.
func (r *mysqlStateRepo) FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]engine.Snapshot, error) {
	return r.query(ctx, `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       retries, auto_backtracks, rubric_evaluation, checkpoint_reason, saved_at
		FROM execution_snapshots
		WHERE tenant_id = ? AND workflow_id = ?
		ORDER BY saved_at`,
		tenantID, workflowID)
}

// FindPaused returns paused snapshots chronological by save time.
func (r *mysqlStateRepo) FindPaused(ctx context.Context, tenantID string) ([]engine.Snapshot, error) {
	return r.query(ctx, `
		SELECT execution_id, workflow_id, current_node_id, context, history,
		       retries, auto_backtracks, rubric_evaluation, checkpoint_reason, saved_at
		FROM execution_snapshots
		WHERE tenant_id = ? AND checkpoint_reason = 'paused'
		ORDER BY saved_at`,
		tenantID)
}

// DeleteAllForTenant removes every snapshot for the tenant.
func (r *mysqlStateRepo) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM execution_snapshots WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant snapshots: %w", err)
	}
	return nil
}

func (r *mysqlStateRepo) query(ctx context.Context, q string, args ...any) ([]engine.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Snapshot
	for rows.Next() {
		snap, err := scanMySQLSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// scanMySQLSnapshot differs from the SQLite scanner only in the saved_at
// column type: the driver returns time.Time when the DSN sets parseTime.
func scanMySQLSnapshot(row rowScanner) (engine.Snapshot, error) {
	var (
		snap    engine.Snapshot
		ctxJSON string
		history string
		retries sql.NullString
		auto    sql.NullString
		rubric  sql.NullString
		reason  string
		savedAt time.Time
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
	snap.SavedAt = savedAt
	return snap, nil
}
