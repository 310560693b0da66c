// Package store provides tenant-scoped persistence for workflow definitions
// and execution snapshots.
//
// Two contracts are defined:
//
//   - WorkflowRepository holds immutable workflow definitions, upserted by
//     (tenant, workflow ID).
//   - StateRepository holds execution snapshots, at most one per execution
//     ID; each save replaces the prior snapshot.
//
// Implementations must be tenant-scoped on every operation, provide
// read-your-writes within a tenant, and be safe under concurrent callers.
// Backends: in-memory (testing, single process), SQLite (zero-setup
// persistence), MySQL (shared replicas).
package store

import (
	"context"
	"errors"

	"github.com/hensu-project/hensu-sub002/engine"
)

// ErrNotFound is returned when a requested workflow or execution snapshot
// does not exist for the tenant.
var ErrNotFound = errors.New("not found")

// WorkflowRepository persists immutable workflow definitions per tenant.
type WorkflowRepository interface {
	// Save upserts a workflow definition. Saving is idempotent: saving
	// the same definition twice leaves one copy.
	Save(ctx context.Context, tenantID string, wf *engine.Workflow) error

	// FindByID returns the definition, or ErrNotFound.
	FindByID(ctx context.Context, tenantID, workflowID string) (*engine.Workflow, error)

	// FindAll returns every definition stored for the tenant.
	FindAll(ctx context.Context, tenantID string) ([]*engine.Workflow, error)

	// Exists reports whether a definition is stored for the tenant.
	Exists(ctx context.Context, tenantID, workflowID string) (bool, error)

	// Delete removes a definition and any snapshots referencing it.
	// Deleting a missing definition is not an error.
	Delete(ctx context.Context, tenantID, workflowID string) error

	// DeleteAllForTenant removes every definition (and dependent
	// snapshots) for the tenant.
	DeleteAllForTenant(ctx context.Context, tenantID string) error

	// Count returns the number of definitions stored for the tenant.
	Count(ctx context.Context, tenantID string) (int, error)
}

// StateRepository persists execution snapshots per tenant.
type StateRepository interface {
	// Save upserts the snapshot keyed by its execution ID, replacing any
	// prior snapshot for that execution.
	Save(ctx context.Context, tenantID string, snap engine.Snapshot) error

	// FindByExecutionID returns the snapshot, or ErrNotFound.
	FindByExecutionID(ctx context.Context, tenantID, executionID string) (engine.Snapshot, error)

	// FindByWorkflowID returns all snapshots for executions of a
	// workflow, chronological by save time.
	FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]engine.Snapshot, error)

	// FindPaused returns all snapshots with reason "paused" for the
	// tenant, chronological by save time.
	FindPaused(ctx context.Context, tenantID string) ([]engine.Snapshot, error)

	// DeleteAllForTenant removes every snapshot for the tenant.
	DeleteAllForTenant(ctx context.Context, tenantID string) error
}
