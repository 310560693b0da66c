package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hensu-project/hensu-sub002/engine"
	"github.com/hensu-project/hensu-sub002/store"
)

// backend bundles the two repository views of one store under test.
type backend struct {
	workflows store.WorkflowRepository
	states    store.StateRepository
}

func memBackend(t *testing.T) backend {
	t.Helper()
	m := store.NewMemStore()
	return backend{workflows: m, states: store.NewStateRepo(m)}
}

func sqliteBackend(t *testing.T) backend {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hensu.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return backend{workflows: st, states: st.States()}
}

func runBackends(t *testing.T, test func(t *testing.T, b backend)) {
	t.Run("memory", func(t *testing.T) { test(t, memBackend(t)) })
	t.Run("sqlite", func(t *testing.T) { test(t, sqliteBackend(t)) })
}

func makeWorkflow(t *testing.T, id, version string) *engine.Workflow {
	t.Helper()
	wf, err := engine.NewWorkflow(id, version, "done", map[string]*engine.Node{
		"done": {ID: "done", Kind: engine.NodeEnd, ExitStatus: engine.ExitSuccess},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func makeSnapshot(execID, workflowID string, reason engine.CheckpointReason, savedAt time.Time) engine.Snapshot {
	return engine.Snapshot{
		ExecutionID: execID,
		WorkflowID:  workflowID,
		CurrentNode: "done",
		Context:     map[string]any{"_tenant_id": "t1", "step": execID},
		History: &engine.ExecutionHistory{Steps: []engine.ExecutionStep{{
			NodeID: "done", Timestamp: savedAt,
		}}},
		Retries: map[string]int{"done": 1},
		Reason:  reason,
		SavedAt: savedAt,
	}
}

func TestWorkflowRepository(t *testing.T) {
	ctx := context.Background()

	runBackends(t, func(t *testing.T, b backend) {
		t.Run("save and find round trip", func(t *testing.T) {
			wf := makeWorkflow(t, "wf-1", "v1")
			if err := b.workflows.Save(ctx, "t1", wf); err != nil {
				t.Fatal(err)
			}
			got, err := b.workflows.FindByID(ctx, "t1", "wf-1")
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != "wf-1" || got.Version != "v1" || got.StartNode != "done" {
				t.Fatalf("got %+v", got)
			}
		})

		t.Run("save is an upsert", func(t *testing.T) {
			if err := b.workflows.Save(ctx, "t1", makeWorkflow(t, "wf-up", "v1")); err != nil {
				t.Fatal(err)
			}
			if err := b.workflows.Save(ctx, "t1", makeWorkflow(t, "wf-up", "v2")); err != nil {
				t.Fatal(err)
			}
			got, err := b.workflows.FindByID(ctx, "t1", "wf-up")
			if err != nil {
				t.Fatal(err)
			}
			if got.Version != "v2" {
				t.Fatalf("version = %s, want v2", got.Version)
			}
		})

		t.Run("missing workflow is ErrNotFound", func(t *testing.T) {
			if _, err := b.workflows.FindByID(ctx, "t1", "ghost"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("err = %v", err)
			}
		})

		t.Run("invalid definition rejected", func(t *testing.T) {
			if err := b.workflows.Save(ctx, "t1", &engine.Workflow{ID: "bad"}); err == nil {
				t.Fatal("invalid definition must be rejected at the repository boundary")
			}
		})

		t.Run("tenant isolation", func(t *testing.T) {
			if err := b.workflows.Save(ctx, "tenant-a", makeWorkflow(t, "wf-iso", "v1")); err != nil {
				t.Fatal(err)
			}
			if _, err := b.workflows.FindByID(ctx, "tenant-b", "wf-iso"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("err = %v, want tenant-b blind to tenant-a", err)
			}
			ok, err := b.workflows.Exists(ctx, "tenant-a", "wf-iso")
			if err != nil || !ok {
				t.Fatalf("exists = %v, %v", ok, err)
			}
		})

		t.Run("find all ordered and counted", func(t *testing.T) {
			for _, id := range []string{"wf-b", "wf-a"} {
				if err := b.workflows.Save(ctx, "t-list", makeWorkflow(t, id, "v1")); err != nil {
					t.Fatal(err)
				}
			}
			all, err := b.workflows.FindAll(ctx, "t-list")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 || all[0].ID != "wf-a" || all[1].ID != "wf-b" {
				t.Fatalf("all = %+v", all)
			}
			n, err := b.workflows.Count(ctx, "t-list")
			if err != nil || n != 2 {
				t.Fatalf("count = %d, %v", n, err)
			}
		})

		t.Run("delete cascades to snapshots", func(t *testing.T) {
			if err := b.workflows.Save(ctx, "t-del", makeWorkflow(t, "wf-del", "v1")); err != nil {
				t.Fatal(err)
			}
			snap := makeSnapshot("exec-del", "wf-del", engine.ReasonPaused, time.Now().UTC())
			if err := b.states.Save(ctx, "t-del", snap); err != nil {
				t.Fatal(err)
			}
			if err := b.workflows.Delete(ctx, "t-del", "wf-del"); err != nil {
				t.Fatal(err)
			}
			if _, err := b.workflows.FindByID(ctx, "t-del", "wf-del"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("workflow err = %v", err)
			}
			if _, err := b.states.FindByExecutionID(ctx, "t-del", "exec-del"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("snapshot err = %v, want cascade delete", err)
			}
		})

		t.Run("delete missing is not an error", func(t *testing.T) {
			if err := b.workflows.Delete(ctx, "t1", "never-existed"); err != nil {
				t.Fatal(err)
			}
		})
	})
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()

	runBackends(t, func(t *testing.T, b backend) {
		// Snapshots reference their workflow; seed one per tenant used below.
		for _, tenant := range []string{"t1", "t2"} {
			if err := b.workflows.Save(ctx, tenant, makeWorkflow(t, "wf-1", "v1")); err != nil {
				t.Fatal(err)
			}
		}

		t.Run("save and find round trip", func(t *testing.T) {
			saved := makeSnapshot("exec-1", "wf-1", engine.ReasonCheckpoint, time.Now().UTC())
			saved.Rubric = &engine.RubricEvaluation{RubricID: "quality", Score: 75, Threshold: 70, Passed: true}
			if err := b.states.Save(ctx, "t1", saved); err != nil {
				t.Fatal(err)
			}
			got, err := b.states.FindByExecutionID(ctx, "t1", "exec-1")
			if err != nil {
				t.Fatal(err)
			}
			if got.WorkflowID != "wf-1" || got.CurrentNode != "done" || got.Reason != engine.ReasonCheckpoint {
				t.Fatalf("got %+v", got)
			}
			if got.Context["step"] != "exec-1" || got.Retries["done"] != 1 {
				t.Fatalf("context/retries lost: %+v", got)
			}
			if len(got.History.Steps) != 1 {
				t.Fatalf("history lost: %+v", got.History)
			}
			if got.Rubric == nil || got.Rubric.Score != 75 {
				t.Fatalf("rubric lost: %+v", got.Rubric)
			}
		})

		t.Run("save replaces prior snapshot", func(t *testing.T) {
			base := time.Now().UTC()
			if err := b.states.Save(ctx, "t1", makeSnapshot("exec-2", "wf-1", engine.ReasonCheckpoint, base)); err != nil {
				t.Fatal(err)
			}
			if err := b.states.Save(ctx, "t1", makeSnapshot("exec-2", "wf-1", engine.ReasonPaused, base.Add(time.Second))); err != nil {
				t.Fatal(err)
			}
			got, err := b.states.FindByExecutionID(ctx, "t1", "exec-2")
			if err != nil {
				t.Fatal(err)
			}
			if got.Reason != engine.ReasonPaused {
				t.Fatalf("reason = %s, want the replacement", got.Reason)
			}
		})

		t.Run("find by workflow chronological", func(t *testing.T) {
			base := time.Now().UTC()
			if err := b.states.Save(ctx, "t2", makeSnapshot("exec-early", "wf-1", engine.ReasonCheckpoint, base)); err != nil {
				t.Fatal(err)
			}
			if err := b.states.Save(ctx, "t2", makeSnapshot("exec-late", "wf-1", engine.ReasonCheckpoint, base.Add(2*time.Second))); err != nil {
				t.Fatal(err)
			}
			snaps, err := b.states.FindByWorkflowID(ctx, "t2", "wf-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(snaps) != 2 || snaps[0].ExecutionID != "exec-early" || snaps[1].ExecutionID != "exec-late" {
				t.Fatalf("snaps = %+v", snaps)
			}
		})

		t.Run("find paused filters by reason and tenant", func(t *testing.T) {
			if err := b.states.Save(ctx, "t1", makeSnapshot("exec-p1", "wf-1", engine.ReasonPaused, time.Now().UTC())); err != nil {
				t.Fatal(err)
			}
			if err := b.states.Save(ctx, "t2", makeSnapshot("exec-p2", "wf-1", engine.ReasonPaused, time.Now().UTC())); err != nil {
				t.Fatal(err)
			}
			paused, err := b.states.FindPaused(ctx, "t1")
			if err != nil {
				t.Fatal(err)
			}
			for _, s := range paused {
				if s.Reason != engine.ReasonPaused {
					t.Fatalf("non-paused snapshot returned: %+v", s)
				}
				if s.ExecutionID == "exec-p2" {
					t.Fatal("another tenant's snapshot leaked")
				}
			}
		})

		t.Run("delete all for tenant", func(t *testing.T) {
			if err := b.states.Save(ctx, "t1", makeSnapshot("exec-gone", "wf-1", engine.ReasonCheckpoint, time.Now().UTC())); err != nil {
				t.Fatal(err)
			}
			if err := b.states.DeleteAllForTenant(ctx, "t1"); err != nil {
				t.Fatal(err)
			}
			if _, err := b.states.FindByExecutionID(ctx, "t1", "exec-gone"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("err = %v", err)
			}
			// The other tenant's snapshots survive.
			if _, err := b.states.FindByExecutionID(ctx, "t2", "exec-late"); err != nil {
				t.Fatalf("t2 snapshot lost: %v", err)
			}
		})
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hensu.db")

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(ctx, "t1", makeWorkflow(t, "wf-keep", "v1")); err != nil {
		t.Fatal(err)
	}
	if err := st.States().Save(ctx, "t1", makeSnapshot("exec-keep", "wf-keep", engine.ReasonPaused, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	if _, err := reopened.FindByID(ctx, "t1", "wf-keep"); err != nil {
		t.Fatalf("workflow lost across reopen: %v", err)
	}
	snap, err := reopened.States().FindByExecutionID(ctx, "t1", "exec-keep")
	if err != nil {
		t.Fatalf("snapshot lost across reopen: %v", err)
	}
	if snap.Reason != engine.ReasonPaused {
		t.Fatalf("reason = %s", snap.Reason)
	}
}

func TestMemStoreSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	states := store.NewStateRepo(m)

	snap := makeSnapshot("exec-1", "wf-1", engine.ReasonCheckpoint, time.Now().UTC())
	if err := states.Save(ctx, "t1", snap); err != nil {
		t.Fatal(err)
	}
	// Mutating the caller's copy after save must not affect the stored one.
	snap.Context["step"] = "tampered"

	got, err := states.FindByExecutionID(ctx, "t1", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Context["step"] != "exec-1" {
		t.Fatal("stored snapshot aliased the caller's map")
	}
}
