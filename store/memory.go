package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hensu-project/hensu-sub002/engine"
)

// MemStore is an in-memory implementation of both WorkflowRepository and
// StateRepository.
//
// Designed for testing and single-process deployments; data is lost when the
// process terminates. MemStore is thread-safe and provides read-your-writes
// by construction. Values are deep-copied through JSON on save and load so
// callers can never alias stored state.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]map[string][]byte // tenant -> workflowID -> definition JSON
	snapshots map[string]map[string][]byte // tenant -> executionID -> snapshot JSON
	saveSeq   map[string]map[string]int    // tenant -> executionID -> save order
	seq       int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]map[string][]byte),
		snapshots: make(map[string]map[string][]byte),
		saveSeq:   make(map[string]map[string]int),
	}
}

// Save upserts a workflow definition.
func (m *MemStore) Save(_ context.Context, tenantID string, wf *engine.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workflows[tenantID] == nil {
		m.workflows[tenantID] = make(map[string][]byte)
	}
	m.workflows[tenantID][wf.ID] = data
	return nil
}

// FindByID returns the stored definition, or ErrNotFound.
func (m *MemStore) FindByID(_ context.Context, tenantID, workflowID string) (*engine.Workflow, error) {
	m.mu.RLock()
	data, ok := m.workflows[tenantID][workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshalWorkflow(data)
}

// FindAll returns every definition for the tenant, ordered by workflow ID.
func (m *MemStore) FindAll(_ context.Context, tenantID string) ([]*engine.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workflows[tenantID]))
	for id := range m.workflows[tenantID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*engine.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := unmarshalWorkflow(m.workflows[tenantID][id])
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// Exists reports whether the tenant has the definition.
func (m *MemStore) Exists(_ context.Context, tenantID, workflowID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workflows[tenantID][workflowID]
	return ok, nil
}

// Delete removes a definition and its dependent snapshots.
func (m *MemStore) Delete(_ context.Context, tenantID, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows[tenantID], workflowID)
	for execID, data := range m.snapshots[tenantID] {
		var snap engine.Snapshot
		if err := json.Unmarshal(data, &snap); err == nil && snap.WorkflowID == workflowID {
			delete(m.snapshots[tenantID], execID)
			delete(m.saveSeq[tenantID], execID)
		}
	}
	return nil
}

// DeleteAllForTenant removes every definition and snapshot for the tenant.
// Snapshot removal happens first, mirroring the foreign-key order the SQL
// backends require.
func (m *MemStore) DeleteAllForTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, tenantID)
	delete(m.saveSeq, tenantID)
	delete(m.workflows, tenantID)
	return nil
}

// Count returns the number of definitions for the tenant.
func (m *MemStore) Count(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workflows[tenantID]), nil
}

// SaveSnapshot upserts the snapshot keyed by execution ID.
//
// MemStore exposes the StateRepository contract through StateRepo to keep
// the two interfaces distinct at call sites.
func (m *MemStore) SaveSnapshot(_ context.Context, tenantID string, snap engine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots[tenantID] == nil {
		m.snapshots[tenantID] = make(map[string][]byte)
		m.saveSeq[tenantID] = make(map[string]int)
	}
	m.seq++
	m.snapshots[tenantID][snap.ExecutionID] = data
	m.saveSeq[tenantID][snap.ExecutionID] = m.seq
	return nil
}

// FindSnapshot returns the snapshot for an execution, or ErrNotFound.
func (m *MemStore) FindSnapshot(_ context.Context, tenantID, executionID string) (engine.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snapshots[tenantID][executionID]
	m.mu.RUnlock()
	if !ok {
		return engine.Snapshot{}, ErrNotFound
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return engine.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (m *MemStore) findSnapshots(tenantID string, match func(engine.Snapshot) bool) ([]engine.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type entry struct {
		snap engine.Snapshot
		seq  int
	}
	var entries []entry
	for execID, data := range m.snapshots[tenantID] {
		var snap engine.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if match(snap) {
			entries = append(entries, entry{snap, m.saveSeq[tenantID][execID]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]engine.Snapshot, len(entries))
	for i, e := range entries {
		out[i] = e.snap
	}
	return out, nil
}

func unmarshalWorkflow(data []byte) (*engine.Workflow, error) {
	var wf engine.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// StateRepo adapts a MemStore to the StateRepository interface.
type StateRepo struct {
	store *MemStore
}

// NewStateRepo wraps a MemStore as a StateRepository.
func NewStateRepo(store *MemStore) *StateRepo {
	return &StateRepo{store: store}
}

// Save implements StateRepository.
func (r *StateRepo) Save(ctx context.Context, tenantID string, snap engine.Snapshot) error {
	return r.store.SaveSnapshot(ctx, tenantID, snap)
}

// FindByExecutionID implements StateRepository.
func (r *StateRepo) FindByExecutionID(ctx context.Context, tenantID, executionID string) (engine.Snapshot, error) {
	return r.store.FindSnapshot(ctx, tenantID, executionID)
}

// FindByWorkflowID implements StateRepository, chronological by save order.
func (r *StateRepo) FindByWorkflowID(_ context.Context, tenantID, workflowID string) ([]engine.Snapshot, error) {
	return r.store.findSnapshots(tenantID, func(s engine.Snapshot) bool {
		return s.WorkflowID == workflowID
	})
}

// FindPaused implements StateRepository.
func (r *StateRepo) FindPaused(_ context.Context, tenantID string) ([]engine.Snapshot, error) {
	return r.store.findSnapshots(tenantID, func(s engine.Snapshot) bool {
		return s.Reason == engine.ReasonPaused
	})
}

// DeleteAllForTenant implements StateRepository.
func (r *StateRepo) DeleteAllForTenant(_ context.Context, tenantID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.snapshots, tenantID)
	delete(r.store.saveSeq, tenantID)
	return nil
}
