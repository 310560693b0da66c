package emit

import "sync"

// BufferedEmitter stores events in memory, organized by execution ID, for
// post-hoc inspection in tests, debugging sessions, and dashboards.
//
// All events are retained until cleared; production deployments with
// long-running executions should prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedEmitter creates an empty BufferedEmitter. Safe for concurrent
// use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event under its execution ID.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History returns a copy of all events recorded for an execution, in
// emission order.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.events[executionID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// HistoryByMsg returns the recorded events for an execution filtered by
// event name.
func (b *BufferedEmitter) HistoryByMsg(executionID, msg string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events[executionID] {
		if ev.Msg == msg {
			out = append(out, ev)
		}
	}
	return out
}

// Clear drops all events recorded for an execution.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, executionID)
}
