package pipeline

import (
	"context"
	"sync"
)

// Send delivers v downstream, blocking while the bounded buffer is full.
func Send[T any](ctx context.Context, output chan<- T, v T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case output <- v:
		return nil
	}
}

// StateReporter tracks a coarse per-component state string, for logs and the
// node's status surface. Components report states like "waiting_for_command"
// or "sealing"; the registry keeps only the latest one.
type StateReporter struct {
	mu     sync.RWMutex
	states map[string]string
}

var globalReporter = &StateReporter{states: make(map[string]string)}

// GlobalReporter returns the process-wide state registry.
func GlobalReporter() *StateReporter { return globalReporter }

type StateHandle struct {
	reporter  *StateReporter
	component string
}

func (r *StateReporter) HandleFor(component string, initial string) *StateHandle {
	h := &StateHandle{reporter: r, component: component}
	h.Enter(initial)
	return h
}

func (h *StateHandle) Enter(state string) {
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	h.reporter.states[h.component] = state
}

// Snapshot returns a copy of all component states.
func (r *StateReporter) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]string, len(r.states))
	for component, state := range r.states {
		snapshot[component] = state
	}
	return snapshot
}
