package queue

import (
	"sort"
	"sync"
	"time"
)

// NonBlockingEntry records an action dispatched without waiting for its
// completion, with enough addressing to cancel its executor.
type NonBlockingEntry struct {
	ActionUUID string    `json:"action_uuid"`
	Server     string    `json:"server_name"`
	ExecID     string    `json:"exec_id"`
	Host       string    `json:"hostname"`
	Port       int       `json:"port"`
	StartedAt  time.Time `json:"started_at"`
}

// NonBlockingRegistry is the set of outstanding non-blocking actions, keyed by
// action id.
type NonBlockingRegistry struct {
	mu      sync.Mutex
	entries map[string]NonBlockingEntry
}

// NewNonBlockingRegistry returns an empty registry.
func NewNonBlockingRegistry() *NonBlockingRegistry {
	return &NonBlockingRegistry{entries: map[string]NonBlockingEntry{}}
}

// Add registers e, replacing any entry for the same action.
func (r *NonBlockingRegistry) Add(e NonBlockingEntry) {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ActionUUID] = e
}

// Remove drops the entry for actionUUID and reports whether it existed.
func (r *NonBlockingRegistry) Remove(actionUUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[actionUUID]; !ok {
		return false
	}
	delete(r.entries, actionUUID)
	return true
}

// Items returns the entries ordered by start time.
func (r *NonBlockingRegistry) Items() []NonBlockingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NonBlockingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ActionUUID < out[j].ActionUUID
	})
	return out
}

// Reset replaces the registry contents.
func (r *NonBlockingRegistry) Reset(entries []NonBlockingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]NonBlockingEntry, len(entries))
	for _, e := range entries {
		r.entries[e.ActionUUID] = e
	}
}

// Len returns the number of outstanding entries.
func (r *NonBlockingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
