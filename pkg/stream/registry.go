package stream

import (
	"sync"
	"time"
)

// Registry tracks which chat/run ids currently have an open event stream,
// so reconnect probes can tell an in-flight stream from a finished one.
type Registry struct {
	mu      sync.Mutex
	records map[string]time.Time
}

// NewRegistry creates an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]time.Time)}
}

// Register marks an id as having an active stream.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	r.records[id] = time.Now().UTC()
	r.mu.Unlock()
}

// Unregister clears an id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// HasActiveStream reports whether an id has an open stream.
func (r *Registry) HasActiveStream(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}
