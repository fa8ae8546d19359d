package term

import (
	"log/slog"
	"sync"
)

// Registry is a process-wide mapping from session id to PTY session. The
// chat loop resolves the user's terminal through it to run commands.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Register binds a session to an id. A prior session under the same id is
// closed before being replaced.
func (r *Registry) Register(id string, s *Session) {
	r.mu.Lock()
	prior := r.sessions[id]
	r.sessions[id] = s
	total := len(r.sessions)
	r.mu.Unlock()

	if prior != nil && prior != s {
		prior.Close()
	}
	r.logger.Info("registered PTY session", "session_id", id, "total", total)
}

// Unregister removes a session without closing it; callers own shutdown.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("unregistered PTY session", "session_id", id, "total", total)
}

// Get returns the session for id, or nil when none is registered.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// CloseAll shuts down every registered session. Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
