// Package services holds the server-side domain services: the Snowflake
// session manager and the shared error vocabulary handlers translate for
// clients.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/upstream"
)

// Upstream is the connection surface the manager tracks per session.
// *upstream.Conn implements it; tests substitute fakes.
type Upstream interface {
	Validate(ctx context.Context) error
	Close() error
	DB() *sql.DB
	RESTHost() string
	Token() string
}

// ConnectFunc opens a new upstream connection.
type ConnectFunc func(ctx context.Context, cfg upstream.Config) (Upstream, error)

// Session is one authenticated Snowflake session with its model defaults.
// Mu serializes model calls on the shared connection.
type Session struct {
	ID          string
	Conn        Upstream
	ModelConfig llm.ModelConfig
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   time.Time

	Mu sync.Mutex
}

// ModelDefaults is the session's model identity reported to clients.
type ModelDefaults struct {
	Model          string `json:"model"`
	CortexFunction string `json:"cortexFunction"`
}

// Status is the connection state returned by the status endpoint.
type Status struct {
	Connected     bool           `json:"connected"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	ModelDefaults *ModelDefaults `json:"modelDefaults,omitempty"`
}

// SessionManager tracks Snowflake sessions keyed by the browser session id.
type SessionManager struct {
	ttl             time.Duration
	defaultModel    string
	defaultFunction string
	connect         ConnectFunc
	logger          *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager builds a manager that opens real upstream connections.
func NewSessionManager(ttl time.Duration, defaultModel, defaultFunction string, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		ttl:             ttl,
		defaultModel:    defaultModel,
		defaultFunction: defaultFunction,
		connect: func(ctx context.Context, cfg upstream.Config) (Upstream, error) {
			return upstream.Connect(ctx, cfg)
		},
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// CreateOrReplace connects to Snowflake and binds the session id to the new
// connection. Any prior session under the id is disconnected first.
func (m *SessionManager) CreateOrReplace(ctx context.Context, sessionID string, cfg upstream.Config, model, cortexFunction string) (*Session, error) {
	m.Disconnect(sessionID)

	conn, err := m.connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to snowflake: %w", err)
	}

	if model == "" {
		model = m.defaultModel
	}
	if cortexFunction == "" {
		cortexFunction = m.defaultFunction
	}
	zero := 0.0

	now := time.Now()
	session := &Session{
		ID:   sessionID,
		Conn: conn,
		ModelConfig: llm.ModelConfig{
			Model:          model,
			CortexFunction: cortexFunction,
			Temperature:    &zero,
			TopP:           &zero,
		},
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	m.logger.Info("snowflake session established",
		"session_id", sessionID,
		"model", model,
		"cortex_function", cortexFunction)
	return session, nil
}

// GetContext returns the live session for the id. Expired sessions are
// evicted and reported as absent.
func (m *SessionManager) GetContext(sessionID string) *Session {
	m.mu.Lock()
	session := m.sessions[sessionID]
	var expired bool
	if session != nil {
		expired = !time.Now().Before(session.ExpiresAt)
	}
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	if expired {
		m.Disconnect(sessionID)
		return nil
	}
	return session
}

// Touch extends the session's lifetime after activity.
func (m *SessionManager) Touch(session *Session) {
	m.mu.Lock()
	now := time.Now()
	session.LastUsedAt = now
	session.ExpiresAt = now.Add(m.ttl)
	m.mu.Unlock()
}

// Disconnect closes and forgets the session. Reports whether one existed.
func (m *SessionManager) Disconnect(sessionID string) bool {
	m.mu.Lock()
	session := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if session == nil {
		return false
	}
	if session.Conn != nil {
		if err := session.Conn.Close(); err != nil {
			m.logger.Debug("closing snowflake session", "session_id", sessionID, "error", err)
		}
	}
	m.logger.Info("snowflake session disconnected", "session_id", sessionID)
	return true
}

// ValidateConnection probes the session; a failed probe evicts it.
func (m *SessionManager) ValidateConnection(ctx context.Context, session *Session) error {
	if err := session.Conn.Validate(ctx); err != nil {
		m.Disconnect(session.ID)
		return fmt.Errorf("%w: please reconnect: %v", ErrSessionInvalid, err)
	}
	return nil
}

// BuildStatus reports the connection state for a session id, extending the
// session's lifetime when it is live.
func (m *SessionManager) BuildStatus(sessionID string) Status {
	if sessionID == "" {
		return Status{Connected: false}
	}
	session := m.GetContext(sessionID)
	if session == nil {
		return Status{Connected: false}
	}
	m.Touch(session)

	m.mu.Lock()
	expiresAt := session.ExpiresAt
	m.mu.Unlock()

	return Status{
		Connected: true,
		ExpiresAt: &expiresAt,
		SessionID: session.ID,
		ModelDefaults: &ModelDefaults{
			Model:          session.ModelConfig.Model,
			CortexFunction: session.ModelConfig.CortexFunction,
		},
	}
}

// Count reports how many sessions are currently tracked, expired or not.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// DisconnectAll tears down every session. Used on server shutdown.
func (m *SessionManager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

// SetConnectFunc overrides how upstream connections are opened.
func (m *SessionManager) SetConnectFunc(fn ConnectFunc) {
	m.connect = fn
}
