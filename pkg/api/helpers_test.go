package api

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/snowlift/snowlift/pkg/agent"
	"github.com/snowlift/snowlift/pkg/config"
	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/services"
	"github.com/snowlift/snowlift/pkg/stream"
	"github.com/snowlift/snowlift/pkg/term"
	"github.com/snowlift/snowlift/pkg/upstream"
	"github.com/snowlift/snowlift/pkg/workflow"
)

// fakeUpstream satisfies services.Upstream without a network.
type fakeUpstream struct {
	mu          sync.Mutex
	validateErr error
	closed      bool
}

func (f *fakeUpstream) Validate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateErr
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) DB() *sql.DB      { return nil }
func (f *fakeUpstream) RESTHost() string { return "test.snowflakecomputing.com" }
func (f *fakeUpstream) Token() string    { return "" }

// scriptedCaller returns canned LLM replies in order, then repeats the last.
type scriptedCaller struct {
	mu      sync.Mutex
	replies []string
	calls   int
	err     error
}

func (s *scriptedCaller) CallBuffered(context.Context, llm.Conn, llm.ModelConfig, []models.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	idx := s.calls
	s.calls++
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	if idx < 0 {
		return "", nil
	}
	return s.replies[idx], nil
}

// noopCommandRunner satisfies workflow.CommandRunner for tests that never
// reach a stage.
type noopCommandRunner struct{}

func (noopCommandRunner) Run(context.Context, string, time.Duration, string, ...string) (workflow.CommandResult, error) {
	return workflow.CommandResult{ExitCode: 0}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		ListenAddr:            ":0",
		FrontendOrigins:       []string{"http://localhost:5173"},
		SessionCookieName:     "snowflake_session_id",
		SessionTTL:            30 * 24 * time.Hour,
		CookieSameSite:        http.SameSiteLaxMode,
		SSEPingInterval:       12 * time.Second,
		CortexModel:           "claude-4-sonnet",
		CortexFunction:        "complete",
		UploadDir:             t.TempDir(),
		ProjectsDir:           t.TempDir(),
		OutputsDir:            t.TempDir(),
		MaxSelfHealIterations: 5,
		ScaiBin:               "scai",
		Shell:                 "/bin/sh",
	}
}

// newTestServer wires a Server against in-memory fakes. The scripted
// caller backs both the chat loop and the workflow supervisor.
func newTestServer(t *testing.T, caller *scriptedCaller) *Server {
	t.Helper()
	cfg := testSettings(t)
	logger := testLogger()

	sessions := services.NewSessionManager(cfg.SessionTTL, cfg.CortexModel, cfg.CortexFunction, logger)
	sessions.SetConnectFunc(func(context.Context, upstream.Config) (services.Upstream, error) {
		return &fakeUpstream{}, nil
	})

	ptys := term.NewRegistry(logger)
	loop := agent.NewLoop(caller, func(id string) agent.Terminal {
		if s := ptys.Get(id); s != nil {
			return s
		}
		return nil
	}, logger)

	pipeline := workflow.NewPipeline(cfg, noopCommandRunner{}, nil, caller, nil, logger)
	runner := workflow.NewRunner(pipeline, logger)

	return NewServer(cfg, sessions, loop, runner, ptys, stream.NewRegistry(), logger)
}

// connectSession establishes a session directly in the manager and returns
// its id, bypassing the HTTP connect flow.
func connectSession(t *testing.T, s *Server, sessionID string) {
	t.Helper()
	_, err := s.sessions.CreateOrReplace(context.Background(), sessionID, upstream.Config{
		Account: "acct",
		User:    "user",
	}, "", "")
	if err != nil {
		t.Fatalf("creating test session: %v", err)
	}
}
