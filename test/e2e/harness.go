// Package e2e boots a complete snowlift server over loopback HTTP and
// drives the public API the way the browser client does: JSON endpoints,
// cookie-based sessions, multipart uploads, and SSE event streams. The
// migration CLI, the Snowflake runtime, and the Cortex model are scripted;
// everything in between is the real wiring.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snowlift/snowlift/pkg/agent"
	"github.com/snowlift/snowlift/pkg/api"
	"github.com/snowlift/snowlift/pkg/config"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/services"
	"github.com/snowlift/snowlift/pkg/stream"
	"github.com/snowlift/snowlift/pkg/term"
	"github.com/snowlift/snowlift/pkg/upstream"
	"github.com/snowlift/snowlift/pkg/workflow"
)

// TestApp is one booted snowlift instance plus the fakes behind it.
type TestApp struct {
	Config   *config.Settings
	Sessions *services.SessionManager
	Runner   *workflow.Runner
	LLM      *ScriptedLLM
	CLI      *ScriptedCLI
	Runtime  *ScriptedRuntime
	Terminal *ScriptedTerminal
	Server   *api.Server

	BaseURL string
	Client  *http.Client

	workDir string
	t       *testing.T
}

type options struct {
	llmReplies      []string
	llmErr          error
	scriptFailures  []error
	terminalOutputs []string
	noTerminal      bool
	convert         func(name, source string) string
}

// Option customizes the fakes before the app boots.
type Option func(*options)

// WithLLMReplies scripts the model's buffered answers in order. An
// exhausted script keeps answering with the supervisor's proceed decision.
func WithLLMReplies(replies ...string) Option {
	return func(o *options) { o.llmReplies = replies }
}

// WithLLMError fails every model call, forcing the supervisor onto its
// deterministic fallback.
func WithLLMError(err error) Option {
	return func(o *options) { o.llmErr = err }
}

// WithScriptFailures scripts per-call ExecuteScript outcomes: each entry is
// consumed by one call, nil meaning success; drained scripts succeed.
func WithScriptFailures(errs ...error) Option {
	return func(o *options) { o.scriptFailures = errs }
}

// WithTerminalOutputs scripts what the fake PTY answers per command.
func WithTerminalOutputs(outputs ...string) Option {
	return func(o *options) { o.terminalOutputs = outputs }
}

// WithoutTerminal makes terminal lookup fail, as when the user never
// opened the terminal panel.
func WithoutTerminal() Option {
	return func(o *options) { o.noTerminal = true }
}

// WithConvert overrides how the scripted CLI fabricates converted output
// from each source file.
func WithConvert(fn func(name, source string) string) Option {
	return func(o *options) { o.convert = fn }
}

// NewTestApp boots the server on a loopback listener and returns a client
// with a cookie jar, so the session cookie behaves as in a browser.
func NewTestApp(t *testing.T, opts ...Option) *TestApp {
	t.Helper()

	o := &options{convert: defaultConvert}
	for _, opt := range opts {
		opt(o)
	}

	workDir := t.TempDir()
	cfg := &config.Settings{
		ListenAddr:        ":0",
		FrontendOrigins:   []string{"http://localhost:5173"},
		SessionCookieName: "snowflake_session_id",
		SessionTTL:        30 * 24 * time.Hour,
		CookieSameSite:    http.SameSiteLaxMode,
		SSEPingInterval:   12 * time.Second,
		CortexModel:       "claude-4-sonnet",
		CortexFunction:    "complete",
		Snowflake: config.SnowflakeSettings{
			Account: "e2e-acct",
			User:    "e2e-user",
		},
		UploadDir:             filepath.Join(workDir, "uploads"),
		ProjectsDir:           filepath.Join(workDir, "projects"),
		OutputsDir:            filepath.Join(workDir, "outputs"),
		IgnoredCodesPath:      filepath.Join(workDir, "config", "ignored_report_codes.json"),
		MaxSelfHealIterations: 5,
		ScaiBin:               "scai",
		Shell:                 "/bin/sh",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	llmClient := NewScriptedLLM(o.llmReplies...)
	llmClient.Err = o.llmErr
	cli := &ScriptedCLI{convert: o.convert}
	runtime := &ScriptedRuntime{failures: o.scriptFailures}
	terminal := &ScriptedTerminal{outputs: o.terminalOutputs}

	sessions := services.NewSessionManager(cfg.SessionTTL, cfg.CortexModel, cfg.CortexFunction, logger)
	sessions.SetConnectFunc(func(context.Context, upstream.Config) (services.Upstream, error) {
		return &fakeUpstream{}, nil
	})

	ptys := term.NewRegistry(logger)
	loop := agent.NewLoop(llmClient, func(string) agent.Terminal {
		if o.noTerminal {
			return nil
		}
		return terminal
	}, logger)

	pipeline := workflow.NewPipeline(cfg, cli,
		func(context.Context, *models.MigrationContext) (workflow.Runtime, error) {
			return runtime, nil
		},
		llmClient, nil, logger)
	runner := workflow.NewRunner(pipeline, logger)

	server := api.NewServer(cfg, sessions, loop, runner, ptys, stream.NewRegistry(), logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &TestApp{
		Config:   cfg,
		Sessions: sessions,
		Runner:   runner,
		LLM:      llmClient,
		CLI:      cli,
		Runtime:  runtime,
		Terminal: terminal,
		Server:   server,
		BaseURL:  ts.URL,
		Client:   &http.Client{Jar: jar, Timeout: 60 * time.Second},
		workDir:  workDir,
		t:        t,
	}
}

// SeedMigration stages a small Teradata project on disk: one source file
// with two statements against OLDDB and a crosswalk remapping OLDDB to
// NEWDB.PUBLIC. Returns the start request pointing at it.
func (app *TestApp) SeedMigration(projectName string) api.StartRunRequest {
	app.t.Helper()
	inputDir := filepath.Join(app.workDir, projectName+"-input")
	writeFile(app.t, filepath.Join(inputDir, "orders.sql"),
		"SELECT * FROM OLDDB.ORDERS;\nSELECT COUNT(*) FROM OLDDB.ORDERS;")
	crosswalk := filepath.Join(app.workDir, projectName+"-crosswalk.csv")
	writeFile(app.t, crosswalk, "SOURCE_SCHEMA,TARGET_DB_SCHEMA\nOLDDB,NEWDB.PUBLIC\n")
	return api.StartRunRequest{
		ProjectName:     projectName,
		SourceLanguage:  "teradata",
		SourceDirectory: inputDir,
		MappingCSVPath:  crosswalk,
	}
}

// Connect opens the Snowflake session and stores the cookie in the jar.
func (app *TestApp) Connect() api.ConnectResponse {
	app.t.Helper()
	resp := app.postJSON("/api/snowflake/connect", api.ConnectRequest{
		Account:       "e2e-acct",
		User:          "e2e-user",
		Password:      "hunter2",
		Authenticator: "snowflake",
	})
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)

	var out api.ConnectResponse
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// StartRun registers a workflow run and returns its id.
func (app *TestApp) StartRun(req api.StartRunRequest) string {
	app.t.Helper()
	resp := app.postJSON("/api/scai/start", req)
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)

	var out api.StartRunResponse
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(app.t, out.RunID)
	return out.RunID
}

// StreamRun attaches to the run's SSE stream and returns the whole body.
// The handler executes the run inline, so the call returns when the run
// completes, pauses, or fails.
func (app *TestApp) StreamRun(runID string) string {
	app.t.Helper()
	resp := app.get("/api/scai/run/" + runID)
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	require.Equal(app.t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	return string(body)
}

// ResumeRun resumes a paused run and returns the SSE body.
func (app *TestApp) ResumeRun(runID string) string {
	app.t.Helper()
	resp := app.postJSON("/api/scai/resume/"+runID, nil)
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	return string(body)
}

// Snapshot polls the run status endpoint.
func (app *TestApp) Snapshot(runID string) models.RunSnapshot {
	app.t.Helper()
	resp := app.get("/api/scai/status/" + runID)
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)

	var out models.RunSnapshot
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// UploadDDL posts a DDL file for a paused run. The response is returned
// unread so tests can assert rejections too.
func (app *TestApp) UploadDDL(runID, filename, content string) *http.Response {
	app.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(app.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(app.t, err)
	require.NoError(app.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, app.BaseURL+"/api/scai/upload-ddl/"+runID, &buf)
	require.NoError(app.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := app.Client.Do(req)
	require.NoError(app.t, err)
	return resp
}

// Chat posts a chat request and returns the status plus the raw SSE body.
func (app *TestApp) Chat(req models.ChatRequest) (int, string) {
	app.t.Helper()
	resp := app.postJSON("/api/chat", req)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	return resp.StatusCode, string(body)
}

func (app *TestApp) postJSON(path string, payload any) *http.Response {
	app.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(app.t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, body)
	require.NoError(app.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Client.Do(req)
	require.NoError(app.t, err)
	return resp
}

func (app *TestApp) get(path string) *http.Response {
	app.t.Helper()
	resp, err := app.Client.Get(app.BaseURL + path)
	require.NoError(app.t, err)
	return resp
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
