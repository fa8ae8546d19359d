package llm

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlift/snowlift/pkg/models"
)

type fakeConn struct {
	token string
}

func (f *fakeConn) DB() *sql.DB      { return nil }
func (f *fakeConn) RESTHost() string { return "example.snowflakecomputing.com" }
func (f *fakeConn) Token() string    { return f.token }

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Authorization"), "Snowflake Token=")
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamParsesSSEDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`: keepalive`,
		`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
		`data: [DONE]`,
	})

	client := NewClient(nil)
	client.endpoint = srv.URL

	events, errs := client.Stream(context.Background(), &fakeConn{token: "tok"}, ModelConfig{Model: "claude-4-sonnet", CortexFunction: "complete"}, []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
	})

	var text string
	var usage *Usage
	for ev := range events {
		switch ev.Kind {
		case "delta":
			text += ev.Delta
		case "usage":
			usage = ev.Usage
		}
	}
	require.NoError(t, <-errs)

	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 3, usage.CompletionTokens)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestStreamSkipsMalformedLinesAndStopsAtDone(t *testing.T) {
	srv := sseServer(t, []string{
		`data: not json`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"after done"}}]}`,
	})

	client := NewClient(nil)
	client.endpoint = srv.URL

	events, errs := client.Stream(context.Background(), &fakeConn{token: "tok"}, ModelConfig{Model: "m", CortexFunction: "complete"}, nil)

	var text string
	for ev := range events {
		if ev.Kind == "delta" {
			text += ev.Delta
		}
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "ok", text)
}

func TestCallBufferedConcatenatesDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"{\"action\":"}}]}`,
		`data: {"choices":[{"delta":{"content":"\"finish\"}"}}]}`,
		`data: [DONE]`,
	})

	client := NewClient(nil)
	client.endpoint = srv.URL

	out, err := client.CallBuffered(context.Background(), &fakeConn{token: "tok"}, ModelConfig{Model: "m", CortexFunction: "complete"}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"action":"finish"}`, out)
}

func TestStreamSurfacesHTTPFailureWithoutToken(t *testing.T) {
	client := NewClient(nil)

	// No token and no SQL handle: the REST path cannot start and the
	// fallback cannot run either.
	events, errs := client.Stream(context.Background(), &fakeConn{}, ModelConfig{Model: "m", CortexFunction: "unsupported_fn"}, nil)
	for range events {
	}
	assert.Error(t, <-errs)
}
