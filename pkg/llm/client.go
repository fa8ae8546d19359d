// Package llm streams completions from Snowflake Cortex. The primary path is
// the Cortex REST inference API with token-by-token SSE; when that is
// unavailable before the first event, calls fall back to the Cortex SQL
// functions over the existing session.
package llm

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/models"
)

// Conn is the slice of the Snowflake session the client needs: the SQL
// handle for fallback calls plus the REST host and token for streaming.
type Conn interface {
	DB() *sql.DB
	RESTHost() string
	Token() string
}

// ModelConfig selects the Cortex model and sampling parameters for one
// session.
type ModelConfig struct {
	Model          string   `json:"model"`
	CortexFunction string   `json:"cortexFunction"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"topP,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
}

// Usage is normalized token accounting reported at the end of a stream.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// Event is one unit of a completion stream: zero or more deltas, then at
// most one usage event.
type Event struct {
	Kind  string // "delta" | "usage"
	Delta string
	Usage *Usage
}

// Client issues Cortex calls. Safe for concurrent use; per-session ordering
// is the caller's concern.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// endpoint overrides the account-derived URL; tests use it.
	endpoint string
}

// NewClient builds a client with streaming-friendly HTTP timeouts.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger,
	}
}

// Stream produces completion events for the given conversation. Events are
// published on the returned channel until it closes; a failure mid-stream is
// reported on the error channel.
func (c *Client) Stream(ctx context.Context, conn Conn, cfg ModelConfig, messages []models.ChatMessage) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if restEligible(cfg.CortexFunction) {
			started := false
			err := c.streamREST(ctx, conn, cfg, messages, func(ev Event) bool {
				started = true
				return emit(ev)
			})
			if err == nil {
				return
			}
			if started {
				errs <- err
				return
			}
			c.logger.Info("REST streaming unavailable, falling back to SQL", "error", err)
		}

		text, usage, err := c.completeSQL(ctx, conn, cfg, messages)
		if err != nil {
			errs <- err
			return
		}
		for _, chunk := range chunkText(text, sqlFallbackChunkSize) {
			if !emit(Event{Kind: "delta", Delta: chunk}) {
				return
			}
		}
		if usage != nil {
			emit(Event{Kind: "usage", Usage: usage})
		}
	}()

	return events, errs
}

// CallBuffered runs a completion and returns the concatenated delta text.
// The agent loop uses it when it needs the whole reply before deciding.
func (c *Client) CallBuffered(ctx context.Context, conn Conn, cfg ModelConfig, messages []models.ChatMessage) (string, error) {
	events, errs := c.Stream(ctx, conn, cfg, messages)

	var b strings.Builder
	for ev := range events {
		if ev.Kind == "delta" {
			b.WriteString(ev.Delta)
		}
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return b.String(), nil
}

// restEligible reports whether the configured function is served by the
// inference REST endpoint.
func restEligible(function string) bool {
	switch strings.ToLower(strings.TrimSpace(function)) {
	case "", "complete", "ai_complete":
		return true
	default:
		return false
	}
}

type restRequest struct {
	Model       string        `json:"model"`
	Messages    []restMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type restMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// streamREST posts to the Cortex inference endpoint and forwards SSE deltas
// through emit. emit returns false when the consumer is gone.
func (c *Client) streamREST(ctx context.Context, conn Conn, cfg ModelConfig, messages []models.ChatMessage, emit func(Event) bool) error {
	token := conn.Token()
	if token == "" {
		return fmt.Errorf("no auth token available for Cortex REST streaming")
	}

	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = "https://" + conn.RESTHost() + "/api/v2/cortex/inference:complete"
	}

	body := restRequest{
		Model:       cfg.Model,
		Messages:    toRESTMessages(messages),
		Stream:      true,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Snowflake Token=%q", token))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cortex inference returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var lastUsage *Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[6:]
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping unparseable SSE line", "line", truncate(data, 120))
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !emit(Event{Kind: "delta", Delta: chunk.Choices[0].Delta.Content}) {
				return nil
			}
		}
		if u := normalizeUsage(chunk.Usage); u != nil {
			lastUsage = u
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	if lastUsage != nil {
		emit(Event{Kind: "usage", Usage: lastUsage})
	}
	return nil
}

// completeSQL runs the whole completion through a Cortex SQL function and
// returns the response text.
func (c *Client) completeSQL(ctx context.Context, conn Conn, cfg ModelConfig, messages []models.ChatMessage) (string, *Usage, error) {
	db := conn.DB()
	if db == nil {
		return "", nil, fmt.Errorf("no sql session available for cortex fallback")
	}
	stmt := BuildCortexStatement(cfg, messages)

	var raw string
	if err := db.QueryRowContext(ctx, stmt).Scan(&raw); err != nil {
		return "", nil, fmt.Errorf("cortex sql call: %w", err)
	}
	if raw == "" {
		return "", nil, fmt.Errorf("snowflake cortex returned an empty response")
	}

	var response any
	if err := json.Unmarshal([]byte(raw), &response); err != nil {
		// Plain-text response.
		return raw, nil, nil
	}

	text := extractResponseText(response)
	if strings.TrimSpace(text) == "" {
		return "", nil, fmt.Errorf("snowflake cortex returned an empty message")
	}

	var usage *Usage
	if m, ok := response.(map[string]any); ok {
		if u, ok := m["usage"].(map[string]any); ok {
			usage = normalizeUsage(u)
		}
	}
	return text, usage, nil
}

func toRESTMessages(messages []models.ChatMessage) []restMessage {
	out := make([]restMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, restMessage{Role: string(m.Role), Content: m.Text()})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
