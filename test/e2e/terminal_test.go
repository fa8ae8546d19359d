package e2e

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// dialTerminal opens the PTY WebSocket against the live test server.
func dialTerminal(ctx context.Context, t *testing.T, app *TestApp, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(app.BaseURL, "http") + "/ws/terminal"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	require.NoError(t, err)
	return conn
}

// readUntil accumulates terminal frames until the wanted substring shows up.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var output strings.Builder
	for !strings.Contains(output.String(), want) {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %q, saw %q", want, output.String())
		output.Write(data)
	}
	return output.String()
}

func TestE2E_TerminalShellRoundTrip(t *testing.T) {
	app := NewTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn := dialTerminal(ctx, t, app, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Quote-split the word so the echoed keystrokes cannot satisfy the
	// assertion; only the command's own output contains it joined.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("echo ter''minal-ok\r")))
	readUntil(ctx, t, conn, "terminal-ok")
}

func TestE2E_TerminalResizeControlFrame(t *testing.T) {
	app := NewTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn := dialTerminal(ctx, t, app, "cols=80&rows=24")
	defer conn.Close(websocket.StatusNormalClosure, "")

	resize, err := json.Marshal(map[string]any{"type": "resize", "cols": 120, "rows": 40})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, resize))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("stty size\r")))
	readUntil(ctx, t, conn, "40 120")
}
