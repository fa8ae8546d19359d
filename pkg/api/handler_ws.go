package api

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/term"
)

const (
	defaultTermCols = 80
	defaultTermRows = 24
)

// resizeMessage is the only JSON control frame the terminal socket accepts;
// every other text frame is raw keystrokes.
type resizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// terminalHandler handles GET /ws/terminal.
//
// Spawns a shell PTY and relays it over the WebSocket. The PTY registers
// under the browser's session cookie so the chat agent can find it; the
// goroutine pumping PTY output to the socket is the PTY's single reader.
func (s *Server) terminalHandler(c *echo.Context) error {
	cols := queryDimension(c, "cols", defaultTermCols)
	rows := queryDimension(c, "rows", defaultTermRows)

	sessionID := s.sessionID(c)
	if sessionID == "" {
		sessionID = "default"
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Browser origin checks are covered by the CORS allowlist on the
		// HTTP routes; the socket itself is cookie-scoped.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	session := term.NewSession(s.cfg.Shell, cols, rows, s.logger)
	if err := session.Spawn(); err != nil {
		s.logger.Error("spawning terminal shell", "shell", s.cfg.Shell, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "unable to start shell")
		return nil
	}

	s.ptys.Register(sessionID, session)
	s.logger.Info("terminal attached", "session_id", sessionID, "cols", cols, "rows", rows)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer func() {
		cancel()
		s.ptys.Unregister(sessionID)
		session.Close()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// PTY → socket. Sole reader of the subprocess; command capture taps
	// this stream rather than reading the PTY itself.
	go func() {
		defer cancel()
		for {
			data, err := session.ReadOutput()
			if err != nil {
				return
			}
			if len(data) == 0 {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}()

	// Socket → PTY.
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		if msgType != websocket.MessageText {
			continue
		}

		if len(data) > 0 && data[0] == '{' {
			var msg resizeMessage
			if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "resize" {
				if err := session.Resize(msg.Cols, msg.Rows); err != nil {
					s.logger.Warn("terminal resize failed", "session_id", sessionID, "error", err)
				}
				continue
			}
		}

		if err := session.Write(data); err != nil {
			return nil
		}
	}
}

// queryDimension parses a PTY dimension query parameter, falling back on
// nonsense values.
func queryDimension(c *echo.Context, name string, fallback uint16) uint16 {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > 1<<15 {
		return fallback
	}
	return uint16(v)
}
