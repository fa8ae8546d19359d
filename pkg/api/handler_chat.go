package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/agent"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/stream"
	"github.com/snowlift/snowlift/pkg/term"
)

// chatHandler handles POST /api/chat.
//
// Flow:
//  1. Resolve the Snowflake session from the cookie (409 when absent,
//     expired, or failing revalidation).
//  2. Open the data stream and hand the conversation to the agent loop.
//  3. Frame loop output as text deltas; close with finish + [DONE].
//
// Everything that can fail with a status code happens before the first
// streamed byte; after that, errors surface inside the stream itself.
func (s *Server) chatHandler(c *echo.Context) error {
	sessionID := s.sessionID(c)
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusConflict, "Snowflake is not connected for this browser session")
	}
	session := s.sessions.GetContext(sessionID)
	if session == nil {
		return echo.NewHTTPError(http.StatusConflict, "Snowflake session expired or missing. Reconnect to continue")
	}

	var req models.ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.sessions.ValidateConnection(c.Request().Context(), session); err != nil {
		return mapServiceError(err)
	}
	s.sessions.Touch(session)

	chatID := c.QueryParam("id")
	if chatID == "" {
		chatID = req.ID
	}
	if chatID == "" {
		chatID = "chat-" + uuid.NewString()
	}

	// The agent only learns about uploads that actually exist.
	uploadsDir := filepath.Join(s.cfg.UploadDir, chatID)
	if entries, err := os.ReadDir(uploadsDir); err != nil || len(entries) == 0 {
		uploadsDir = ""
	}

	s.streams.Register(chatID)
	defer s.streams.Unregister(chatID)

	if protocol := c.QueryParam("protocol"); protocol != "" {
		c.Response().Header().Set("x-vercel-ai-protocol", protocol)
	}
	stream.SetHeaders(c.Response().Header())
	c.Response().WriteHeader(http.StatusOK)

	w := stream.NewWriter(c.Response())
	ctx := c.Request().Context()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.Heartbeat(hbCtx, s.cfg.SSEPingInterval)

	b := stream.NewBuilder("")
	textID := b.NewTextID()
	if err := w.Send(stream.StartPart(b.MessageID)); err != nil {
		return nil
	}
	if err := w.Send(stream.TextStartPart(textID)); err != nil {
		return nil
	}

	opts := agent.Options{
		ChatID:           chatID,
		SourceLanguage:   c.QueryParam("source_language"),
		UploadedFilesDir: uploadsDir,
		SessionID:        sessionID,
		CommandTimeout:   term.DefaultCommandTimeout,
	}
	emit := func(delta string) bool {
		return w.Send(stream.TextDeltaPart(textID, delta)) == nil
	}

	if err := s.loop.Run(ctx, session, req.Messages, opts, emit); err != nil {
		// Run only errors on context cancellation; the client is gone.
		_ = w.Send(stream.AbortPart("client disconnected"))
		return nil
	}
	if ctx.Err() != nil {
		_ = w.Send(stream.AbortPart("client disconnected"))
		return nil
	}

	_ = w.Send(stream.TextEndPart(textID))
	_ = w.Send(stream.FinishPart(nil))
	_ = w.Done()
	return nil
}

// chatReconnectHandler handles GET /api/chat/:chatId/stream.
//
// Resumable-stream probe: the UI calls this after a page reload to ask
// whether a stream is still running. There is nothing to replay, so the
// answer is always 204; the registry lookup exists so the probe shows up
// in logs with the right verdict.
func (s *Server) chatReconnectHandler(c *echo.Context) error {
	chatID := c.Param("chatId")
	if s.streams.HasActiveStream(chatID) {
		s.logger.Debug("reconnect probe hit active stream", "chat_id", chatID)
	}
	return c.NoContent(http.StatusNoContent)
}
