package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/upstream"
)

// connectHandler handles POST /api/snowflake/connect.
//
// Flow:
//  1. Reuse the browser's session id or mint one.
//  2. Merge the request with environment fallbacks.
//  3. Open the upstream connection (replacing any prior session).
//  4. Set the session cookie and report the expiry.
func (s *Server) connectHandler(c *echo.Context) error {
	sessionID := s.ensureSessionID(c)

	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cfg := s.upstreamConfig(req)
	if cfg.Account == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account is required")
	}
	if cfg.User == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user is required")
	}

	session, err := s.sessions.CreateOrReplace(c.Request().Context(), sessionID, cfg, req.Model, req.CortexFunction)
	if err != nil {
		// Auth and connectivity failures are the client's to fix.
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.setSessionCookie(c, sessionID)
	return c.JSON(http.StatusOK, &ConnectResponse{
		Connected: true,
		ExpiresAt: session.ExpiresAt,
		SessionID: sessionID,
	})
}

// snowflakeStatusHandler handles GET /api/snowflake/status.
func (s *Server) snowflakeStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.BuildStatus(s.sessionID(c)))
}

// disconnectHandler handles POST /api/snowflake/disconnect.
// Always succeeds; the cookie is cleared even when no session existed.
func (s *Server) disconnectHandler(c *echo.Context) error {
	disconnected := false
	if sessionID := s.sessionID(c); sessionID != "" {
		disconnected = s.sessions.Disconnect(sessionID)
	}

	s.clearSessionCookie(c)
	return c.JSON(http.StatusOK, &DisconnectResponse{Disconnected: disconnected})
}

// upstreamConfig merges a connect request with environment fallbacks. The
// request wins field by field.
func (s *Server) upstreamConfig(req ConnectRequest) upstream.Config {
	env := s.cfg.Snowflake
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	return upstream.Config{
		Account:       pick(req.Account, env.Account),
		User:          pick(req.User, env.User),
		Password:      pick(req.Password, env.Password),
		Role:          pick(req.Role, env.Role),
		Warehouse:     pick(req.Warehouse, env.Warehouse),
		Database:      pick(req.Database, env.Database),
		Schema:        pick(req.Schema, env.Schema),
		Authenticator: pick(req.Authenticator, env.Authenticator),
		Token:         pick(req.Token, env.Token),
	}
}
