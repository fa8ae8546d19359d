package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// sessionID reads the browser session cookie. Empty when absent.
func (s *Server) sessionID(c *echo.Context) string {
	cookie, err := c.Request().Cookie(s.cfg.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ensureSessionID returns the cookie's session id, minting a fresh one for
// first-time clients. The id only becomes sticky once setSessionCookie runs.
func (s *Server) ensureSessionID(c *echo.Context) string {
	if id := s.sessionID(c); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) setSessionCookie(c *echo.Context, sessionID string) {
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     s.cfg.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: s.cfg.CookieSameSite,
	})
}

func (s *Server) clearSessionCookie(c *echo.Context) {
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     s.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: s.cfg.CookieSameSite,
	})
}
