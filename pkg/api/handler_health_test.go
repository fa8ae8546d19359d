package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	getHealth := func(t *testing.T, s *Server) HealthResponse {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	t.Run("healthy when conversion CLI is resolvable", func(t *testing.T) {
		s := newTestServer(t, &scriptedCaller{})
		s.cfg.ScaiBin = "/bin/sh"
		connectSession(t, s, "sess-1")

		resp := getHealth(t, s)
		assert.Equal(t, healthStatusHealthy, resp.Status)
		require.Contains(t, resp.Checks, "sessions")
		require.Contains(t, resp.Checks, "runs")
		require.Contains(t, resp.Checks, "scai_cli")
		assert.Equal(t, "1 active", resp.Checks["sessions"].Message)
		assert.Equal(t, "/bin/sh", resp.Checks["scai_cli"].Message)
	})

	t.Run("degraded when conversion CLI is missing", func(t *testing.T) {
		s := newTestServer(t, &scriptedCaller{})
		s.cfg.ScaiBin = "snowconvert-cli-not-installed"

		resp := getHealth(t, s)
		assert.Equal(t, healthStatusDegraded, resp.Status)
		require.Contains(t, resp.Checks, "scai_cli")
		assert.Equal(t, healthStatusUnhealthy, resp.Checks["scai_cli"].Status)
		assert.NotEmpty(t, resp.Checks["scai_cli"].Message)
	})
}
