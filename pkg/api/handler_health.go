package api

import (
	"fmt"
	"net/http"
	"os/exec"

	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only local components are reported; Snowflake reachability is a
// per-session concern and deliberately not probed here, so a flaky
// upstream cannot make the orchestrator restart the service. A missing
// SnowConvert CLI degrades the report without failing it: chat and
// terminal sessions still work, and a restart would not install it.
func (s *Server) healthHandler(c *echo.Context) error {
	status := healthStatusHealthy
	checks := map[string]HealthCheck{
		"sessions": {
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d active", s.sessions.Count()),
		},
		"runs": {
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d registered", s.runner.Count()),
		},
	}

	if path, err := exec.LookPath(s.cfg.ScaiBin); err != nil {
		status = healthStatusDegraded
		checks["scai_cli"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["scai_cli"] = HealthCheck{Status: healthStatusHealthy, Message: path}
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
