package api

import (
	"time"

	"github.com/snowlift/snowlift/pkg/models"
)

// ConnectResponse is returned by POST /api/snowflake/connect.
type ConnectResponse struct {
	Connected bool      `json:"connected"`
	ExpiresAt time.Time `json:"expiresAt"`
	SessionID string    `json:"sessionId"`
}

// DisconnectResponse is returned by POST /api/snowflake/disconnect.
type DisconnectResponse struct {
	Disconnected bool `json:"disconnected"`
}

// UploadResponse is returned by POST /api/upload/:chatId.
type UploadResponse struct {
	Files     []models.UploadedFile `json:"files"`
	UploadDir string                `json:"upload_dir"`
}

// StartRunResponse is returned by POST /api/scai/start.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// DDLUploadResponse is returned by POST /api/scai/upload-ddl/:runId.
type DDLUploadResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthCheck is one component's view in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
