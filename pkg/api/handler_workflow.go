package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/stream"
)

// workflowStartHandler handles POST /api/scai/start.
// Registers the run; nothing executes until the client attaches to
// /api/scai/run/:runId.
func (s *Server) workflowStartHandler(c *echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_name is required")
	}

	mc := s.buildMigrationContext(c, req)
	run := s.runner.StartRun(mc)

	return c.JSON(http.StatusOK, &StartRunResponse{
		RunID:  run.ID,
		Status: string(run.Status()),
	})
}

// workflowRunHandler handles GET /api/scai/run/:runId.
// Streams the run's execution; terminal and paused runs replay their
// final view instead.
func (s *Server) workflowRunHandler(c *echo.Context) error {
	runID := c.Param("runId")
	if _, ok := s.runner.Get(runID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	w, cleanup := s.openRunStream(c, runID)
	defer cleanup()

	s.runner.StreamRun(c.Request().Context(), runID, w)
	_ = w.Done()
	return nil
}

// workflowStatusHandler handles GET /api/scai/status/:runId.
func (s *Server) workflowStatusHandler(c *echo.Context) error {
	snapshot, ok := s.runner.Snapshot(c.Param("runId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, snapshot)
}

// workflowUploadDDLHandler handles POST /api/scai/upload-ddl/:runId.
// Accepts the DDL script that resolves a missing-object pause. The script
// executes when the run resumes, before the converted files are retried.
func (s *Server) workflowUploadDDLHandler(c *echo.Context) error {
	runID := c.Param("runId")
	run, ok := s.runner.Get(runID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if !run.RequiresDDLUpload() {
		return echo.NewHTTPError(http.StatusBadRequest, "run does not require DDL upload")
	}

	fh, err := firstUploadedFile(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "a DDL file is required")
	}

	name := filepath.Base(filepath.FromSlash(fh.Filename))
	ddlDir := filepath.Join(s.cfg.UploadDir, "ddl", runID)
	if err := os.MkdirAll(ddlDir, 0o755); err != nil {
		s.logger.Error("creating DDL directory", "dir", ddlDir, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to store DDL")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read DDL file")
	}
	content, err := io.ReadAll(src)
	_ = src.Close()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read DDL file")
	}

	ddlPath := filepath.Join(ddlDir, name)
	if err := os.WriteFile(ddlPath, content, 0o644); err != nil {
		s.logger.Error("writing DDL file", "file", ddlPath, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to store DDL")
	}

	run.SetDDLUploadPath(ddlPath)
	s.logger.Info("DDL uploaded", "run_id", runID, "file", ddlPath)

	return c.JSON(http.StatusOK, &DDLUploadResponse{
		RunID:  runID,
		Status: "uploaded",
		Message: fmt.Sprintf("DDL file %q uploaded. Call /api/scai/resume/%s to continue.",
			name, runID),
	})
}

// workflowResumeHandler handles POST /api/scai/resume/:runId.
// Clears the human-review pause and streams execution from the SQL
// execution stage onward.
func (s *Server) workflowResumeHandler(c *echo.Context) error {
	runID := c.Param("runId")
	run, ok := s.runner.Get(runID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if !run.Paused() {
		return echo.NewHTTPError(http.StatusBadRequest, "run is not paused")
	}

	w, cleanup := s.openRunStream(c, runID)
	defer cleanup()

	s.runner.ResumeRun(c.Request().Context(), runID, w)
	_ = w.Done()
	return nil
}

// openRunStream switches the response into SSE mode and registers the run
// with the stream registry. The returned cleanup stops the heartbeat and
// unregisters.
func (s *Server) openRunStream(c *echo.Context, runID string) (*stream.Writer, func()) {
	s.streams.Register(runID)

	stream.SetHeaders(c.Response().Header())
	c.Response().WriteHeader(http.StatusOK)

	w := stream.NewWriter(c.Response())
	hbCtx, stopHeartbeat := context.WithCancel(c.Request().Context())
	go w.Heartbeat(hbCtx, s.cfg.SSEPingInterval)

	return w, func() {
		stopHeartbeat()
		s.streams.Unregister(runID)
	}
}

// buildMigrationContext merges the start request with environment defaults.
func (s *Server) buildMigrationContext(c *echo.Context, req StartRunRequest) *models.MigrationContext {
	mc := models.NewMigrationContext(req.ProjectName)

	if req.SourceLanguage != "" {
		mc.SourceLanguage = req.SourceLanguage
	}
	if req.TargetPlatform != "" {
		mc.TargetPlatform = req.TargetPlatform
	}
	mc.SourceDirectory = req.SourceDirectory
	mc.MappingCSVPath = req.MappingCSVPath
	if req.StatementType != "" {
		mc.StatementType = req.StatementType
	}

	mc.MaxSelfHealIterations = s.cfg.MaxSelfHealIterations
	if req.MaxSelfHealIterations > 0 {
		mc.MaxSelfHealIterations = req.MaxSelfHealIterations
	}

	env := s.cfg.Snowflake
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	mc.SFAccount = pick(req.SFAccount, env.Account)
	mc.SFUser = pick(req.SFUser, env.User)
	mc.SFRole = pick(req.SFRole, env.Role)
	mc.SFWarehouse = pick(req.SFWarehouse, env.Warehouse)
	mc.SFDatabase = pick(req.SFDatabase, env.Database)
	mc.SFSchema = pick(req.SFSchema, env.Schema)
	mc.SFAuthenticator = pick(req.SFAuthenticator, env.Authenticator)

	// Ties workflow terminal echo to the caller's PTY when one is open.
	mc.SessionID = s.sessionID(c)
	return mc
}

// firstUploadedFile returns the first file part of a multipart request,
// preferring the conventional "file" field.
func firstUploadedFile(r *http.Request) (*multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, err
	}
	form := r.MultipartForm
	if form == nil {
		return nil, http.ErrMissingFile
	}
	if headers := form.File["file"]; len(headers) > 0 {
		return headers[0], nil
	}
	for _, headers := range form.File {
		if len(headers) > 0 {
			return headers[0], nil
		}
	}
	return nil, http.ErrMissingFile
}
