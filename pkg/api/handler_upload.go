package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"

	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/models"
)

const (
	maxUploadMemory = 32 << 20 // bytes held in memory before spilling to disk
	binaryPreview   = "-- binary file --"
)

// uploadHandler handles POST /api/upload/:chatId.
//
// Files land under <UPLOAD_DIR>/<chatId>/ with any client folder structure
// flattened to bare filenames. Text files get a UTF-8 preview for the
// workbench; binary content is marked instead of echoed.
func (s *Server) uploadHandler(c *echo.Context) error {
	chatID := c.Param("chatId")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	if err := c.Request().ParseMultipartForm(maxUploadMemory); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
	}
	form := c.Request().MultipartForm
	if form == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no files provided")
	}
	defer func() { _ = form.RemoveAll() }()

	uploadDir := filepath.Join(s.cfg.UploadDir, chatID)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		s.logger.Error("creating upload directory", "dir", uploadDir, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to store uploads")
	}

	files := make([]models.UploadedFile, 0, 4)
	for _, headers := range form.File {
		for _, fh := range headers {
			name := filepath.Base(filepath.FromSlash(fh.Filename))
			if name == "" || name == "." || name == string(filepath.Separator) {
				continue
			}

			src, err := fh.Open()
			if err != nil {
				s.logger.Warn("skipping unreadable upload", "file", fh.Filename, "error", err)
				continue
			}
			content, err := io.ReadAll(src)
			_ = src.Close()
			if err != nil {
				s.logger.Warn("skipping unreadable upload", "file", fh.Filename, "error", err)
				continue
			}

			dest := filepath.Join(uploadDir, name)
			if err := os.WriteFile(dest, content, 0o644); err != nil {
				s.logger.Error("writing upload", "file", dest, "error", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "unable to store uploads")
			}

			preview := binaryPreview
			if utf8.Valid(content) {
				preview = string(content)
			}
			files = append(files, models.UploadedFile{
				Name:    name,
				Path:    dest,
				Size:    int64(len(content)),
				Preview: preview,
			})
		}
	}

	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files provided")
	}

	s.logger.Info("uploads stored", "chat_id", chatID, "count", len(files))
	return c.JSON(http.StatusOK, &UploadResponse{Files: files, UploadDir: uploadDir})
}
