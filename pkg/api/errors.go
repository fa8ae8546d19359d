package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/services"
)

// mapServiceError converts service-layer errors to echo HTTP errors,
// keeping status-code decisions in one place.
func mapServiceError(err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, services.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotConnected), errors.Is(err, services.ErrSessionInvalid):
		// The frontend treats 409 as "reconnect to Snowflake".
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}

	slog.Error("Unhandled service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
