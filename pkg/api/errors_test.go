package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlift/snowlift/pkg/services"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{
			name:     "validation error maps to 400",
			err:      services.NewValidationError("account", "is required"),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not found maps to 404",
			err:      services.ErrNotFound,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "wrapped not found maps to 404",
			err:      fmt.Errorf("lookup: %w", services.ErrNotFound),
			wantCode: http.StatusNotFound,
		},
		{
			name:     "invalid input maps to 400",
			err:      fmt.Errorf("%w: bad cols", services.ErrInvalidInput),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not connected maps to 409",
			err:      services.ErrNotConnected,
			wantCode: http.StatusConflict,
		},
		{
			name:     "invalid session maps to 409",
			err:      fmt.Errorf("%w: please reconnect", services.ErrSessionInvalid),
			wantCode: http.StatusConflict,
		},
		{
			name:     "already exists maps to 409",
			err:      services.ErrAlreadyExists,
			wantCode: http.StatusConflict,
		},
		{
			name:     "unknown error maps to 500",
			err:      errors.New("boom"),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapServiceError(tt.err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok, "expected echo.HTTPError")
			assert.Equal(t, tt.wantCode, he.Code)
		})
	}
}

func TestMapServiceErrorKeepsSessionMessage(t *testing.T) {
	err := mapServiceError(fmt.Errorf("%w: please reconnect: probe failed", services.ErrSessionInvalid))
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Contains(t, fmt.Sprint(he.Message), "please reconnect")
}
