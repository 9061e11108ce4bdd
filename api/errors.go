package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskhub/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInactive), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status and user facing message for err.
// Unclassified errors are logged and hidden behind a generic message.
func writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	if m := telemetryFrom(c); m != nil {
		m.SetErrorStage(errorStage(err))
	}
	return c.JSON(status, errorResponse{Error: domain.UserMessage(err)})
}

func errorStage(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "forbidden"
	case errors.Is(err, domain.ErrInactive):
		return "inactive"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "internal"
	}
}

func badRequest(c echo.Context, msg string) error {
	if m := telemetryFrom(c); m != nil {
		m.SetErrorStage("bad_request")
	}
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}
