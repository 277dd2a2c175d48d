package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"stakebot/internal/notification"
	"stakebot/internal/task/queue"
	"stakebot/internal/toast"
	logx "stakebot/pkg/logx"
)

// Envelope wraps every response body.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports the first invalid request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrInvalidInput = errors.New("api: invalid input")
	ErrUnavailable  = errors.New("api: not configured")
)

func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data})
}

func errorHandler(log logx.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, apiErr := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
		}
		if jsonErr := c.JSON(status, Envelope{Error: &apiErr}); jsonErr != nil {
			log.Warn("failed to send error response", logx.Err(jsonErr))
		}
	}
}

func mapError(err error) (int, APIError) {
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{Code: http.StatusText(echoErr.Code), Message: msg}
	}

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, APIError{
			Code:    "validation_error",
			Message: "Validation failed",
			Details: []FieldError{{Field: verr.Field, Message: verr.Message}},
		}
	case errors.Is(err, notification.ErrNotFound):
		return http.StatusNotFound, APIError{Code: "not_found", Message: "No active notification with that key"}
	case errors.Is(err, notification.ErrUnknownKey):
		return http.StatusBadRequest, APIError{Code: "unknown_key", Message: err.Error()}
	case errors.Is(err, notification.ErrNotDismissable):
		return http.StatusConflict, APIError{Code: "not_dismissable", Message: "This notification cannot be dismissed"}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, APIError{Code: "unauthorized", Message: "A valid bearer token is required"}
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, APIError{Code: "invalid_input", Message: err.Error()}
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable, APIError{Code: "queue_unavailable", Message: err.Error()}
	case errors.Is(err, toast.ErrNoPrompter), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, APIError{Code: "unavailable", Message: err.Error()}
	default:
		return http.StatusInternalServerError, APIError{Code: "internal_error", Message: "An unexpected error occurred"}
	}
}
