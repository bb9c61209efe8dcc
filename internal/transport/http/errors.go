package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/connector-orchestrator/internal/app/connector"
	"github.com/connector-orchestrator/pkg/logger"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// retryAfterSeconds is advertised on retryable 409 and 503 responses.
const retryAfterSeconds = 5

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeInvalidInput
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

// writeServiceError maps a service error to the JSON envelope. Internal
// details are logged, never returned.
func writeServiceError(w http.ResponseWriter, err error) {
	status := connector.HTTPStatus(err)
	message := err.Error()

	var details interface{}
	var conflict *connector.StateConflictError
	if errors.As(err, &conflict) {
		details = map[string]string{"current_state": string(conflict.Current)}
	}

	switch status {
	case http.StatusInternalServerError:
		logger.WithError(err).Msg("Request failed")
		message = "internal error"
	case http.StatusServiceUnavailable:
		logger.Warn().Err(err).Msg("Request failed with a retryable error")
		message = "service temporarily unavailable"
		if errors.Is(err, connector.ErrDeleteTimeout) {
			message = connector.ErrDeleteTimeout.Error()
		}
	case http.StatusUnauthorized:
		message = "unauthorized"
	}

	if connector.IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	WriteError(w, status, codeFor(status), message, details)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode response")
	}
}
