package connector

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/connector-orchestrator/internal/domain"
)

var (
	ErrInvalidInput        = errors.New("invalid input provided")
	ErrUnknownProvider     = errors.New("unknown connector provider")
	ErrConnectorNotFound   = errors.New("connector not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrProvisioning        = errors.New("connector is still provisioning")
	ErrDeleteTimeout       = errors.New("timed out waiting for in-flight sync to stop")
	ErrUnavailable         = errors.New("connector store unavailable")
	ErrWebhookUnauthorized = errors.New("unauthorized")
)

// StateConflictError surfaces the connector's current state alongside the
// rejected transition.
type StateConflictError struct {
	Op      string
	Current domain.State
	Err     error
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: %v (current state %q)", e.Op, e.Err, e.Current)
}

func (e *StateConflictError) Unwrap() error {
	return e.Err
}

func conflict(op string, current domain.State, err error) error {
	return &StateConflictError{Op: op, Current: current, Err: err}
}

// IsRetryable reports whether the caller should retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProvisioning) ||
		errors.Is(err, ErrDeleteTimeout) ||
		errors.Is(err, ErrUnavailable)
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, ErrWebhookUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConnectorNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrProvisioning):
		return http.StatusConflict
	case errors.Is(err, ErrDeleteTimeout), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// storeErr maps store failures into service errors. Anything that is not a
// known domain outcome is treated as the store being unavailable.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return ErrConnectorNotFound
	case errors.Is(err, ErrInvalidState):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
