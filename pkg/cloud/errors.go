package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openfroyo/wsm/pkg/engine"
)

var (
	// ErrNotFound is returned when the requested cloud object does not exist.
	ErrNotFound = errors.New("cloud object not found")

	// ErrAlreadyExists is returned when a create collides with an existing object.
	ErrAlreadyExists = errors.New("cloud object already exists")
)

// APIError is a failed provider call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api error %d: %s", e.StatusCode, e.Message)
}

// NewAPIError creates an APIError.
func NewAPIError(status int, message string) *APIError {
	return &APIError{StatusCode: status, Message: message}
}

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAlreadyExists reports whether err is a create collision.
func IsAlreadyExists(err error) bool {
	if errors.Is(err, ErrAlreadyExists) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Classify converts a provider error into an engine error. Rate limiting and
// server errors are retryable, other client errors are permanent, and
// errors without a status (transport failures) are treated as transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	msg := "failed to " + op
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeTimeout).WithOperation(op)
	case errors.Is(err, ErrNotFound):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound).WithOperation(op)
	case errors.Is(err, ErrAlreadyExists):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeAlreadyExists).WithOperation(op)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeProviderFailed).WithOperation(op)
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return engine.NewThrottledError(msg, err).WithCode(engine.ErrCodeRateLimited).WithOperation(op)
	case apiErr.StatusCode >= 500:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeProviderFailed).WithOperation(op)
	case apiErr.StatusCode == http.StatusNotFound:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound).WithOperation(op)
	case apiErr.StatusCode == http.StatusConflict:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeAlreadyExists).WithOperation(op)
	case apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusUnauthorized:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied).WithOperation(op)
	default:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed).WithOperation(op)
	}
}
