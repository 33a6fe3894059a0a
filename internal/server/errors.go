package server

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/jonathan/agent-runner/internal/pipeline"
)

// Error codes returned in the "error" field of every error body.
const (
	CodeConfigurationIncomplete = "configuration_incomplete"
	CodeUnknownJob              = "unknown_job"
	CodeAlreadyActive           = "already_active"
	CodeBusy                    = "busy"
	CodeNothingToRetry          = "nothing_to_retry"
	CodeNoActiveRun             = "no_active_run"
	CodeInvalidRequest          = "invalid_request"
	CodePersistence             = "persistence_failure"
	CodeRateLimited             = "rate_limit_exceeded"
	CodeInternal                = "internal_error"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var verr *ErrValidation
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrConfigurationIncomplete):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyActive),
		errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, pipeline.ErrNothingToRetry),
		errors.Is(err, pipeline.ErrNoActiveRun):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the machine-readable code for an error.
func ErrorCode(err error) string {
	var verr *ErrValidation
	switch {
	case errors.As(err, &verr):
		return CodeInvalidRequest
	case errors.Is(err, pipeline.ErrConfigurationIncomplete):
		return CodeConfigurationIncomplete
	case errors.Is(err, pipeline.ErrUnknownJob):
		return CodeUnknownJob
	case errors.Is(err, pipeline.ErrAlreadyActive):
		return CodeAlreadyActive
	case errors.Is(err, pipeline.ErrBusy):
		return CodeBusy
	case errors.Is(err, pipeline.ErrNothingToRetry):
		return CodeNothingToRetry
	case errors.Is(err, pipeline.ErrNoActiveRun):
		return CodeNoActiveRun
	case errors.Is(err, pipeline.ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}

func unknownJob(name string) error {
	return errors.Wrapf(pipeline.ErrUnknownJob, "%s", name)
}
