package pipeline

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Sentinel errors returned by the Orchestrator. Test with errors.Is.
var (
	ErrConfigurationIncomplete = errors.New("configuration incomplete")
	ErrAlreadyActive           = errors.New("job already active")
	ErrActionFailed            = errors.New("action failed")
	ErrNotificationFailed      = errors.New("notification failed")
	ErrNothingToRetry          = errors.New("nothing to retry")
	ErrUnknownJob              = errors.New("unknown job")
	ErrBusy                    = errors.New("job busy")
	ErrPersistence             = errors.New("persistence failure")
	ErrNoActiveRun             = errors.New("no active run")
)

// ConfigurationError lists the required settings a job is missing.
type ConfigurationError struct {
	Job     string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("job %s configuration incomplete, missing: %s", e.Job, strings.Join(e.Missing, ", "))
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigurationIncomplete
}

func persistenceError(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrPersistence)
}
