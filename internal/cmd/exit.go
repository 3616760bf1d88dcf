package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/jobtrail/pkg/batch"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

// ExitError pairs a failure with the process exit code it maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError[C ~int](code C, msg string, err error) error {
	return &ExitError{Code: int(code), Message: msg, Err: err}
}

// readError maps a failed file read onto FileNotFound or FileReadError.
func readError(msg string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return exitError(foundry.ExitFileNotFound, msg, err)
	}
	return exitError(foundry.ExitFileReadError, msg, err)
}

// ExitCode returns the process exit code for an error returned by Execute.
// Errors without an explicit code are classified by kind; anything else
// exits 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return int(foundry.ExitSignalInt)
	case workflow.IsNotFound(err),
		workflow.IsInvalidTransition(err),
		workflow.IsDuplicate(err),
		errors.Is(err, workflow.ErrArchivedJob),
		errors.Is(err, workflow.ErrInstanceCapacityExceeded),
		errors.Is(err, workflow.ErrUnsupportedStatus),
		errors.Is(err, workflow.ErrUnsupportedMinorStatus),
		errors.Is(err, workflow.ErrUnsupportedMetricKey),
		errors.Is(err, workflow.ErrDependencyCycle),
		errors.Is(err, workflow.ErrSelfDependency),
		errors.Is(err, workflow.ErrMalformedBody),
		errors.Is(err, batch.ErrInvalidExecutionName),
		errors.Is(err, batch.ErrUnknownBatchStatus):
		return int(foundry.ExitInvalidArgument)
	case workflow.IsConflict(err):
		return int(foundry.ExitExternalServiceUnavailable)
	default:
		return 1
	}
}
