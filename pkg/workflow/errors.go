package workflow

import (
	"errors"
	"fmt"

	"github.com/3leaps/jobtrail/pkg/body"
	"github.com/3leaps/jobtrail/pkg/metric"
)

// Sentinel errors for workflow operations.
var (
	// ErrInvalidTransition indicates an illegal major-status move out of a final state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentUpdateConflict indicates a conditional update matched zero or
	// more than one record.
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")

	// ErrDuplicateInstance indicates an instance id is already taken within the job.
	ErrDuplicateInstance = errors.New("duplicate instance")

	// ErrArchivedJob indicates an instance append was attempted on an archived job.
	ErrArchivedJob = errors.New("job is archived")

	// ErrInstanceCapacityExceeded indicates the job already holds MaxInstances instances.
	ErrInstanceCapacityExceeded = errors.New("instance capacity exceeded")

	// ErrUnsupportedStatus indicates a major status outside the known set.
	ErrUnsupportedStatus = errors.New("unsupported status")

	// ErrUnsupportedMinorStatus indicates an unusable minor status label.
	ErrUnsupportedMinorStatus = errors.New("unsupported minor status")

	// ErrUnsupportedMetricKey indicates a metric key other than cpu or memory.
	ErrUnsupportedMetricKey = errors.New("unsupported metric key")

	// ErrUnsupportedJobType indicates a job type outside the known set.
	ErrUnsupportedJobType = errors.New("unsupported job type")

	// ErrUnsupportedSite indicates an execution site outside the known set.
	ErrUnsupportedSite = errors.New("unsupported execution site")

	// ErrJobNotFound indicates the job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInstanceNotFound indicates the instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrDuplicateJob indicates the job id or slug is already taken.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrDependencyCycle indicates a dependency would close a cycle between jobs.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrSelfDependency indicates a job was declared as its own dependency.
	ErrSelfDependency = errors.New("job cannot depend on itself")

	// ErrDependencyInstanceMissing indicates a dependency job has no instance
	// with the requested id.
	ErrDependencyInstanceMissing = errors.New("dependency instance missing")

	// ErrZeroWallTime indicates an efficiency was requested over zero wall time.
	ErrZeroWallTime = errors.New("zero wall time")

	// ErrInsufficientHistory indicates wall time was requested with fewer than
	// two history entries.
	ErrInsufficientHistory = errors.New("insufficient status history")

	// ErrDuplicateDataFile indicates a (filename, site) pair is already registered.
	ErrDuplicateDataFile = errors.New("duplicate data file")

	// ErrUnsupportedFileStatus indicates a data file status outside the known set.
	ErrUnsupportedFileStatus = errors.New("unsupported data file status")

	// ErrInvalidCount indicates a non-positive bulk count.
	ErrInvalidCount = errors.New("instance count must be positive")
)

// Re-exported so callers can match aggregation and body failures without
// importing the leaf packages.
var (
	ErrEmptySeries   = metric.ErrEmptySeries
	ErrMalformedBody = body.ErrMalformedBody
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Key  InstanceKey
	From Status
	To   Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: cannot move from final status %s to %s", e.Key, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition for errors.Is support.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// UpdateConflictError describes a conditional write that did not affect
// exactly one record.
type UpdateConflictError struct {
	// Op is the write that failed (e.g. "SetStatus", "SetCPUMax").
	Op       string
	Key      InstanceKey
	Affected int64
}

// Error implements the error interface.
func (e *UpdateConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected 1 record affected, got %d", e.Op, e.Key, e.Affected)
}

// Unwrap returns ErrConcurrentUpdateConflict for errors.Is support.
func (e *UpdateConflictError) Unwrap() error {
	return ErrConcurrentUpdateConflict
}

// IsInvalidTransition returns true if the error indicates a rejected status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsConflict returns true if the error indicates a failed conditional write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentUpdateConflict)
}

// IsNotFound returns true if the error indicates a missing job or instance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInstanceNotFound)
}

// IsDuplicate returns true if the error indicates a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateInstance) || errors.Is(err, ErrDuplicateJob) || errors.Is(err, ErrDuplicateDataFile)
}
