// Package batch feeds batch-system job state into workflow instances.
//
// The batch client itself is external. Pollers return Reports, one per
// batch job, and an Updater applies them to the instances named by each
// report's execution name ("<job_id>.<instance_id>").
package batch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

var (
	// ErrUnknownBatchStatus indicates a batch status code missing from the StatusMap.
	ErrUnknownBatchStatus = errors.New("unknown batch status")

	// ErrInvalidExecutionName indicates a batch job name that is not "<job_id>.<instance_id>".
	ErrInvalidExecutionName = errors.New("invalid execution name")
)

// StatusMap translates batch status codes into major statuses.
type StatusMap map[string]workflow.Status

// LSFStatusMap covers the LSF bjobs STAT codes.
func LSFStatusMap() StatusMap {
	return StatusMap{
		"PEND":  workflow.StatusSubmitted,
		"RUN":   workflow.StatusRunning,
		"DONE":  workflow.StatusDone,
		"EXIT":  workflow.StatusFailed,
		"PSUSP": workflow.StatusRunning,
		"USUSP": workflow.StatusRunning,
		"SSUSP": workflow.StatusRunning,
		"ZOMBI": workflow.StatusTerminated,
	}
}

// Resolve returns the major status for code.
func (m StatusMap) Resolve(code string) (workflow.Status, error) {
	st, ok := m[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBatchStatus, code)
	}
	return st, nil
}

// ParseExecutionName splits a batch job name into the instance key. The job
// id may itself contain dots; the instance id follows the last one.
func ParseExecutionName(name string) (workflow.InstanceKey, error) {
	name = strings.TrimSpace(name)
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return workflow.InstanceKey{}, fmt.Errorf("%w: %q", ErrInvalidExecutionName, name)
	}
	id, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return workflow.InstanceKey{}, fmt.Errorf("%w: %q", ErrInvalidExecutionName, name)
	}
	return workflow.InstanceKey{JobID: name[:i], InstanceID: id}, nil
}

// ExecutionName is the batch job name for an instance.
func ExecutionName(key workflow.InstanceKey) string {
	return key.String()
}
