package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DependencyState is the state of one dependency for a given instance id.
type DependencyState struct {
	JobID string `json:"job_id"`
	Slug  string `json:"slug"`
	// Found is false when the dependency job has no instance with the id.
	Found     bool   `json:"found"`
	Status    Status `json:"status,omitempty"`
	Satisfied bool   `json:"satisfied"`
}

// DependencyReport lists the state of every dependency of an instance.
type DependencyReport struct {
	Key      InstanceKey       `json:"key"`
	Required Status            `json:"required"`
	States   []DependencyState `json:"dependencies"`
}

// Ready reports whether every dependency instance holds the required status.
func (r *DependencyReport) Ready() bool {
	for _, s := range r.States {
		if !s.Satisfied {
			return false
		}
	}
	return true
}

// Missing returns the dependency jobs without a matching instance.
func (r *DependencyReport) Missing() []string {
	var out []string
	for _, s := range r.States {
		if !s.Found {
			out = append(out, s.JobID)
		}
	}
	return out
}

// Err returns ErrDependencyInstanceMissing when any dependency lacks a
// matching instance, and nil otherwise.
func (r *DependencyReport) Err() error {
	if missing := r.Missing(); len(missing) > 0 {
		return fmt.Errorf("instance %d: %w in %v", r.Key.InstanceID, ErrDependencyInstanceMissing, missing)
	}
	return nil
}

// ResolveDependencies looks up, for every dependency of the instance's job,
// the sibling instance with the same instance id and compares its status
// with required (Done when empty).
func (m *Manager) ResolveDependencies(ctx context.Context, key InstanceKey, required Status) (*DependencyReport, error) {
	if required == "" {
		required = StatusDone
	}
	if !required.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStatus, required)
	}
	job, err := m.store.GetJob(ctx, key.JobID)
	if err != nil {
		return nil, err
	}

	report := &DependencyReport{Key: key, Required: required, States: make([]DependencyState, 0, len(job.Dependencies))}
	for _, depID := range job.Dependencies {
		state := DependencyState{JobID: depID}
		if dep, err := m.store.GetJob(ctx, depID); err == nil {
			state.Slug = dep.Slug
		} else if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}

		inst, err := m.store.GetInstance(ctx, InstanceKey{JobID: depID, InstanceID: key.InstanceID})
		switch {
		case err == nil:
			state.Found = true
			state.Status = inst.Status
			state.Satisfied = inst.Status == required
		case errors.Is(err, ErrInstanceNotFound):
			m.logger.Warn("Dependency has no matching instance",
				zap.String("job", depID),
				zap.Int64("instance", key.InstanceID),
			)
		default:
			return nil, err
		}
		report.States = append(report.States, state)
	}
	return report, nil
}

// CheckDependencies reports whether every dependency's matching instance
// holds required (Done when empty). A dependency without a matching
// instance makes the check false.
func (m *Manager) CheckDependencies(ctx context.Context, key InstanceKey, required Status) (bool, error) {
	report, err := m.ResolveDependencies(ctx, key, required)
	if err != nil {
		return false, err
	}
	return report.Ready(), nil
}

// AddDependency declares depID as a dependency of jobID. Self references and
// dependencies that would close a cycle are rejected.
func (m *Manager) AddDependency(ctx context.Context, jobID, depID string) error {
	if jobID == depID {
		return fmt.Errorf("%w: %s", ErrSelfDependency, jobID)
	}

	unlock := m.locks.Lock(jobID)
	defer unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if _, err := m.store.GetJob(ctx, depID); err != nil {
		return fmt.Errorf("dependency %s: %w", depID, err)
	}
	if job.DependsOn(depID) {
		return nil
	}

	path, err := m.dependencyPath(ctx, depID, jobID)
	if err != nil {
		return err
	}
	if path != nil {
		return fmt.Errorf("%w: %s -> %v", ErrDependencyCycle, jobID, path)
	}

	job.Dependencies = append(job.Dependencies, depID)
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	m.logger.Info("Added dependency", zap.String("job", jobID), zap.String("dependency", depID))
	return nil
}

// dependencyPath runs a depth-first search along declared dependencies from
// start and returns the path to target, or nil if target is unreachable.
func (m *Manager) dependencyPath(ctx context.Context, start, target string) ([]string, error) {
	visited := make(map[string]bool)
	var path []string

	var visit func(id string) (bool, error)
	visit = func(id string) (bool, error) {
		path = append(path, id)
		if id == target {
			return true, nil
		}
		if visited[id] {
			path = path[:len(path)-1]
			return false, nil
		}
		visited[id] = true

		job, err := m.store.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			path = path[:len(path)-1]
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, dep := range job.Dependencies {
			found, err := visit(dep)
			if err != nil || found {
				return found, err
			}
		}
		path = path[:len(path)-1]
		return false, nil
	}

	found, err := visit(start)
	if err != nil || !found {
		return nil, err
	}
	return path, nil
}

// Dependencies returns the jobs jobID depends on, in declaration order.
func (m *Manager) Dependencies(ctx context.Context, jobID string) ([]*Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(job.Dependencies))
	for _, id := range job.Dependencies {
		dep, err := m.store.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", id, err)
		}
		out = append(out, dep)
	}
	return out, nil
}

// DependencySlugs returns the slugs of the jobs jobID depends on.
func (m *Manager) DependencySlugs(ctx context.Context, jobID string) ([]string, error) {
	deps, err := m.Dependencies(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Slug)
	}
	return out, nil
}
