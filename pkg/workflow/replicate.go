package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/jobtrail/pkg/body"
	"github.com/3leaps/jobtrail/pkg/metric"
	"go.uber.org/zap"
)

// checkAppendable rejects archived jobs and jobs that cannot take n more
// instances.
func (m *Manager) checkAppendable(ctx context.Context, job *Job, n int64) error {
	if job.Archived {
		return fmt.Errorf("job %s: %w; unarchive it first", job.ID, ErrArchivedJob)
	}
	count, err := m.store.CountInstances(ctx, job.ID)
	if err != nil {
		return err
	}
	if count+n > m.maxInstances {
		return fmt.Errorf("job %s holds %d instances: %w (max %d); consider cloning the job",
			job.ID, count, ErrInstanceCapacityExceeded, m.maxInstances)
	}
	return nil
}

// AddInstance appends inst to the job. When explicitID is zero the id is
// the current maximum plus one (1 for the first instance); otherwise the
// instance is inserted at explicitID, which must be free. Later automatic
// ids still continue from the true maximum.
//
// A nil inst appends a default instance at the job's execution site.
func (m *Manager) AddInstance(ctx context.Context, jobID string, inst *Instance, explicitID int64) (*Instance, error) {
	if explicitID < 0 {
		return nil, fmt.Errorf("instance id must be positive, got %d", explicitID)
	}

	unlock := m.locks.Lock(jobID)
	defer unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := m.checkAppendable(ctx, job, 1); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	if inst == nil {
		inst = NewInstance(jobID, job.ExecutionSite, now)
	}
	if err := m.prepareInstance(job, inst, now); err != nil {
		return nil, err
	}

	if explicitID > 0 {
		if _, err := m.store.GetInstance(ctx, InstanceKey{JobID: jobID, InstanceID: explicitID}); err == nil {
			return nil, fmt.Errorf("job %s instance %d: %w", jobID, explicitID, ErrDuplicateInstance)
		} else if !IsNotFound(err) {
			return nil, err
		}
		inst.InstanceID = explicitID
	} else {
		last, err := m.store.MaxInstanceID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		inst.InstanceID = last + 1
	}
	inst.seedHistory()

	if err := m.store.InsertInstances(ctx, []*Instance{inst}); err != nil {
		return nil, err
	}
	m.logger.Debug("Added instance", zap.String("instance", inst.Key().String()))
	return inst, nil
}

func (m *Manager) prepareInstance(job *Job, inst *Instance, now time.Time) error {
	inst.JobID = job.ID
	if inst.Site == "" {
		inst.Site = job.ExecutionSite
	}
	if _, err := ParseSite(string(inst.Site)); err != nil {
		return err
	}
	if inst.Status == "" {
		inst.Status = StatusNew
	}
	if !inst.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedStatus, inst.Status)
	}
	if inst.MinorStatus == "" {
		inst.MinorStatus = DefaultMinorStatus
	}
	if err := validateMinor(inst.MinorStatus); err != nil {
		return err
	}
	if inst.Body != "" {
		if _, err := body.Parse([]byte(inst.Body)); err != nil {
			return err
		}
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.LastUpdate.IsZero() {
		inst.LastUpdate = now
	}
	if inst.StatusHistory == nil {
		inst.StatusHistory = History{}
	}
	if inst.CPU == nil {
		inst.CPU = metric.Series{}
	}
	if inst.Memory == nil {
		inst.Memory = metric.Series{}
	}
	return nil
}

// AddInstanceBulk creates count default instances with ids continuing from
// the current maximum. Instances inherit the job's execution site and are
// pilots when the job is a Pilot job. All instances are inserted in one
// batch. It returns the number created.
func (m *Manager) AddInstanceBulk(ctx context.Context, jobID string, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("%w, got %d", ErrInvalidCount, count)
	}

	unlock := m.locks.Lock(jobID)
	defer unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if err := m.checkAppendable(ctx, job, int64(count)); err != nil {
		return 0, err
	}

	last, err := m.store.MaxInstanceID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	first, final := last+1, last+int64(count)
	if final < first {
		return 0, fmt.Errorf("job %s: instance id range %d..%d is empty", jobID, first, final)
	}

	emptyBody, err := body.Empty().Marshal()
	if err != nil {
		return 0, err
	}
	now := m.clock.Now().UTC()
	template := NewInstance(jobID, job.ExecutionSite, now)
	template.Body = string(emptyBody)
	template.IsPilot = job.IsPilotJob()
	template.seedHistory()

	insts := make([]*Instance, 0, count)
	for id := first; id <= final; id++ {
		inst := *template
		inst.InstanceID = id
		inst.StatusHistory = append(History{}, template.StatusHistory...)
		inst.CPU = metric.Series{}
		inst.Memory = metric.Series{}
		insts = append(insts, &inst)
	}

	if err := m.store.InsertInstances(ctx, insts); err != nil {
		return 0, err
	}
	m.logger.Info("Added instances",
		zap.String("job", jobID),
		zap.Int("count", len(insts)),
		zap.Int64("first", first),
		zap.Int64("last", final),
	)
	return len(insts), nil
}
