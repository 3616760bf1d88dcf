package workflow

import (
	"context"
	"fmt"

	"github.com/3leaps/jobtrail/pkg/metric"
)

// DefaultBins is the histogram bin count used when none is given.
const DefaultBins = 20

// ResourceSummary holds job-wide statistics over the per-instance maximum
// CPU and memory values. A key without data is omitted.
type ResourceSummary struct {
	CPU    *metric.Summary `json:"cpu,omitempty"`
	Memory *metric.Summary `json:"memory,omitempty"`
}

// AggregateResources collects each non-New instance's maximum scalar CPU
// and memory value and summarizes both across the job.
func (m *Manager) AggregateResources(ctx context.Context, jobID string, nbins int) (*ResourceSummary, error) {
	if nbins == 0 {
		nbins = DefaultBins
	}
	if nbins < 0 {
		return nil, fmt.Errorf("%w: %d", metric.ErrInvalidBins, nbins)
	}
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	insts, err := m.store.ListInstances(ctx, jobID, InstanceFilter{NotStatus: []Status{StatusNew}})
	if err != nil {
		return nil, err
	}

	var cpu, mem []float64
	for _, inst := range insts {
		if v, ok := scalarMax(inst.CPU); ok {
			cpu = append(cpu, v)
		}
		if v, ok := scalarMax(inst.Memory); ok {
			mem = append(mem, v)
		}
	}

	out := &ResourceSummary{}
	if len(cpu) > 0 {
		if out.CPU, err = metric.Summarize(cpu, nbins); err != nil {
			return nil, fmt.Errorf("cpu: %w", err)
		}
	}
	if len(mem) > 0 {
		if out.Memory, err = metric.Summarize(mem, nbins); err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
	}
	return out, nil
}

// StatusCount is the number of instances holding a major status.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int64  `json:"count"`
}

// StatusCounts lists instance counts per status.
type StatusCounts []StatusCount

// Map returns the counts keyed by status.
func (c StatusCounts) Map() map[Status]int64 {
	out := make(map[Status]int64, len(c))
	for _, sc := range c {
		out[sc.Status] = sc.Count
	}
	return out
}

// Total is the sum of all counts.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, sc := range c {
		n += sc.Count
	}
	return n
}

// AggregateStatuses counts a job's instances per major status. Every known
// status is listed, with zero when no instance holds it, in MajorStatuses
// order. Unknown stored statuses follow in name order.
func (m *Manager) AggregateStatuses(ctx context.Context, jobID string) (StatusCounts, error) {
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	counts, err := m.store.CountByStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(StatusCounts, 0, len(MajorStatuses))
	for _, st := range MajorStatuses {
		out = append(out, StatusCount{Status: st, Count: counts[st]})
		delete(counts, st)
	}
	for _, st := range sortedStatuses(counts) {
		out = append(out, StatusCount{Status: st, Count: counts[st]})
	}
	return out, nil
}

// CountInstances returns the number of instances of a job.
func (m *Manager) CountInstances(ctx context.Context, jobID string) (int64, error) {
	return m.store.CountInstances(ctx, jobID)
}

// NEvents returns the sum of processed events over a job's instances.
func (m *Manager) NEvents(ctx context.Context, jobID string) (int64, error) {
	return m.store.SumNEvents(ctx, jobID)
}
