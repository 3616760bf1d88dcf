// Package memstore is an in-process workflow store, for tests and for
// short-lived CLI sessions that do not need persistence.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3leaps/jobtrail/pkg/metric"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

// Store implements workflow.Store, workflow.DataFileStore and
// workflow.HeartBeatStore in memory. All values are copied in and out.
type Store struct {
	mu         sync.RWMutex
	jobs       map[string]*workflow.Job
	slugs      map[string]string
	instances  map[workflow.InstanceKey]*workflow.Instance
	datafiles  map[string]*workflow.DataFile
	heartbeats map[string]*workflow.HeartBeat
}

var (
	_ workflow.Store          = (*Store)(nil)
	_ workflow.DataFileStore  = (*Store)(nil)
	_ workflow.HeartBeatStore = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*workflow.Job),
		slugs:      make(map[string]string),
		instances:  make(map[workflow.InstanceKey]*workflow.Instance),
		datafiles:  make(map[string]*workflow.DataFile),
		heartbeats: make(map[string]*workflow.HeartBeat),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) CreateJob(_ context.Context, job *workflow.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: %w", job.ID, workflow.ErrDuplicateJob)
	}
	if _, ok := s.slugs[job.Slug]; ok {
		return fmt.Errorf("create job slug %s: %w", job.Slug, workflow.ErrDuplicateJob)
	}
	s.jobs[job.ID] = job.Clone()
	s.slugs[job.Slug] = job.ID
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*workflow.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

func (s *Store) GetJobBySlug(ctx context.Context, slug string) (*workflow.Job, error) {
	s.mu.RLock()
	id, ok := s.slugs[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: slug %s", workflow.ErrJobNotFound, slug)
	}
	return s.GetJob(ctx, id)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context) ([]*workflow.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateJob(_ context.Context, job *workflow.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrJobNotFound, job.ID)
	}
	if job.Slug != cur.Slug {
		if _, taken := s.slugs[job.Slug]; taken {
			return fmt.Errorf("update job slug %s: %w", job.Slug, workflow.ErrDuplicateJob)
		}
		delete(s.slugs, cur.Slug)
		s.slugs[job.Slug] = job.ID
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", workflow.ErrJobNotFound, id)
	}
	var n int64
	for key := range s.instances {
		if key.JobID == id {
			delete(s.instances, key)
			n++
		}
	}
	delete(s.slugs, job.Slug)
	delete(s.jobs, id)
	return n, nil
}

func (s *Store) InsertInstances(_ context.Context, insts []*workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[workflow.InstanceKey]bool, len(insts))
	for _, inst := range insts {
		key := inst.Key()
		if _, ok := s.jobs[key.JobID]; !ok {
			return fmt.Errorf("%w: %s", workflow.ErrJobNotFound, key.JobID)
		}
		if _, ok := s.instances[key]; ok || seen[key] {
			return fmt.Errorf("insert instance %s: %w", key, workflow.ErrDuplicateInstance)
		}
		seen[key] = true
	}
	for _, inst := range insts {
		s.instances[inst.Key()] = inst.Clone()
	}
	return nil
}

func (s *Store) GetInstance(_ context.Context, key workflow.InstanceKey) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, key)
	}
	return inst.Clone(), nil
}

func (s *Store) ListInstances(_ context.Context, jobID string, filter workflow.InstanceFilter) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for key, inst := range s.instances {
		if key.JobID == jobID && filter.Matches(inst.Status) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (s *Store) MaxInstanceID(_ context.Context, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for key := range s.instances {
		if key.JobID == jobID && key.InstanceID > max {
			max = key.InstanceID
		}
	}
	return max, nil
}

func (s *Store) CountInstances(_ context.Context, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for key := range s.instances {
		if key.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(_ context.Context, jobID string) (map[workflow.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[workflow.Status]int64)
	for key, inst := range s.instances {
		if key.JobID == jobID {
			out[inst.Status]++
		}
	}
	return out, nil
}

func (s *Store) SumNEvents(_ context.Context, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for key, inst := range s.instances {
		if key.JobID == jobID {
			n += inst.NEvents
		}
	}
	return n, nil
}

func (s *Store) UpdateStatus(_ context.Context, key workflow.InstanceKey, upd workflow.StatusUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	if !ok || inst.Status != upd.ExpectStatus || inst.MinorStatus != upd.ExpectMinor {
		return 0, nil
	}
	if !upd.ExpectLastUpdate.IsZero() && !inst.LastUpdate.Equal(upd.ExpectLastUpdate) {
		return 0, nil
	}
	if c := upd.ExpectSamples; c != nil && (len(inst.CPU) != c.CPU || len(inst.Memory) != c.Memory) {
		return 0, nil
	}
	next := inst.Clone()
	if upd.Timeline != nil {
		next.StatusHistory = append(workflow.History{}, upd.Timeline.History...)
		next.CPU = append(metric.Series{}, upd.Timeline.CPU...)
		next.Memory = append(metric.Series{}, upd.Timeline.Memory...)
	}
	if upd.Record != nil {
		next.StatusHistory = append(next.StatusHistory, *upd.Record)
	}
	next.Status = upd.Status
	next.MinorStatus = upd.MinorStatus
	next.LastUpdate = upd.At
	s.instances[key] = next
	return 1, nil
}

func (s *Store) UpdateInstance(_ context.Context, key workflow.InstanceKey, upd workflow.InstanceUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	if !ok {
		return 0, nil
	}
	next := inst.Clone()
	if upd.CPUMax != nil {
		next.CPUMax = *upd.CPUMax
	}
	if upd.MemMax != nil {
		next.MemMax = *upd.MemMax
	}
	if upd.Hostname != nil {
		h := *upd.Hostname
		next.Hostname = &h
	}
	if upd.BatchID != nil {
		b := *upd.BatchID
		next.BatchID = &b
	}
	if upd.Log != nil {
		next.Log = *upd.Log
	}
	if upd.NEvents != nil {
		next.NEvents = *upd.NEvents
	}
	if upd.IsPilot != nil {
		next.IsPilot = *upd.IsPilot
	}
	if upd.PilotRef != nil {
		r := *upd.PilotRef
		next.PilotRef = &r
	}
	if upd.Body != nil {
		next.Body = *upd.Body
	}
	next.LastUpdate = upd.At
	s.instances[key] = next
	return 1, nil
}

func (s *Store) AppendSample(_ context.Context, key workflow.InstanceKey, kind workflow.MetricKind, at time.Time, v metric.Value) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	if !ok {
		return 0, nil
	}
	next := inst.Clone()
	switch kind {
	case workflow.MetricCPU:
		next.CPU = next.CPU.Append(at, v)
	case workflow.MetricMemory:
		next.Memory = next.Memory.Append(at, v)
	default:
		return 0, fmt.Errorf("%w: %q", workflow.ErrUnsupportedMetricKey, kind)
	}
	next.LastUpdate = at
	s.instances[key] = next
	return 1, nil
}

func dataFileKey(filename, site string) string {
	return site + "\x00" + filename
}

func (s *Store) InsertDataFile(_ context.Context, f *workflow.DataFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dataFileKey(f.Filename, f.Site)
	if _, ok := s.datafiles[k]; ok {
		return fmt.Errorf("insert data file %s@%s: %w", f.Filename, f.Site, workflow.ErrDuplicateDataFile)
	}
	cp := *f
	s.datafiles[k] = &cp
	return nil
}

func (s *Store) GetDataFile(_ context.Context, filename, site string) (*workflow.DataFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.datafiles[dataFileKey(filename, site)]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", workflow.ErrDataFileNotFound, filename, site)
	}
	cp := *f
	return &cp, nil
}

// ListDataFiles returns matching files newest first.
func (s *Store) ListDataFiles(_ context.Context, filter workflow.DataFileFilter) ([]*workflow.DataFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.DataFile
	for _, f := range s.datafiles {
		if filter.Site != "" && f.Site != filter.Site {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Filename < out[j].Filename
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateDataFileStatus(_ context.Context, id string, status workflow.FileStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.datafiles {
		if f.ID == id {
			f.Status = status
			return 1, nil
		}
	}
	return 0, nil
}

func (s *Store) RecordHeartBeat(_ context.Context, hb *workflow.HeartBeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := hb.Hostname + "\x00" + hb.Process
	if cur, ok := s.heartbeats[k]; ok {
		hb.ID = cur.ID
		hb.CreatedAt = cur.CreatedAt
	}
	cp := *hb
	s.heartbeats[k] = &cp
	return nil
}

// ListHeartBeats returns heartbeats ordered by hostname, then process.
func (s *Store) ListHeartBeats(_ context.Context) ([]*workflow.HeartBeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.HeartBeat, 0, len(s.heartbeats))
	for _, hb := range s.heartbeats {
		cp := *hb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname == out[j].Hostname {
			return out[i].Process < out[j].Process
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out, nil
}
