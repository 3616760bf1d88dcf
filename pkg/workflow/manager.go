package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/3leaps/jobtrail/pkg/body"
	"github.com/3leaps/jobtrail/pkg/metric"
	"github.com/benbjohnson/clock"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxInstances is the per-job instance ceiling. Jobs that need more
// should be cloned instead.
const DefaultMaxInstances = 1_000_000

// MaxMinorStatusLength bounds minor status labels.
const MaxMinorStatusLength = 255

// BodyStore holds job body blobs.
type BodyStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Options configures a Manager.
type Options struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Bodies stores job bodies. Jobs cannot carry a body without it.
	Bodies BodyStore
	// MaxInstances defaults to DefaultMaxInstances.
	MaxInstances int64
}

// Manager orchestrates jobs and their instances on top of a Store.
type Manager struct {
	store        Store
	bodies       BodyStore
	clock        clock.Clock
	logger       *zap.Logger
	maxInstances int64
	locks        keyedMutex
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = DefaultMaxInstances
	}
	return &Manager{
		store:        store,
		bodies:       opts.Bodies,
		clock:        opts.Clock,
		logger:       opts.Logger,
		maxInstances: opts.MaxInstances,
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) newID() string {
	return uuid.NewString()
}

// BodyKey is the blob key of a job's body.
func BodyKey(jobID string) string {
	return "jobs/" + jobID + "/body.json"
}

// CreateJob validates and stores a new job. A non-empty bodyData is parsed
// and stored as the job body.
func (m *Manager) CreateJob(ctx context.Context, job *Job, bodyData []byte) (*Job, error) {
	if job.Type == "" {
		job.Type = JobTypeOther
	}
	if job.ExecutionSite == "" {
		job.ExecutionSite = SiteLocal
	}
	if job.Comment == "" {
		job.Comment = DefaultComment
	}
	if job.ID == "" {
		job.ID = m.newID()
	}
	if job.Slug == "" {
		slug, err := NewSlug()
		if err != nil {
			return nil, err
		}
		job.Slug = slug
	}
	if job.Dependencies == nil {
		job.Dependencies = []string{}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.clock.Now().UTC()
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	for _, dep := range job.Dependencies {
		if _, err := m.store.GetJob(ctx, dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}

	if len(strings.TrimSpace(string(bodyData))) > 0 {
		if err := m.putBody(ctx, job, bodyData); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		if job.BodyRef != "" {
			if derr := m.bodies.Delete(ctx, job.BodyRef); derr != nil {
				m.logger.Warn("Failed to remove orphaned job body", zap.String("key", job.BodyRef), zap.Error(derr))
			}
		}
		return nil, err
	}

	m.logger.Info("Created job",
		zap.String("job", job.ID),
		zap.String("slug", job.Slug),
		zap.String("type", string(job.Type)),
	)
	return job, nil
}

func (m *Manager) putBody(ctx context.Context, job *Job, data []byte) error {
	if m.bodies == nil {
		return fmt.Errorf("job %s: no body store configured", job.ID)
	}
	doc, err := body.Parse(data)
	if err != nil {
		return err
	}
	encoded, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	key := BodyKey(job.ID)
	if err := m.bodies.Put(ctx, key, encoded); err != nil {
		return fmt.Errorf("store body: %w", err)
	}
	job.BodyRef = key
	return nil
}

// GetJob returns a job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	return m.store.GetJob(ctx, id)
}

// GetJobBySlug returns a job by slug.
func (m *Manager) GetJobBySlug(ctx context.Context, slug string) (*Job, error) {
	return m.store.GetJobBySlug(ctx, slug)
}

// GetJobByRef resolves ref as a job id, then as a slug.
func (m *Manager) GetJobByRef(ctx context.Context, ref string) (*Job, error) {
	job, err := m.store.GetJob(ctx, ref)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, err
	}
	return m.store.GetJobBySlug(ctx, ref)
}

// ListJobs returns jobs whose slug or title matches the glob pattern.
// An empty pattern matches every job.
func (m *Manager) ListJobs(ctx context.Context, pattern string) ([]*Job, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return jobs, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("job pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	out := jobs[:0]
	for _, j := range jobs {
		slugMatch, _ := doublestar.Match(pattern, j.Slug)
		titleMatch, _ := doublestar.Match(pattern, j.Title)
		if slugMatch || titleMatch {
			out = append(out, j)
		}
	}
	return out, nil
}

// ArchiveJob blocks further instance appends.
func (m *Manager) ArchiveJob(ctx context.Context, id string) error {
	return m.setArchived(ctx, id, true)
}

// UnarchiveJob allows instance appends again.
func (m *Manager) UnarchiveJob(ctx context.Context, id string) error {
	return m.setArchived(ctx, id, false)
}

func (m *Manager) setArchived(ctx context.Context, id string, archived bool) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Archived == archived {
		return nil
	}
	job.Archived = archived
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	m.logger.Info("Changed job archive state", zap.String("job", id), zap.Bool("archived", archived))
	return nil
}

// SetDescription replaces the job comment.
func (m *Manager) SetDescription(ctx context.Context, id, desc string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Comment = desc
	return m.store.UpdateJob(ctx, job)
}

// ResetBody replaces the job body.
func (m *Manager) ResetBody(ctx context.Context, id string, data []byte) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	hadRef := job.BodyRef != ""
	if err := m.putBody(ctx, job, data); err != nil {
		return err
	}
	if hadRef {
		return nil
	}
	return m.store.UpdateJob(ctx, job)
}

// JobBody loads and parses the job body. A job without a body evaluates to
// an empty document.
func (m *Manager) JobBody(ctx context.Context, job *Job) (body.Document, error) {
	if job.BodyRef == "" {
		return body.Empty(), nil
	}
	if m.bodies == nil {
		return body.Document{}, fmt.Errorf("job %s: no body store configured", job.ID)
	}
	data, err := m.bodies.Get(ctx, job.BodyRef)
	if err != nil {
		return body.Document{}, fmt.Errorf("load body %s: %w", job.BodyRef, err)
	}
	doc, err := body.Parse(data)
	if err != nil {
		return body.Document{}, fmt.Errorf("job %s body: %w", job.ID, err)
	}
	return doc, nil
}

// DeleteJob removes a job, its instances and its body.
func (m *Manager) DeleteJob(ctx context.Context, id string) (int64, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	n, err := m.store.DeleteJob(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.BodyRef != "" && m.bodies != nil {
		if err := m.bodies.Delete(ctx, job.BodyRef); err != nil {
			m.logger.Warn("Failed to delete job body", zap.String("job", id), zap.Error(err))
		}
	}
	m.logger.Info("Deleted job", zap.String("job", id), zap.Int64("instances", n))
	return n, nil
}

// GetInstance returns an instance by key.
func (m *Manager) GetInstance(ctx context.Context, key InstanceKey) (*Instance, error) {
	return m.store.GetInstance(ctx, key)
}

// ListInstances returns a job's instances ordered by id.
func (m *Manager) ListInstances(ctx context.Context, jobID string, filter InstanceFilter) ([]*Instance, error) {
	return m.store.ListInstances(ctx, jobID, filter)
}

func validateMinor(minor string) error {
	if len(minor) > MaxMinorStatusLength {
		return fmt.Errorf("%w: longer than %d characters", ErrUnsupportedMinorStatus, MaxMinorStatusLength)
	}
	for _, r := range minor {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains control characters", ErrUnsupportedMinorStatus, minor)
		}
	}
	return nil
}

// SetStatus moves an instance to a new major/minor status.
//
// An empty minor keeps the current minor status. Identical writes are
// no-ops. A final status only allows a reset to New, which also resets the
// minor status and persists the chronologically sorted history and sample
// series. The pre-transition status is appended to the history before the
// new status is applied.
//
// The write is conditional on the instance being unchanged since it was
// read. A sample or field written in between fails it with
// ErrConcurrentUpdateConflict.
func (m *Manager) SetStatus(ctx context.Context, key InstanceKey, major Status, minor string) error {
	if !major.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedStatus, major)
	}
	if err := validateMinor(minor); err != nil {
		return err
	}

	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return err
	}

	omitted := minor == ""
	if omitted {
		m.logger.Warn("No minor status provided, keeping current minor status",
			zap.String("instance", key.String()),
			zap.String("minor_status", inst.MinorStatus),
		)
		minor = inst.MinorStatus
	}

	if inst.Status == major && inst.MinorStatus == minor {
		return nil
	}

	upd := StatusUpdate{
		ExpectStatus:     inst.Status,
		ExpectMinor:      inst.MinorStatus,
		ExpectLastUpdate: inst.LastUpdate,
		Status:           major,
		MinorStatus:      minor,
		At:               m.clock.Now().UTC(),
	}
	current := HistoryEntry{Status: inst.Status, MinorStatus: inst.MinorStatus, Update: inst.LastUpdate}

	if inst.Status.IsFinal() {
		if major != StatusNew {
			m.logger.Error("Rejected status change from final status",
				zap.String("instance", key.String()),
				zap.String("from", string(inst.Status)),
				zap.String("to", string(major)),
			)
			return &TransitionError{Key: key, From: inst.Status, To: major}
		}
		if omitted || minor == inst.MinorStatus {
			upd.MinorStatus = DefaultMinorStatus
		}
		upd.ExpectSamples = &SampleCounts{CPU: len(inst.CPU), Memory: len(inst.Memory)}
		history := append(append(History{}, inst.StatusHistory...), current)
		upd.Timeline = &Timeline{
			History: history.Sorted(),
			CPU:     inst.CPU.Sorted(),
			Memory:  inst.Memory.Sorted(),
		}
	} else if inst.StatusHistory.ShouldRecord(upd.MinorStatus) {
		upd.Record = &current
	}

	n, err := m.store.UpdateStatus(ctx, key, upd)
	if err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	if n != 1 {
		return &UpdateConflictError{Op: "SetStatus", Key: key, Affected: n}
	}

	m.logger.Debug("Status changed",
		zap.String("instance", key.String()),
		zap.String("from", string(inst.Status)),
		zap.String("to", string(major)),
		zap.String("minor_status", upd.MinorStatus),
	)
	return nil
}

// AppendCPU appends a CPU sample stamped with the current clock time.
func (m *Manager) AppendCPU(ctx context.Context, key InstanceKey, v metric.Value) error {
	return m.appendSample(ctx, key, MetricCPU, v)
}

// AppendMemory appends a memory sample stamped with the current clock time.
func (m *Manager) AppendMemory(ctx context.Context, key InstanceKey, v metric.Value) error {
	return m.appendSample(ctx, key, MetricMemory, v)
}

// AppendSample appends a sample to the named series.
func (m *Manager) AppendSample(ctx context.Context, key InstanceKey, kind MetricKind, v metric.Value) error {
	if _, err := ParseMetricKind(string(kind)); err != nil {
		return err
	}
	return m.appendSample(ctx, key, kind, v)
}

func (m *Manager) appendSample(ctx context.Context, key InstanceKey, kind MetricKind, v metric.Value) error {
	n, err := m.store.AppendSample(ctx, key, kind, m.clock.Now().UTC(), v)
	if err != nil {
		return fmt.Errorf("append %s sample %s: %w", kind, key, err)
	}
	if n != 1 {
		return &UpdateConflictError{Op: "Append" + string(kind), Key: key, Affected: n}
	}
	return nil
}

func (m *Manager) update(ctx context.Context, op string, key InstanceKey, upd InstanceUpdate) error {
	upd.At = m.clock.Now().UTC()
	n, err := m.store.UpdateInstance(ctx, key, upd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	if n != 1 {
		return &UpdateConflictError{Op: op, Key: key, Affected: n}
	}
	return nil
}

// SetCPUMax sets the CPU time limit in seconds.
func (m *Manager) SetCPUMax(ctx context.Context, key InstanceKey, v float64) error {
	return m.update(ctx, "SetCPUMax", key, InstanceUpdate{CPUMax: &v})
}

// SetMemMax sets the memory limit.
func (m *Manager) SetMemMax(ctx context.Context, key InstanceKey, v float64) error {
	return m.update(ctx, "SetMemMax", key, InstanceUpdate{MemMax: &v})
}

// SetHostname records the host the batch system placed the instance on.
func (m *Manager) SetHostname(ctx context.Context, key InstanceKey, hostname string) error {
	return m.update(ctx, "SetHostname", key, InstanceUpdate{Hostname: &hostname})
}

// SetBatchID records the batch system's job id.
func (m *Manager) SetBatchID(ctx context.Context, key InstanceKey, id int64) error {
	return m.update(ctx, "SetBatchID", key, InstanceUpdate{BatchID: &id})
}

// SetLog replaces the instance log.
func (m *Manager) SetLog(ctx context.Context, key InstanceKey, log string) error {
	return m.update(ctx, "SetLog", key, InstanceUpdate{Log: &log})
}

// SetNEvents records the number of processed events.
func (m *Manager) SetNEvents(ctx context.Context, key InstanceKey, n int64) error {
	return m.update(ctx, "SetNEvents", key, InstanceUpdate{NEvents: &n})
}

// SetPilot marks the instance as a pilot, and optionally references the
// pilot instance it belongs to.
func (m *Manager) SetPilot(ctx context.Context, key InstanceKey, isPilot bool, ref *InstanceKey) error {
	if ref != nil {
		if *ref == key {
			return fmt.Errorf("instance %s cannot reference itself as pilot", key)
		}
		if _, err := m.store.GetInstance(ctx, *ref); err != nil {
			return fmt.Errorf("pilot %s: %w", *ref, err)
		}
	}
	return m.update(ctx, "SetPilot", key, InstanceUpdate{IsPilot: &isPilot, PilotRef: ref})
}

// SetBody replaces the instance-local override body.
func (m *Manager) SetBody(ctx context.Context, key InstanceKey, doc body.Document) error {
	encoded, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	s := string(encoded)
	return m.update(ctx, "SetBody", key, InstanceUpdate{Body: &s})
}

// SetMetaDataVariables appends string-typed variables to the instance body.
func (m *Manager) SetMetaDataVariables(ctx context.Context, key InstanceKey, vars map[string]string) error {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return err
	}
	doc, err := inst.BodyDocument()
	if err != nil {
		return fmt.Errorf("instance %s body: %w", key, err)
	}
	return m.SetBody(ctx, key, doc.WithVariables(body.VariablesFromMap(vars)))
}

// EvaluateBody returns the instance body, merged after the job body when
// includeJob is set.
func (m *Manager) EvaluateBody(ctx context.Context, key InstanceKey, includeJob bool) (body.Document, error) {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return body.Document{}, err
	}
	if !includeJob {
		return inst.EvaluateBody(nil)
	}
	job, err := m.store.GetJob(ctx, key.JobID)
	if err != nil {
		return body.Document{}, err
	}
	parent, err := m.JobBody(ctx, job)
	if err != nil {
		return body.Document{}, err
	}
	return inst.EvaluateBody(&parent)
}

// ApplyResourceOverrides reads the batch override variables from the job
// and instance metadata and writes them to cpu_max/mem_max. Limits without
// an override are left untouched.
func (m *Manager) ApplyResourceOverrides(ctx context.Context, key InstanceKey) error {
	doc, err := m.EvaluateBody(ctx, key, true)
	if err != nil {
		return err
	}
	ov, err := body.ResourceOverrides(doc)
	if err != nil {
		return fmt.Errorf("instance %s: %w", key, err)
	}
	if ov.CPUMax == nil && ov.MemMax == nil {
		return nil
	}
	return m.update(ctx, "ApplyResourceOverrides", key, InstanceUpdate{CPUMax: ov.CPUMax, MemMax: ov.MemMax})
}

// ResetPayload builds the fresh-instance template for an instance.
func (m *Manager) ResetPayload(ctx context.Context, key InstanceKey, setVars string) (*ResetPayload, error) {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return nil, err
	}
	return inst.ResetPayload(setVars)
}

func (m *Manager) warnNotFinal(inst *Instance, what string) {
	if inst.Status == StatusNew || inst.Status.IsFinal() {
		return
	}
	m.logger.Warn("Instance not in final status, "+what+" may not be accurate",
		zap.String("instance", inst.Key().String()),
		zap.String("status", string(inst.Status)),
	)
}

func (m *Manager) warnUnit(unit TimeUnit) {
	if !unit.Known() {
		m.logger.Warn("Unsupported time unit, returning seconds", zap.String("unit", string(unit)))
	}
}

// WallTime returns the instance wall time.
func (m *Manager) WallTime(ctx context.Context, key InstanceKey, unit TimeUnit) (float64, error) {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return 0, err
	}
	m.warnUnit(unit)
	m.warnNotFinal(inst, "wall time")
	return inst.WallTime(unit)
}

// CPUTime returns the latest CPU sample.
func (m *Manager) CPUTime(ctx context.Context, key InstanceKey, unit TimeUnit) (float64, error) {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return 0, err
	}
	m.warnUnit(unit)
	if inst.Status != StatusNew && !inst.Status.IsFinal() {
		m.logger.Debug("Instance not in final status, cpu time may not be accurate",
			zap.String("instance", key.String()))
	}
	return inst.CPUTime(unit)
}

// Memory returns the aggregated memory usage.
func (m *Manager) Memory(ctx context.Context, key InstanceKey, method MemoryMethod) (float64, error) {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return 0, err
	}
	m.warnNotFinal(inst, "memory")
	return inst.MemoryUsage(method)
}

// Efficiency returns CPU time over wall time.
func (m *Manager) Efficiency(ctx context.Context, key InstanceKey) (float64, error) {
	inst, err := m.store.GetInstance(ctx, key)
	if err != nil {
		return 0, err
	}
	m.warnNotFinal(inst, "efficiency")
	return inst.Efficiency()
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func sortedStatuses(counts map[Status]int64) []Status {
	out := make([]Status, 0, len(counts))
	for st := range counts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
