package workflow

import (
	"context"
	"time"

	"github.com/3leaps/jobtrail/pkg/metric"
)

// Store persists jobs and instances.
//
// Implementations must enforce uniqueness of job ids, job slugs and
// (job id, instance id) pairs, and must apply UpdateStatus, UpdateInstance
// and AppendSample as single atomic writes reporting the affected count.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobBySlug(ctx context.Context, slug string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	// DeleteJob removes the job and all of its instances, returning the
	// number of instances removed.
	DeleteJob(ctx context.Context, id string) (int64, error)

	// InsertInstances inserts all instances or none. A taken key fails with
	// ErrDuplicateInstance.
	InsertInstances(ctx context.Context, insts []*Instance) error
	GetInstance(ctx context.Context, key InstanceKey) (*Instance, error)
	// ListInstances returns a job's instances ordered by instance id.
	ListInstances(ctx context.Context, jobID string, filter InstanceFilter) ([]*Instance, error)
	// MaxInstanceID returns the largest instance id of the job, or 0.
	MaxInstanceID(ctx context.Context, jobID string) (int64, error)
	CountInstances(ctx context.Context, jobID string) (int64, error)
	// CountByStatus returns instance counts for the statuses present.
	CountByStatus(ctx context.Context, jobID string) (map[Status]int64, error)
	SumNEvents(ctx context.Context, jobID string) (int64, error)

	// UpdateStatus applies a guarded status write and returns the number of
	// records changed.
	UpdateStatus(ctx context.Context, key InstanceKey, upd StatusUpdate) (int64, error)
	// UpdateInstance applies the non-nil fields of upd in one write.
	UpdateInstance(ctx context.Context, key InstanceKey, upd InstanceUpdate) (int64, error)
	// AppendSample appends one sample to the named series without reading
	// the series back first.
	AppendSample(ctx context.Context, key InstanceKey, kind MetricKind, at time.Time, v metric.Value) (int64, error)

	Close() error
}

// InstanceFilter narrows ListInstances. Zero value matches everything.
type InstanceFilter struct {
	Status    []Status
	NotStatus []Status
}

// Matches reports whether an instance with status s passes the filter.
func (f InstanceFilter) Matches(s Status) bool {
	if len(f.Status) > 0 && !containsStatus(f.Status, s) {
		return false
	}
	return !containsStatus(f.NotStatus, s)
}

func containsStatus(list []Status, s Status) bool {
	for _, st := range list {
		if st == s {
			return true
		}
	}
	return false
}

// Timeline is the set of time-stamped lists of an instance.
type Timeline struct {
	History History
	CPU     metric.Series
	Memory  metric.Series
}

// StatusUpdate is a guarded status write. The write only applies while the
// stored instance still holds ExpectStatus and ExpectMinor, and, when set,
// ExpectLastUpdate and ExpectSamples.
type StatusUpdate struct {
	ExpectStatus Status
	ExpectMinor  string
	// ExpectLastUpdate guards on the stored last update. Zero skips the check.
	ExpectLastUpdate time.Time
	// ExpectSamples guards on the stored series lengths, so a sample appended
	// after the read fails a Timeline replacement.
	ExpectSamples *SampleCounts

	Status      Status
	MinorStatus string
	At          time.Time

	// Timeline, when set, replaces the stored history and sample series.
	Timeline *Timeline
	// Record, when set, is appended to the history after any Timeline
	// replacement.
	Record *HistoryEntry
}

// SampleCounts is the number of samples held in each series.
type SampleCounts struct {
	CPU    int
	Memory int
}

// InstanceUpdate carries optional field writes. LastUpdate is always set to At.
type InstanceUpdate struct {
	CPUMax   *float64
	MemMax   *float64
	Hostname *string
	BatchID  *int64
	Log      *string
	NEvents  *int64
	IsPilot  *bool
	PilotRef *InstanceKey
	Body     *string
	At       time.Time
}

// IsEmpty reports whether no field is set.
func (u InstanceUpdate) IsEmpty() bool {
	return u.CPUMax == nil && u.MemMax == nil && u.Hostname == nil && u.BatchID == nil &&
		u.Log == nil && u.NEvents == nil && u.IsPilot == nil && u.PilotRef == nil && u.Body == nil
}

// DataFileStore persists data file records.
type DataFileStore interface {
	// InsertDataFile fails with ErrDuplicateDataFile when (filename, site)
	// is already registered.
	InsertDataFile(ctx context.Context, f *DataFile) error
	GetDataFile(ctx context.Context, filename string, site string) (*DataFile, error)
	ListDataFiles(ctx context.Context, filter DataFileFilter) ([]*DataFile, error)
	UpdateDataFileStatus(ctx context.Context, id string, status FileStatus) (int64, error)
}

// HeartBeatStore persists worker heartbeats.
type HeartBeatStore interface {
	// RecordHeartBeat upserts on (hostname, process).
	RecordHeartBeat(ctx context.Context, hb *HeartBeat) error
	ListHeartBeats(ctx context.Context) ([]*HeartBeat, error)
}
