package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/jobtrail/pkg/body"
	"github.com/3leaps/jobtrail/pkg/metric"
)

// InstanceKey identifies an instance system-wide.
type InstanceKey struct {
	JobID      string `json:"job_id"`
	InstanceID int64  `json:"instance_id"`
}

// String renders the key in the dotted form used for batch execution names.
func (k InstanceKey) String() string {
	return k.JobID + "." + strconv.FormatInt(k.InstanceID, 10)
}

// Instance is one execution attempt of a job.
type Instance struct {
	JobID         string        `json:"job_id"`
	InstanceID    int64         `json:"instance_id"`
	Status        Status        `json:"status"`
	MinorStatus   string        `json:"minor_status"`
	StatusHistory History       `json:"status_history"`
	CPU           metric.Series `json:"cpu"`
	Memory        metric.Series `json:"memory"`
	CPUMax        float64       `json:"cpu_max"`
	MemMax        float64       `json:"mem_max"`
	// Body is the raw instance-local override document. Empty means no overrides.
	Body       string       `json:"body"`
	Hostname   *string      `json:"hostname"`
	BatchID    *int64       `json:"batch_id"`
	NEvents    int64        `json:"nevents"`
	Site       Site         `json:"site"`
	Log        string       `json:"log"`
	IsPilot    bool         `json:"is_pilot"`
	PilotRef   *InstanceKey `json:"pilot_ref,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUpdate time.Time    `json:"last_update"`
}

// NoLimit is the cpu_max/mem_max value of an instance without a limit.
const NoLimit = -1

// NewInstance returns an instance with default fields, stamped at now. The
// instance id is assigned when it is added to a job.
func NewInstance(jobID string, site Site, now time.Time) *Instance {
	if site == "" {
		site = SiteLocal
	}
	return &Instance{
		JobID:         jobID,
		Status:        StatusNew,
		MinorStatus:   DefaultMinorStatus,
		StatusHistory: History{},
		CPU:           metric.Series{},
		Memory:        metric.Series{},
		CPUMax:        NoLimit,
		MemMax:        NoLimit,
		Site:          site,
		CreatedAt:     now,
		LastUpdate:    now,
	}
}

// Key returns the instance's system-wide key.
func (i *Instance) Key() InstanceKey {
	return InstanceKey{JobID: i.JobID, InstanceID: i.InstanceID}
}

// seedHistory records the initial status as the first history entry.
func (i *Instance) seedHistory() {
	if len(i.StatusHistory) > 0 {
		return
	}
	i.StatusHistory = History{{Status: i.Status, MinorStatus: i.MinorStatus, Update: i.LastUpdate}}
}

// TimeUnit selects the unit of a duration accessor.
type TimeUnit string

const (
	UnitSeconds TimeUnit = "s"
	UnitMinutes TimeUnit = "min"
	UnitHours   TimeUnit = "hrs"
)

// Known reports whether u is a supported unit. Unknown units are treated
// as seconds.
func (u TimeUnit) Known() bool {
	switch u {
	case UnitSeconds, UnitMinutes, UnitHours, "":
		return true
	}
	return false
}

func (u TimeUnit) convert(seconds float64) float64 {
	switch u {
	case UnitMinutes:
		return seconds / 60
	case UnitHours:
		return seconds / 3600
	default:
		return seconds
	}
}

// WallTime is the delta between the first and second status history
// entries. New instances report zero.
func (i *Instance) WallTime(unit TimeUnit) (float64, error) {
	if i.Status == StatusNew {
		return 0, nil
	}
	if len(i.StatusHistory) < 2 {
		return 0, fmt.Errorf("instance %s: %w: have %d entries", i.Key(), ErrInsufficientHistory, len(i.StatusHistory))
	}
	secs := i.StatusHistory[1].Update.Sub(i.StatusHistory[0].Update).Seconds()
	return unit.convert(secs), nil
}

// CPUTime is the value of the most recently appended CPU sample. New
// instances report zero.
func (i *Instance) CPUTime(unit TimeUnit) (float64, error) {
	if i.Status == StatusNew {
		return 0, nil
	}
	latest, ok := i.CPU.Latest()
	if !ok {
		return 0, fmt.Errorf("instance %s cpu: %w", i.Key(), metric.ErrEmptySeries)
	}
	v, err := latest.Value.Float()
	if err != nil {
		return 0, fmt.Errorf("instance %s cpu: %w", i.Key(), err)
	}
	return unit.convert(v), nil
}

// MemoryMethod selects the memory aggregation.
type MemoryMethod string

const (
	MemoryAverage MemoryMethod = "average"
	MemoryMin     MemoryMethod = "min"
	MemoryMax     MemoryMethod = "max"
)

// MemoryUsage aggregates the scalar memory samples. New instances report zero.
func (i *Instance) MemoryUsage(method MemoryMethod) (float64, error) {
	if i.Status == StatusNew {
		return 0, nil
	}
	values := i.Memory.Scalars()
	var (
		v   float64
		err error
	)
	switch method {
	case MemoryAverage, "":
		v, err = metric.Mean(values)
	case MemoryMin:
		v, err = metric.Min(values)
	case MemoryMax:
		v, err = metric.Max(values)
	default:
		return 0, fmt.Errorf("memory method must be average, min or max, got %q", method)
	}
	if err != nil {
		return 0, fmt.Errorf("instance %s memory: %w", i.Key(), err)
	}
	return v, nil
}

// Efficiency is CPU time over wall time, both in seconds.
func (i *Instance) Efficiency() (float64, error) {
	cpu, err := i.CPUTime(UnitSeconds)
	if err != nil {
		return 0, err
	}
	wall, err := i.WallTime(UnitSeconds)
	if err != nil {
		return 0, err
	}
	if wall == 0 {
		return 0, fmt.Errorf("instance %s: %w", i.Key(), ErrZeroWallTime)
	}
	return cpu / wall, nil
}

// MetricKind names a sample series.
type MetricKind string

const (
	MetricCPU    MetricKind = "cpu"
	MetricMemory MetricKind = "memory"
)

// ParseMetricKind validates a series name.
func ParseMetricKind(s string) (MetricKind, error) {
	switch MetricKind(s) {
	case MetricCPU, MetricMemory:
		return MetricKind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMetricKey, s)
}

// Series returns the named sample series.
func (i *Instance) Series(kind MetricKind) (metric.Series, error) {
	switch kind {
	case MetricCPU:
		return i.CPU, nil
	case MetricMemory:
		return i.Memory, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMetricKey, kind)
}

// TimeSeries returns [epoch millis, value] pairs for plotting, in storage
// order. Composite samples are skipped.
func (i *Instance) TimeSeries(kind MetricKind) ([][2]float64, error) {
	s, err := i.Series(kind)
	if err != nil {
		return nil, err
	}
	out := make([][2]float64, 0, len(s))
	for _, smp := range s {
		v, err := smp.Value.Float()
		if err != nil {
			continue
		}
		out = append(out, [2]float64{float64(smp.Time.UnixMilli()), v})
	}
	return out, nil
}

// SixDigit returns the zero-padded instance id.
func (i *Instance) SixDigit() string {
	return fmt.Sprintf("%06d", i.InstanceID)
}

// LogLines splits the instance log into lines.
func (i *Instance) LogLines() []string {
	return strings.Split(i.Log, "\n")
}

// BodyDocument parses the instance-local override document.
func (i *Instance) BodyDocument() (body.Document, error) {
	return body.ParseOrEmpty([]byte(i.Body))
}

// EvaluateBody returns the instance body, appended after parent when
// parent is non-nil.
func (i *Instance) EvaluateBody(parent *body.Document) (body.Document, error) {
	own, err := i.BodyDocument()
	if err != nil {
		return body.Document{}, fmt.Errorf("instance %s body: %w", i.Key(), err)
	}
	if parent == nil {
		return own, nil
	}
	return parent.Merge(own), nil
}

// ResetPayload is a fresh-instance document template, suitable for pushing
// an instance back to New through an external client.
type ResetPayload struct {
	JobID         string        `json:"t_id"`
	InstanceID    int64         `json:"inst_id"`
	MajorStatus   Status        `json:"major_status"`
	MinorStatus   string        `json:"minor_status"`
	Hostname      *string       `json:"hostname"`
	BatchID       *int64        `json:"batchId"`
	StatusHistory History       `json:"status_history"`
	Body          body.Document `json:"body"`
	Log           string        `json:"log"`
	CPU           metric.Series `json:"cpu"`
	Memory        metric.Series `json:"memory"`
	CreatedAt     string        `json:"created_at"`
}

// ResetPayload builds the reset template, seeding the body's MetaData from
// setVars ("k=v;k2=v2") when given.
func (i *Instance) ResetPayload(setVars string) (*ResetPayload, error) {
	override := body.Empty()
	if setVars != "" {
		vars, err := body.OverrideFromVars(setVars)
		if err != nil {
			return nil, err
		}
		override = override.WithVariables(vars)
	}
	return &ResetPayload{
		JobID:         i.JobID,
		InstanceID:    i.InstanceID,
		MajorStatus:   StatusNew,
		MinorStatus:   DefaultMinorStatus,
		StatusHistory: History{},
		Body:          override,
		CPU:           metric.Series{},
		Memory:        metric.Series{},
		CreatedAt:     "Now",
	}, nil
}

// scalarMax returns the largest scalar sample of the series, and false when
// there is none.
func scalarMax(s metric.Series) (float64, bool) {
	v, err := s.Max()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	out := *i
	out.StatusHistory = append(History{}, i.StatusHistory...)
	out.CPU = append(metric.Series{}, i.CPU...)
	out.Memory = append(metric.Series{}, i.Memory...)
	if i.Hostname != nil {
		h := *i.Hostname
		out.Hostname = &h
	}
	if i.BatchID != nil {
		b := *i.BatchID
		out.BatchID = &b
	}
	if i.PilotRef != nil {
		r := *i.PilotRef
		out.PilotRef = &r
	}
	return &out
}
