package workflow

import (
	"fmt"
	"sort"
	"time"
)

// Status is the major lifecycle stage of an instance.
type Status string

const (
	StatusNew        Status = "New"
	StatusRunning    Status = "Running"
	StatusFailed     Status = "Failed"
	StatusTerminated Status = "Terminated"
	StatusDone       Status = "Done"
	StatusSubmitted  Status = "Submitted"
)

// MajorStatuses lists every major status in reporting order.
var MajorStatuses = []Status{
	StatusNew,
	StatusRunning,
	StatusFailed,
	StatusTerminated,
	StatusDone,
	StatusSubmitted,
}

// DefaultMinorStatus is the minor status of a fresh instance.
const DefaultMinorStatus = "AwaitingBatchSubmission"

// ParseStatus validates a major status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range MajorStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedStatus, s)
}

// Valid reports whether s is a known major status.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsFinal reports whether s only allows a reset back to New.
func (s Status) IsFinal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// HistoryEntry records a status an instance held and when it was last
// updated while holding it. Entries are immutable once appended.
type HistoryEntry struct {
	Status      Status    `json:"status"`
	MinorStatus string    `json:"minor_status"`
	Update      time.Time `json:"update"`
}

// History is the append-only status audit log of one instance.
type History []HistoryEntry

// LastMinor returns the minor status of the most recent entry, or "" for an
// empty history.
func (h History) LastMinor() string {
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1].MinorStatus
}

// ShouldRecord reports whether a transition carrying the incoming minor
// status gets the pre-transition status appended. Repeated identical writes
// against an empty history are not recorded.
func (h History) ShouldRecord(incomingMinor string) bool {
	return len(h) > 0 || h.LastMinor() != incomingMinor
}

// Sorted returns a chronologically ordered copy.
func (h History) Sorted() History {
	out := make(History, len(h))
	copy(out, h)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Update.Before(out[j].Update) })
	return out
}

// IsSorted reports whether h is in chronological order.
func (h History) IsSorted() bool {
	return sort.SliceIsSorted(h, func(i, j int) bool { return h[i].Update.Before(h[j].Update) })
}

// Timestamps returns the update times as JavaScript epoch milliseconds.
func (h History) Timestamps() []int64 {
	out := make([]int64, 0, len(h))
	for _, e := range h {
		out = append(out, e.Update.UnixMilli())
	}
	return out
}

// HistoryField selects the label History.Labels returns.
type HistoryField string

const (
	HistoryFieldStatus      HistoryField = "status"
	HistoryFieldMinorStatus HistoryField = "minor_status"
)

// Labels returns the chosen label of every entry, in log order.
func (h History) Labels(field HistoryField) ([]string, error) {
	out := make([]string, 0, len(h))
	switch field {
	case HistoryFieldStatus:
		for _, e := range h {
			out = append(out, string(e.Status))
		}
	case HistoryFieldMinorStatus, "":
		for _, e := range h {
			out = append(out, e.MinorStatus)
		}
	default:
		return nil, fmt.Errorf("history field must be status or minor_status, got %q", field)
	}
	return out, nil
}
