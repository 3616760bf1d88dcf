// Package metric holds append-only timestamped resource samples (CPU, memory)
// and the statistics computed over them.
package metric

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrEmptySeries indicates a statistic was requested over zero scalar samples.
	ErrEmptySeries = errors.New("empty series aggregation")

	// ErrCompositeValue indicates a scalar was requested from a list-valued sample.
	ErrCompositeValue = errors.New("composite sample value")

	// ErrInvalidBins indicates a histogram was requested with fewer than one bin.
	ErrInvalidBins = errors.New("histogram bin count must be positive")
)

// Value is a sample value. Reporters may send either a single number or a
// list of numbers; list values are composite and are ignored by scalar
// aggregation.
type Value struct {
	scalar    float64
	list      []float64
	composite bool
}

// Scalar returns a single-number value.
func Scalar(v float64) Value {
	return Value{scalar: v}
}

// List returns a composite value.
func List(vs ...float64) Value {
	out := make([]float64, len(vs))
	copy(out, vs)
	return Value{list: out, composite: true}
}

// IsScalar reports whether the value is a single number.
func (v Value) IsScalar() bool {
	return !v.composite
}

// Float returns the scalar value, or ErrCompositeValue for list values.
func (v Value) Float() (float64, error) {
	if v.composite {
		return 0, ErrCompositeValue
	}
	return v.scalar, nil
}

// Items returns the list members of a composite value.
func (v Value) Items() []float64 {
	if !v.composite {
		return nil
	}
	out := make([]float64, len(v.list))
	copy(out, v.list)
	return out
}

// MarshalJSON encodes scalars as numbers and composites as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.composite {
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return json.Marshal(v.scalar)
}

// UnmarshalJSON accepts a number or an array of numbers.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []float64
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("decode composite value: %w", err)
		}
		*v = Value{list: list, composite: true}
		return nil
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return fmt.Errorf("decode scalar value: %w", err)
	}
	*v = Value{scalar: f}
	return nil
}

// Sample is one timestamped measurement.
//
// Seq is the ingestion sequence number assigned on append. It keeps the raw
// arrival order recoverable after the series is normalized chronologically.
type Sample struct {
	Time  time.Time `json:"time"`
	Value Value     `json:"value"`
	Seq   int64     `json:"seq"`
}

// Series is an append-only list of samples in storage order.
type Series []Sample

// Next returns the sample that Append would add, without modifying s.
// Stores use it to build an atomic single-sample append.
func (s Series) Next(at time.Time, v Value) Sample {
	var seq int64
	for _, smp := range s {
		if smp.Seq > seq {
			seq = smp.Seq
		}
	}
	return Sample{Time: at, Value: v, Seq: seq + 1}
}

// Append returns s with a new sample at the end.
func (s Series) Append(at time.Time, v Value) Series {
	return append(s, s.Next(at, v))
}

// Latest returns the most recently appended sample.
func (s Series) Latest() (Sample, bool) {
	if len(s) == 0 {
		return Sample{}, false
	}
	return s[len(s)-1], true
}

// Scalars returns the scalar sample values in storage order, skipping
// composite samples.
func (s Series) Scalars() []float64 {
	out := make([]float64, 0, len(s))
	for _, smp := range s {
		if f, err := smp.Value.Float(); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Sorted returns a chronologically ordered copy. Samples with equal
// timestamps keep their ingestion order.
func (s Series) Sorted() Series {
	out := make(Series, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Ingested returns a copy ordered by ingestion sequence.
func (s Series) Ingested() Series {
	out := make(Series, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// IsSorted reports whether s is already in chronological order.
func (s Series) IsSorted() bool {
	for i := 1; i < len(s); i++ {
		if s[i].Time.Before(s[i-1].Time) {
			return false
		}
	}
	return true
}

// Max returns the largest scalar value.
func (s Series) Max() (float64, error) {
	return Max(s.Scalars())
}
