package metric

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Histogram is a fixed-bin-count histogram.
//
// Histo holds two rows: bin centers and bin counts. HistoT is the same data
// transposed into (center, count) pairs.
type Histogram struct {
	Histo    [2][]float64 `json:"histo"`
	HistoT   [][2]float64 `json:"histoT"`
	BinWidth float64      `json:"binWidth"`
}

// Summary is the statistics block reported per resource key.
type Summary struct {
	Max       float64   `json:"max"`
	Min       float64   `json:"min"`
	Mean      float64   `json:"mean"`
	Median    float64   `json:"median"`
	Histogram Histogram `json:"histogram"`
}

// Summarize computes min, max, mean, median and an nbins histogram.
func Summarize(values []float64, nbins int) (*Summary, error) {
	if len(values) == 0 {
		return nil, ErrEmptySeries
	}
	hist, err := NewHistogram(values, nbins)
	if err != nil {
		return nil, err
	}
	mn, _ := Min(values)
	mx, _ := Max(values)
	mean, _ := Mean(values)
	median, _ := Median(values)
	return &Summary{
		Max:       mx,
		Min:       mn,
		Mean:      mean,
		Median:    median,
		Histogram: *hist,
	}, nil
}

// Min returns the smallest value.
func Min(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptySeries
	}
	return floats.Min(values), nil
}

// Max returns the largest value.
func Max(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptySeries
	}
	return floats.Max(values), nil
}

// Mean returns the arithmetic mean.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptySeries
	}
	return stat.Mean(values, nil), nil
}

// Median returns the middle value, or the mean of the two middle values for
// even-length input.
func Median(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptySeries
	}
	sorted := sortedCopy(values)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}

// NewHistogram bins values into nbins equal-width bins spanning [min, max].
//
// The last bin is closed on the right. A degenerate range (all values equal)
// is widened to [v-0.5, v+0.5].
func NewHistogram(values []float64, nbins int) (*Histogram, error) {
	if nbins < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBins, nbins)
	}
	if len(values) == 0 {
		return nil, ErrEmptySeries
	}

	sorted := sortedCopy(values)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	edges := floats.Span(make([]float64, nbins+1), lo, hi)

	// stat.Histogram bins are half-open; nudging the top divider past hi
	// closes the last bin.
	dividers := append([]float64(nil), edges...)
	dividers[nbins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)

	centers := make([]float64, nbins)
	pairs := make([][2]float64, nbins)
	for i := 0; i < nbins; i++ {
		centers[i] = (edges[i] + edges[i+1]) / 2
		pairs[i] = [2]float64{centers[i], counts[i]}
	}

	return &Histogram{
		Histo:    [2][]float64{centers, counts},
		HistoT:   pairs,
		BinWidth: edges[1] - edges[0],
	}, nil
}

func sortedCopy(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted
}
