package register

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"blockalign/pkg/volume"
)

// MetricKind selects the intensity similarity measure the solver
// optimizes. Both measures are oriented so that larger is better.
type MetricKind int

const (
	// NCC is normalized cross-correlation, suited to same-modality
	// rounds with a linear intensity relationship.
	NCC MetricKind = iota

	// MI is histogram-based mutual information, robust to non-linear
	// intensity relationships between imaging rounds.
	MI
)

func (m MetricKind) String() string {
	switch m {
	case NCC:
		return "ncc"
	case MI:
		return "mi"
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

// ParseMetricKind converts a configuration string into a MetricKind.
func ParseMetricKind(s string) (MetricKind, error) {
	switch s {
	case "ncc", "cross-correlation", "":
		return NCC, nil
	case "mi", "mutual-information":
		return MI, nil
	}
	return NCC, fmt.Errorf("unknown metric %q, expected ncc or mi", s)
}

// Similarity computes the selected measure between two equally shaped
// volumes. It panics on mismatched sample counts; callers always compare
// volumes sampled on the same grid.
func Similarity(kind MetricKind, a, b *volume.Volume) float64 {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("similarity over mismatched volumes: %d vs %d samples", len(a.Data), len(b.Data)))
	}
	switch kind {
	case MI:
		return mutualInformation(a.Data, b.Data)
	default:
		return crossCorrelation(a.Data, b.Data)
	}
}

// crossCorrelation returns Pearson correlation of the two sample sets.
// A constant volume has no defined correlation; zero keeps the optimizer
// away from degenerate flat solutions.
func crossCorrelation(a, b []float32) float64 {
	x := make([]float64, len(a))
	y := make([]float64, len(b))
	for i := range a {
		x[i] = float64(a[i])
		y[i] = float64(b[i])
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// miBins is the per-axis histogram resolution for mutual information.
// 32 bins keeps the joint histogram well populated for block-sized
// sample counts.
const miBins = 32

// mutualInformation estimates MI in bits from the joint intensity
// histogram of the two sample sets.
func mutualInformation(a, b []float32) float64 {
	n := len(a)
	if n == 0 {
		return 0
	}
	aMin, aMax := rangeOf(a)
	bMin, bMax := rangeOf(b)
	if aMax <= aMin || bMax <= bMin {
		return 0
	}

	joint := make([]float64, miBins*miBins)
	for i := 0; i < n; i++ {
		ai := binOf(a[i], aMin, aMax)
		bi := binOf(b[i], bMin, bMax)
		joint[ai*miBins+bi]++
	}

	var margA, margB [miBins]float64
	for i := 0; i < miBins; i++ {
		for j := 0; j < miBins; j++ {
			p := joint[i*miBins+j] / float64(n)
			joint[i*miBins+j] = p
			margA[i] += p
			margB[j] += p
		}
	}

	mi := 0.0
	for i := 0; i < miBins; i++ {
		for j := 0; j < miBins; j++ {
			p := joint[i*miBins+j]
			if p > 0 && margA[i] > 0 && margB[j] > 0 {
				mi += p * math.Log2(p/(margA[i]*margB[j]))
			}
		}
	}
	return mi
}

func rangeOf(data []float32) (float32, float32) {
	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func binOf(v, min, max float32) int {
	idx := int(float64(v-min) / float64(max-min) * miBins)
	if idx >= miBins {
		idx = miBins - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
