package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindowKm is the half-width of the near-border window.
const DefaultWindowKm = 0.5

// ImpactScore is the mean of non-null values in bands overlapping
// [0, window) minus the mean of those overlapping [-window, 0), rounded to
// three decimals. An empty side or a non-finite difference scores 0.
func ImpactScore(points []Point, windowKm float64) float64 {
	if windowKm <= 0 {
		return 0
	}

	var inside, outside []float64
	for _, p := range points {
		if p.Value == nil {
			continue
		}
		if p.LoKm < windowKm && p.HiKm > 0 {
			inside = append(inside, *p.Value)
		}
		if p.LoKm < 0 && p.HiKm > -windowKm {
			outside = append(outside, *p.Value)
		}
	}
	if len(inside) == 0 || len(outside) == 0 {
		return 0
	}

	diff := stat.Mean(inside, nil) - stat.Mean(outside, nil)
	if !finite(diff) {
		return 0
	}
	return roundTo(diff, 3)
}

// Normalization maps raw values from a real source onto a 0..100 index.
type Normalization struct {
	Enabled bool
	Min     float64
	Max     float64
}

func (n Normalization) apply(v float64) float64 {
	if !n.Enabled || n.Max == n.Min {
		return v
	}
	scaled := (v - n.Min) / (n.Max - n.Min) * 100
	return math.Max(0, math.Min(100, scaled))
}
