package analysis

import (
	"context"
	"math"
	"math/rand/v2"
)

const (
	syntheticBase  = 10.0
	syntheticSlope = 0.4
	syntheticJump  = 3.0
	syntheticSigma = 0.5
	noiseClamp     = 2.5

	// yearMix spreads the year over the seed before it is xored with the hash.
	yearMix = 0x9E3779B97F4A7C15
)

// SyntheticSource produces a smooth baseline with a jump at distance 0.
// Values depend only on the boundary hash, year, band index and distance.
type SyntheticSource struct{}

func (SyntheticSource) Name() string { return SourceSynthetic }

func (SyntheticSource) Reduce(_ context.Context, q BandQuery) (BandValue, error) {
	v := SyntheticValue(q.Boundary.Hash(), q.Year, q.Band.Index, q.DistanceKm)
	return BandValue{Value: &v}, nil
}

// SyntheticValue is base + slope*d + jump*[d >= 0] + noise, where noise is a
// clamped normal deviate scaled by 0.5*(1 + 0.05|d|).
func SyntheticValue(boundaryHash uint64, year, bandIndex int, d float64) float64 {
	rng := rand.New(rand.NewPCG(boundaryHash^uint64(year)*yearMix, uint64(bandIndex)))
	z := math.Max(-noiseClamp, math.Min(noiseClamp, rng.NormFloat64()))
	sigma := syntheticSigma * (1 + 0.05*math.Abs(d))

	v := syntheticBase + syntheticSlope*d + sigma*z
	if d >= 0 {
		v += syntheticJump
	}
	return v
}
