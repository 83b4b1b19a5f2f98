package analysis

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// Position selects which point of a band is reported as its distance.
type Position string

const (
	PositionMidpoint Position = "midpoint"
	PositionLower    Position = "lower"
)

// maxBands caps how many bands a single request may fan out to.
const maxBands = 1000

// BandConfig describes contiguous half-open bands [lo, hi) covering
// [StartKm, EndKm) in steps of WidthKm.
type BandConfig struct {
	StartKm  float64  `json:"start_km" mapstructure:"start_km"`
	EndKm    float64  `json:"end_km" mapstructure:"end_km"`
	WidthKm  float64  `json:"width_km" mapstructure:"width_km"`
	Position Position `json:"position" mapstructure:"position"`
}

// DefaultBands are 1 km bands over -5..5 km.
var DefaultBands = BandConfig{StartKm: -5, EndKm: 5, WidthKm: 1, Position: PositionMidpoint}

// FineBands are 0.1 km bands over -2..2 km.
var FineBands = BandConfig{StartKm: -2, EndKm: 2, WidthKm: 0.1, Position: PositionMidpoint}

// ParsePreset maps a preset name to its BandConfig. An empty name means default.
func ParsePreset(name string) (BandConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return DefaultBands, nil
	case "fine":
		return FineBands, nil
	}
	return BandConfig{}, eris.Errorf("analysis: unknown band preset %q", name)
}

// Band is one signed-distance interval [LoKm, HiKm).
type Band struct {
	Index int
	LoKm  float64
	HiKm  float64
}

// Validate checks the range, width and position.
func (c BandConfig) Validate() error {
	if !finite(c.StartKm) || !finite(c.EndKm) || !finite(c.WidthKm) {
		return eris.New("analysis: band range must be finite")
	}
	if c.WidthKm <= 0 {
		return eris.Errorf("analysis: band width must be positive, got %g", c.WidthKm)
	}
	if c.EndKm <= c.StartKm {
		return eris.Errorf("analysis: band end %g must be greater than start %g", c.EndKm, c.StartKm)
	}
	// Compared as a float; tiny widths overflow int.
	if n := c.rawCount(); n > maxBands {
		return eris.Errorf("analysis: %g bands exceeds the limit of %d", n, maxBands)
	}
	switch c.Position {
	case "", PositionMidpoint, PositionLower:
	default:
		return eris.Errorf("analysis: unknown band position %q", c.Position)
	}
	return nil
}

func (c BandConfig) rawCount() float64 {
	return math.Ceil((c.EndKm-c.StartKm)/c.WidthKm - 1e-9)
}

func (c BandConfig) count() int {
	return int(c.rawCount())
}

// Bands returns the configured bands in ascending order. Edges are derived
// from the band index so rounding does not accumulate; the last band is
// closed off at EndKm.
func (c BandConfig) Bands() []Band {
	n := c.count()
	bands := make([]Band, n)
	for i := range bands {
		lo := roundTo(c.StartKm+float64(i)*c.WidthKm, 9)
		hi := roundTo(c.StartKm+float64(i+1)*c.WidthKm, 9)
		if i == n-1 {
			hi = c.EndKm
		}
		bands[i] = Band{Index: i, LoKm: lo, HiKm: hi}
	}
	return bands
}

// Reference is the distance reported for b in points and bins.
func (c BandConfig) Reference(b Band) float64 {
	if c.Position == PositionLower {
		return roundTo(b.LoKm, 6)
	}
	return roundTo((b.LoKm+b.HiKm)/2, 6)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0 // no negative zero in output
	}
	return r
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
