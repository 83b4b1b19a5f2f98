package analysis

import (
	"context"

	"github.com/kartoza/policy-proof/internal/geometry"
	"github.com/rotisserie/eris"
)

// SourceSynthetic names the deterministic generator in results and metrics.
const SourceSynthetic = "synthetic"

// ErrOutcomeSourceUnavailable marks a real outcome source that cannot serve
// the request. The aggregator falls back to synthetic values when it sees it.
var ErrOutcomeSourceUnavailable = eris.New("outcome source unavailable")

// OutcomeSource reduces an outcome signal over one distance band.
type OutcomeSource interface {
	Name() string
	Reduce(ctx context.Context, q BandQuery) (BandValue, error)
}

// BandQuery is everything a source needs to reduce one band.
type BandQuery struct {
	Boundary   *geometry.Boundary
	Band       Band
	DistanceKm float64
	Year       int
	Signal     string
}

// BandValue is a band aggregate. A nil Value means the band had no samples.
type BandValue struct {
	Value *float64
	Count int
}

// SourceError wraps a failure of a named outcome source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return e.Source + ": unavailable"
	}
	return e.Source + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool {
	return target == ErrOutcomeSourceUnavailable
}

// Unavailable reports that source could not be reached because of err.
func Unavailable(source string, err error) error {
	return &SourceError{Source: source, Err: err}
}
