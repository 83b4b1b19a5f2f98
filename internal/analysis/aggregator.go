// Package analysis aggregates an outcome signal into signed-distance bands
// around a boundary and scores the jump at the border.
package analysis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kartoza/policy-proof/internal/geometry"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Point is one band of the result.
type Point struct {
	DistanceKm float64  `json:"distance_km"`
	Value      *float64 `json:"value"`
	Count      int      `json:"count"`
	LoKm       float64  `json:"-"`
	HiKm       float64  `json:"-"`
}

// Result is the outcome of one analysis.
type Result struct {
	Policy         *string
	Points         []Point
	Bins           []float64
	ImpactScore    float64
	Source         string
	FallbackReason string
	Year           int
	Signal         string
}

type EventType string

const (
	EventBand     EventType = "band"
	EventFallback EventType = "fallback"
)

// Event is pushed to the caller while a run is in progress. Band events
// arrive in completion order; a fallback event means every band event that
// follows comes from the synthetic source and earlier ones are superseded.
type Event struct {
	Type   EventType  `json:"type"`
	Source string     `json:"source"`
	Band   *BandEvent `json:"band,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

type BandEvent struct {
	Index      int      `json:"index"`
	LoKm       float64  `json:"lo_km"`
	HiKm       float64  `json:"hi_km"`
	DistanceKm float64  `json:"distance_km"`
	Value      *float64 `json:"value"`
	Count      int      `json:"count"`
}

// EmitFunc receives events. Calls are serialized.
type EmitFunc func(Event)

// Observer is notified about finished runs.
type Observer interface {
	ObserveAnalysis(source string, elapsed time.Duration)
	ObserveFallback(from, reason string)
	ObserveBandError(source string)
}

type nopObserver struct{}

func (nopObserver) ObserveAnalysis(string, time.Duration) {}
func (nopObserver) ObserveFallback(string, string)        {}
func (nopObserver) ObserveBandError(string)               {}

// Options configure an Aggregator.
type Options struct {
	Bands         BandConfig
	WindowKm      float64
	Workers       int
	Timeout       time.Duration
	Normalization Normalization
}

// Request is a single analysis.
type Request struct {
	Policy         *string
	Boundary       *geometry.Boundary
	Year           int
	Signal         string
	ForceSynthetic bool
	// Bands overrides Options.Bands when set.
	Bands *BandConfig
}

type Aggregator struct {
	opts      Options
	source    OutcomeSource
	synthetic OutcomeSource
	observer  Observer
	tracer    trace.Tracer
}

type Option func(*Aggregator)

func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		if o != nil {
			a.observer = o
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Aggregator) {
		if t != nil {
			a.tracer = t
		}
	}
}

// NewAggregator builds an aggregator over source. A nil source means every
// request is served by the synthetic generator.
func NewAggregator(opts Options, source OutcomeSource, options ...Option) *Aggregator {
	if opts.Bands == (BandConfig{}) {
		opts.Bands = DefaultBands
	}
	if opts.WindowKm == 0 {
		opts.WindowKm = DefaultWindowKm
	}
	a := &Aggregator{
		opts:      opts,
		source:    source,
		synthetic: SyntheticSource{},
		observer:  nopObserver{},
		tracer:    otel.Tracer("github.com/kartoza/policy-proof/internal/analysis"),
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// SourceName is the source used when a request does not force synthetic values.
func (a *Aggregator) SourceName() string {
	if a.source == nil {
		return SourceSynthetic
	}
	return a.source.Name()
}

// Run reduces every band and scores the result. Source failures fall back to
// synthetic values for the whole request; cancellation of ctx does not.
func (a *Aggregator) Run(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	if req.Boundary == nil {
		return nil, eris.New("analysis: boundary is required")
	}
	cfg := a.opts.Bands
	if req.Bands != nil {
		cfg = *req.Bands
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bands := cfg.Bands()

	source := a.synthetic
	if !req.ForceSynthetic && a.source != nil {
		source = a.source
	}

	ctx, span := a.tracer.Start(ctx, "analysis.Run", trace.WithAttributes(
		attribute.String("source", source.Name()),
		attribute.Int("bands", len(bands)),
		attribute.Int("year", req.Year),
	))
	defer span.End()

	start := time.Now()
	em := &emitter{fn: emit}

	points, err := a.reduceAll(ctx, source, req, cfg, bands, em)
	reason := ""
	switch {
	case err != nil && ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		return nil, eris.Wrap(ctx.Err(), "analysis: run cancelled")
	case err != nil && source.Name() == SourceSynthetic:
		span.RecordError(err)
		return nil, eris.Wrap(err, "analysis: synthetic reduction")
	case err != nil:
		reason = err.Error()
	case source.Name() != SourceSynthetic && allEmpty(points):
		reason = "no samples in any band"
	}

	if reason != "" {
		zap.L().Warn("analysis: falling back to synthetic values",
			zap.String("source", source.Name()),
			zap.String("reason", reason),
		)
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("reason", reason)))
		a.observer.ObserveFallback(source.Name(), reason)
		em.emit(Event{Type: EventFallback, Source: SourceSynthetic, Reason: reason})

		source = a.synthetic
		points, err = a.reduceAll(ctx, source, req, cfg, bands, em)
		if err != nil {
			span.RecordError(err)
			return nil, eris.Wrap(err, "analysis: synthetic fallback")
		}
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].DistanceKm < points[j].DistanceKm })
	bins := make([]float64, len(points))
	for i, p := range points {
		bins[i] = p.DistanceKm
	}

	result := &Result{
		Policy:         req.Policy,
		Points:         points,
		Bins:           bins,
		ImpactScore:    ImpactScore(points, a.opts.WindowKm),
		Source:         source.Name(),
		FallbackReason: reason,
		Year:           req.Year,
		Signal:         req.Signal,
	}

	elapsed := time.Since(start)
	a.observer.ObserveAnalysis(result.Source, elapsed)
	span.SetAttributes(attribute.String("result.source", result.Source), attribute.Float64("impact_score", result.ImpactScore))
	zap.L().Debug("analysis: run complete",
		zap.String("source", result.Source),
		zap.Int("bands", len(points)),
		zap.Float64("impact_score", result.ImpactScore),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (a *Aggregator) reduceAll(ctx context.Context, source OutcomeSource, req Request, cfg BandConfig, bands []Band, em *emitter) ([]Point, error) {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	workers := len(bands)
	if a.opts.Workers > 0 && a.opts.Workers < workers {
		workers = a.opts.Workers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	points := make([]Point, len(bands))
	for i, band := range bands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ref := cfg.Reference(band)
			bv, err := source.Reduce(gctx, BandQuery{
				Boundary:   req.Boundary,
				Band:       band,
				DistanceKm: ref,
				Year:       req.Year,
				Signal:     req.Signal,
			})
			if err != nil {
				return eris.Wrapf(err, "analysis: band %d [%g, %g) on %s", band.Index, band.LoKm, band.HiKm, source.Name())
			}

			p := a.point(source.Name(), band, ref, bv)
			points[i] = p
			em.emit(Event{Type: EventBand, Source: source.Name(), Band: &BandEvent{
				Index:      band.Index,
				LoKm:       band.LoKm,
				HiKm:       band.HiKm,
				DistanceKm: p.DistanceKm,
				Value:      p.Value,
				Count:      p.Count,
			}})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return points, nil
}

func (a *Aggregator) point(source string, band Band, ref float64, bv BandValue) Point {
	p := Point{DistanceKm: ref, LoKm: band.LoKm, HiKm: band.HiKm}
	if bv.Value == nil {
		return p
	}
	v := *bv.Value
	if !finite(v) {
		zap.L().Warn("analysis: non-finite band value",
			zap.Int("band", band.Index),
			zap.Float64("lo_km", band.LoKm),
			zap.Float64("hi_km", band.HiKm),
			zap.String("source", source),
		)
		a.observer.ObserveBandError(source)
		return p
	}
	// Synthetic values have their own scale; a result is never mixed, so
	// only real values are mapped onto the index.
	if source != SourceSynthetic {
		v = a.opts.Normalization.apply(v)
	}
	p.Value = &v
	p.Count = bv.Count
	return p
}

func allEmpty(points []Point) bool {
	for _, p := range points {
		if p.Value != nil {
			return false
		}
	}
	return true
}

type emitter struct {
	mu sync.Mutex
	fn EmitFunc
}

func (e *emitter) emit(ev Event) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn(ev)
}
