package analysis

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kartoza/policy-proof/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallSquare = `{"type":"Polygon","coordinates":[[[-0.001,-0.001],[0.001,-0.001],[0.001,0.001],[-0.001,0.001],[-0.001,-0.001]]]}`

type fakeSource struct {
	name   string
	reduce func(ctx context.Context, q BandQuery) (BandValue, error)
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Reduce(ctx context.Context, q BandQuery) (BandValue, error) {
	return f.reduce(ctx, q)
}

type recordingObserver struct {
	mu         sync.Mutex
	analyses   []string
	fallbacks  []string
	bandErrors int
}

func (r *recordingObserver) ObserveAnalysis(source string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses = append(r.analyses, source)
}

func (r *recordingObserver) ObserveFallback(from, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, from)
}

func (r *recordingObserver) ObserveBandError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bandErrors++
}

func boundary(t *testing.T) *geometry.Boundary {
	t.Helper()
	b, err := geometry.Parse([]byte(smallSquare))
	require.NoError(t, err)
	return b
}

func assertAscending(t *testing.T, r *Result) {
	t.Helper()
	require.Len(t, r.Bins, len(r.Points))
	for i, p := range r.Points {
		assert.Equal(t, p.DistanceKm, r.Bins[i])
		if i > 0 {
			assert.Less(t, r.Points[i-1].DistanceKm, p.DistanceKm)
		}
	}
}

func TestRunSyntheticSmallSquare(t *testing.T) {
	agg := NewAggregator(Options{}, nil)

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t), Year: 2024, ForceSynthetic: true}, nil)
	require.NoError(t, err)

	require.Len(t, result.Points, 10)
	assertAscending(t, result)
	assert.Equal(t, SourceSynthetic, result.Source)
	assert.Empty(t, result.FallbackReason)
	assert.Greater(t, result.ImpactScore, 0.0)

	below, above := result.Points[4], result.Points[5]
	assert.Equal(t, -0.5, below.DistanceKm)
	assert.Equal(t, 0.5, above.DistanceKm)
	assert.Greater(t, *above.Value-*below.Value, 1.0)

	for _, p := range result.Points {
		assert.Equal(t, 0, p.Count)
		require.NotNil(t, p.Value)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	agg := NewAggregator(Options{Bands: FineBands}, nil)
	req := Request{Boundary: boundary(t), Year: 2021}

	first, err := agg.Run(context.Background(), req, nil)
	require.NoError(t, err)
	second, err := agg.Run(context.Background(), req, nil)
	require.NoError(t, err)

	require.Len(t, first.Points, 40)
	assert.Equal(t, first.ImpactScore, second.ImpactScore)
	for i := range first.Points {
		assert.Equal(t, math.Float64bits(*first.Points[i].Value), math.Float64bits(*second.Points[i].Value))
	}

	other, err := agg.Run(context.Background(), Request{Boundary: boundary(t), Year: 2022}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, *first.Points[0].Value, *other.Points[0].Value)
}

func TestRunRealSource(t *testing.T) {
	src := fakeSource{name: "fake", reduce: func(_ context.Context, q BandQuery) (BandValue, error) {
		v := q.DistanceKm * 2
		return BandValue{Value: &v, Count: 7}, nil
	}}
	obs := &recordingObserver{}
	agg := NewAggregator(Options{Workers: 3}, src, WithObserver(obs))

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t), Year: 2020}, nil)
	require.NoError(t, err)

	assert.Equal(t, "fake", result.Source)
	assert.Equal(t, "fake", agg.SourceName())
	assertAscending(t, result)
	for _, p := range result.Points {
		assert.Equal(t, 7, p.Count)
		assert.Equal(t, p.DistanceKm*2, *p.Value)
	}
	assert.Equal(t, 2.0, result.ImpactScore)
	assert.Equal(t, []string{"fake"}, obs.analyses)
	assert.Empty(t, obs.fallbacks)
}

func TestRunFallsBackWhenSourceUnavailable(t *testing.T) {
	src := fakeSource{name: "remote", reduce: func(context.Context, BandQuery) (BandValue, error) {
		return BandValue{}, Unavailable("remote", errors.New("connection refused"))
	}}
	obs := &recordingObserver{}
	agg := NewAggregator(Options{}, src, WithObserver(obs))

	var mu sync.Mutex
	var events []Event
	emit := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t), Year: 2024}, emit)
	require.NoError(t, err)

	assert.Equal(t, SourceSynthetic, result.Source)
	assert.Contains(t, result.FallbackReason, "connection refused")
	require.Len(t, result.Points, 10)
	for _, p := range result.Points {
		assert.Equal(t, 0, p.Count)
		require.NotNil(t, p.Value)
	}
	assert.Equal(t, []string{"remote"}, obs.fallbacks)
	assert.Equal(t, []string{SourceSynthetic}, obs.analyses)

	forced, err := agg.Run(context.Background(), Request{Boundary: boundary(t), Year: 2024, ForceSynthetic: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, forced.ImpactScore, result.ImpactScore)

	require.NotEmpty(t, events)
	assert.Equal(t, EventFallback, events[0].Type)
	bandEvents := 0
	for _, ev := range events[1:] {
		assert.Equal(t, EventBand, ev.Type)
		assert.Equal(t, SourceSynthetic, ev.Source)
		bandEvents++
	}
	assert.Equal(t, 10, bandEvents)
}

func TestRunFallsBackWhenEveryBandIsEmpty(t *testing.T) {
	src := fakeSource{name: "samples", reduce: func(context.Context, BandQuery) (BandValue, error) {
		return BandValue{}, nil
	}}
	agg := NewAggregator(Options{}, src)

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t)}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, result.Source)
	assert.Equal(t, "no samples in any band", result.FallbackReason)
}

func TestRunKeepsEmptyBandsAsNull(t *testing.T) {
	src := fakeSource{name: "samples", reduce: func(_ context.Context, q BandQuery) (BandValue, error) {
		if q.Band.Index%2 == 0 {
			return BandValue{}, nil
		}
		v := 1.0
		return BandValue{Value: &v, Count: 3}, nil
	}}
	agg := NewAggregator(Options{}, src)

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "samples", result.Source)
	require.Len(t, result.Points, 10)
	for i, p := range result.Points {
		if i%2 == 0 {
			assert.Nil(t, p.Value)
			assert.Equal(t, 0, p.Count)
		} else {
			assert.NotNil(t, p.Value)
		}
	}
	// band [-1,0) is empty, so the outside window has no values
	assert.Equal(t, 0.0, result.ImpactScore)
}

func TestRunNonFiniteBandBecomesNull(t *testing.T) {
	src := fakeSource{name: "samples", reduce: func(_ context.Context, q BandQuery) (BandValue, error) {
		v := 4.0
		if q.Band.Index == 3 {
			v = math.NaN()
		}
		return BandValue{Value: &v, Count: 1}, nil
	}}
	obs := &recordingObserver{}
	agg := NewAggregator(Options{}, src, WithObserver(obs))

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t)}, nil)
	require.NoError(t, err)
	assert.Nil(t, result.Points[3].Value)
	assert.Equal(t, 0, result.Points[3].Count)
	assert.Equal(t, 1, obs.bandErrors)
	assert.Equal(t, 0.0, result.ImpactScore)
}

func TestRunTimeoutFallsBack(t *testing.T) {
	src := fakeSource{name: "slow", reduce: func(ctx context.Context, _ BandQuery) (BandValue, error) {
		<-ctx.Done()
		return BandValue{}, ctx.Err()
	}}
	agg := NewAggregator(Options{Timeout: 20 * time.Millisecond}, src)

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t)}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, result.Source)
	assert.Len(t, result.Points, 10)
}

func TestRunCancelledDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := fakeSource{name: "slow", reduce: func(ctx context.Context, _ BandQuery) (BandValue, error) {
		cancel()
		<-ctx.Done()
		return BandValue{}, ctx.Err()
	}}
	obs := &recordingObserver{}
	agg := NewAggregator(Options{}, src, WithObserver(obs))

	_, err := agg.Run(ctx, Request{Boundary: boundary(t)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, obs.fallbacks)
}

func TestRunNormalizesBeforeScoring(t *testing.T) {
	src := fakeSource{name: "embedding", reduce: func(_ context.Context, q BandQuery) (BandValue, error) {
		v := -0.1
		if q.DistanceKm >= 0 {
			v = 0.2
		}
		return BandValue{Value: &v, Count: 1}, nil
	}}
	agg := NewAggregator(Options{Normalization: Normalization{Enabled: true, Min: -0.3, Max: 0.3}}, src)

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t)}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 100.0/3, *result.Points[0].Value, 1e-9)
	assert.InDelta(t, 250.0/3, *result.Points[9].Value, 1e-9)
	assert.Equal(t, 50.0, result.ImpactScore)
}

func TestRunSyntheticIgnoresNormalization(t *testing.T) {
	norm := Normalization{Enabled: true, Min: -0.3, Max: 0.3}
	plain, err := NewAggregator(Options{}, nil).Run(context.Background(), Request{Boundary: boundary(t), Year: 2024}, nil)
	require.NoError(t, err)

	down := fakeSource{name: "remote", reduce: func(context.Context, BandQuery) (BandValue, error) {
		return BandValue{}, Unavailable("remote", errors.New("connection refused"))
	}}
	tests := []struct {
		name   string
		source OutcomeSource
		req    Request
	}{
		{"forced", down, Request{Boundary: boundary(t), Year: 2024, ForceSynthetic: true}},
		{"no source", nil, Request{Boundary: boundary(t), Year: 2024}},
		{"fallback", down, Request{Boundary: boundary(t), Year: 2024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NewAggregator(Options{Normalization: norm}, tt.source).Run(context.Background(), tt.req, nil)
			require.NoError(t, err)
			assert.Equal(t, SourceSynthetic, result.Source)
			require.Len(t, result.Points, len(plain.Points))
			for i, p := range result.Points {
				require.NotNil(t, p.Value)
				assert.Equal(t, *plain.Points[i].Value, *p.Value)
			}
			assert.Equal(t, plain.ImpactScore, result.ImpactScore)
			assert.Greater(t, result.ImpactScore, 0.0)
		})
	}
}

func TestRunRequestBandsOverride(t *testing.T) {
	agg := NewAggregator(Options{}, nil)
	fine := FineBands

	result, err := agg.Run(context.Background(), Request{Boundary: boundary(t), Bands: &fine}, nil)
	require.NoError(t, err)
	assert.Len(t, result.Points, 40)
	assert.Greater(t, result.ImpactScore, 0.0)

	bad := BandConfig{StartKm: 1, EndKm: 0, WidthKm: 1}
	_, err = agg.Run(context.Background(), Request{Boundary: boundary(t), Bands: &bad}, nil)
	assert.Error(t, err)
}

func TestRunRequiresBoundary(t *testing.T) {
	_, err := NewAggregator(Options{}, nil).Run(context.Background(), Request{}, nil)
	assert.Error(t, err)
}
