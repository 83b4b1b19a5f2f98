// Package tiles signs XYZ tile templates for the map layers shown next to an
// analysis: satellite embeddings, climate temperatures and learned
// embedding-to-climate predictions.
package tiles

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kartoza/policy-proof/internal/earthengine"
)

var (
	// ErrTileProviderUnavailable means the signer is missing, unreachable or
	// returned something unusable.
	ErrTileProviderUnavailable = eris.New("tile provider unavailable")
	// ErrInvalidRequest means the caller asked for a layer that cannot exist.
	ErrInvalidRequest = eris.New("invalid tile request")
)

// DefaultTemplateTTL is assumed when the signer does not report an expiry.
const DefaultTemplateTTL = time.Hour

// Signer produces signed map templates.
type Signer interface {
	SignMap(ctx context.Context, req earthengine.MapRequest) (earthengine.SignedMap, error)
}

// Observer counts tile requests by layer kind and outcome.
type Observer interface {
	ObserveTileRequest(kind, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveTileRequest(string, string) {}

// Template is an XYZ URL template valid until Expiry.
type Template struct {
	URL    string    `json:"template"`
	Expiry time.Time `json:"expires_at"`
}

type Options struct {
	CacheSize int
	// ExpiryMargin is how long before expiry a cached template is re-signed.
	ExpiryMargin time.Duration
}

// Provider validates tile requests, applies layer defaults and caches signed
// templates until shortly before they expire.
type Provider struct {
	signer   Signer
	cache    *expirable.LRU[string, Template]
	margin   time.Duration
	now      func() time.Time
	observer Observer
}

type Option func(*Provider)

func WithObserver(o Observer) Option {
	return func(p *Provider) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider builds a Provider. A nil signer makes every layer unavailable.
func NewProvider(signer Signer, opts Options, options ...Option) *Provider {
	size := opts.CacheSize
	if size <= 0 {
		size = 256
	}
	margin := opts.ExpiryMargin
	if margin < 0 {
		margin = 0
	}
	p := &Provider{
		signer:   signer,
		cache:    expirable.NewLRU[string, Template](size, nil, DefaultTemplateTTL),
		margin:   margin,
		now:      time.Now,
		observer: nopObserver{},
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Available reports whether a signer is configured.
func (p *Provider) Available() bool {
	return p.signer != nil
}

func (p *Provider) sign(ctx context.Context, kind string, req earthengine.MapRequest) (Template, error) {
	if p.signer == nil {
		p.observer.ObserveTileRequest(kind, "unavailable")
		return Template{}, eris.Wrap(ErrTileProviderUnavailable, "tiles: no signer configured")
	}

	key, err := json.Marshal(req)
	if err != nil {
		return Template{}, eris.Wrap(err, "tiles: build cache key")
	}
	if t, ok := p.cache.Get(string(key)); ok && p.fresh(t) {
		p.observer.ObserveTileRequest(kind, "hit")
		return t, nil
	}

	m, err := p.signer.SignMap(ctx, req)
	if err != nil {
		zap.L().Warn("tiles: sign map", zap.String("kind", kind), zap.String("dataset", req.Dataset), zap.Error(err))
		p.observer.ObserveTileRequest(kind, "error")
		return Template{}, eris.Wrapf(ErrTileProviderUnavailable, "tiles: sign %s map: %v", kind, err)
	}
	if !validTemplate(m.URLFormat) {
		p.observer.ObserveTileRequest(kind, "error")
		return Template{}, eris.Wrapf(ErrTileProviderUnavailable, "tiles: template %q lacks {z}/{x}/{y}", m.URLFormat)
	}

	t := Template{URL: m.URLFormat, Expiry: m.ExpiresAt}
	if t.Expiry.IsZero() {
		t.Expiry = p.now().Add(DefaultTemplateTTL)
	}
	if p.fresh(t) {
		p.cache.Add(string(key), t)
	}
	p.observer.ObserveTileRequest(kind, "signed")
	return t, nil
}

func (p *Provider) fresh(t Template) bool {
	return p.now().Add(p.margin).Before(t.Expiry)
}

func validTemplate(url string) bool {
	return strings.Contains(url, "{z}") && strings.Contains(url, "{x}") && strings.Contains(url, "{y}")
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(ErrInvalidRequest, format, args...)
}

func valueRange(vmin, vmax *float64, defMin, defMax float64) (float64, float64, error) {
	lo, hi := defMin, defMax
	if vmin != nil {
		lo = *vmin
	}
	if vmax != nil {
		hi = *vmax
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, 0, invalid("tiles: vmin and vmax must be finite")
	}
	if lo >= hi {
		return 0, 0, invalid("tiles: vmin %g must be less than vmax %g", lo, hi)
	}
	return lo, hi, nil
}

// EmbeddingRequest asks for a satellite embedding composite.
type EmbeddingRequest struct {
	Year  int
	Bands []string
	VMin  *float64
	VMax  *float64
}

type EmbeddingTiles struct {
	Year  int      `json:"year"`
	Bands []string `json:"bands"`
	VMin  float64  `json:"vmin"`
	VMax  float64  `json:"vmax"`
	Template
}

// Embedding signs an embedding composite. Missing bands default to
// A01,A16,A09 and the range to -0.3..0.3.
func (p *Provider) Embedding(ctx context.Context, req EmbeddingRequest) (EmbeddingTiles, error) {
	if req.Year < EmbeddingMinYear || req.Year > maxYear {
		return EmbeddingTiles{}, invalid("tiles: embedding year %d outside %d..%d", req.Year, EmbeddingMinYear, maxYear)
	}
	bands := req.Bands
	if len(bands) == 0 {
		bands = DefaultEmbeddingBands
	}
	if len(bands) != 1 && len(bands) != 3 {
		return EmbeddingTiles{}, invalid("tiles: embedding composite needs 1 or 3 bands, got %d", len(bands))
	}
	for _, b := range bands {
		if !validEmbeddingBand(b) {
			return EmbeddingTiles{}, invalid("tiles: invalid embedding band %q, valid bands are A00..A63", b)
		}
	}
	vmin, vmax, err := valueRange(req.VMin, req.VMax, EmbeddingVMin, EmbeddingVMax)
	if err != nil {
		return EmbeddingTiles{}, err
	}

	t, err := p.sign(ctx, "embedding", earthengine.MapRequest{
		Kind:    earthengine.MapImage,
		Dataset: EmbeddingDataset,
		Year:    req.Year,
		Bands:   bands,
		Min:     vmin,
		Max:     vmax,
	})
	if err != nil {
		return EmbeddingTiles{}, err
	}
	return EmbeddingTiles{Year: req.Year, Bands: bands, VMin: vmin, VMax: vmax, Template: t}, nil
}

// ClimateRequest asks for an annual mean temperature map, or the change
// Y2-Y1 when both are set.
type ClimateRequest struct {
	Source string
	Year   int
	Y1     int
	Y2     int
	VMin   *float64
	VMax   *float64
}

type ClimateTiles struct {
	Source string  `json:"source"`
	Mode   string  `json:"mode"`
	Year   int     `json:"year,omitempty"`
	Y1     int     `json:"y1,omitempty"`
	Y2     int     `json:"y2,omitempty"`
	VMin   float64 `json:"vmin"`
	VMax   float64 `json:"vmax"`
	Template
}

// Climate signs an ERA5-Land or MODIS temperature layer.
func (p *Provider) Climate(ctx context.Context, req ClimateRequest) (ClimateTiles, error) {
	name := strings.ToLower(strings.TrimSpace(req.Source))
	if name == "" {
		name = SourceERA5Land
	}
	src, ok := climateSources[name]
	if !ok {
		return ClimateTiles{}, invalid("tiles: unsupported climate source %q", req.Source)
	}

	checkYear := func(y int) error {
		if y < src.minYear || y > maxYear {
			return invalid("tiles: %s year %d outside %d..%d", name, y, src.minYear, maxYear)
		}
		return nil
	}

	out := ClimateTiles{Source: name}
	mapReq := earthengine.MapRequest{Dataset: src.dataset, Band: src.band}

	if req.Y1 != 0 && req.Y2 != 0 {
		if err := checkYear(req.Y1); err != nil {
			return ClimateTiles{}, err
		}
		if err := checkYear(req.Y2); err != nil {
			return ClimateTiles{}, err
		}
		vmin, vmax, err := valueRange(req.VMin, req.VMax, diffVMin, diffVMax)
		if err != nil {
			return ClimateTiles{}, err
		}
		out.Mode, out.Y1, out.Y2, out.VMin, out.VMax = "difference", req.Y1, req.Y2, vmin, vmax
		mapReq.Kind = earthengine.MapDifference
		mapReq.Years = []int{req.Y1, req.Y2}
		mapReq.Palette = DifferencePalette
	} else {
		year := req.Year
		if year == 0 {
			year = defaultClimateYear
		}
		if err := checkYear(year); err != nil {
			return ClimateTiles{}, err
		}
		vmin, vmax, err := valueRange(req.VMin, req.VMax, src.vmin, src.vmax)
		if err != nil {
			return ClimateTiles{}, err
		}
		out.Mode, out.Year, out.VMin, out.VMax = "annual", year, vmin, vmax
		mapReq.Kind = earthengine.MapImage
		mapReq.Year = year
		mapReq.Palette = TemperaturePalette
	}
	mapReq.Min, mapReq.Max = out.VMin, out.VMax

	t, err := p.sign(ctx, "climate", mapReq)
	if err != nil {
		return ClimateTiles{}, err
	}
	out.Template = t
	return out, nil
}

// LearnedRequest asks for a map of a climate target predicted from the
// embedding bands by linear regression over Region.
type LearnedRequest struct {
	Year   int
	Target string
	Bands  []string
	Region json.RawMessage
	VMin   *float64
	VMax   *float64
}

type LearnedTiles struct {
	Year   int      `json:"year"`
	Target string   `json:"target"`
	Bands  []string `json:"bands"`
	VMin   float64  `json:"vmin"`
	VMax   float64  `json:"vmax"`
	Template
}

// Learned signs a regression layer. All 64 bands are used by default.
func (p *Provider) Learned(ctx context.Context, req LearnedRequest) (LearnedTiles, error) {
	if req.Year < EmbeddingMinYear || req.Year > maxYear {
		return LearnedTiles{}, invalid("tiles: embedding year %d outside %d..%d", req.Year, EmbeddingMinYear, maxYear)
	}
	target, ok := canonicalTarget(req.Target)
	if !ok {
		return LearnedTiles{}, invalid("tiles: unsupported regression target %q", req.Target)
	}
	bands := req.Bands
	if len(bands) == 0 {
		bands = AllEmbeddingBands()
	}
	var bad []string
	for _, b := range bands {
		if !validEmbeddingBand(b) {
			bad = append(bad, b)
		}
	}
	if len(bad) > 0 {
		return LearnedTiles{}, invalid("tiles: invalid embedding band(s) %v, valid bands are A00..A63", bad)
	}
	vmin, vmax, err := valueRange(req.VMin, req.VMax, learnedVMin, learnedVMax)
	if err != nil {
		return LearnedTiles{}, err
	}

	t, err := p.sign(ctx, "learned", earthengine.MapRequest{
		Kind:    earthengine.MapRegression,
		Dataset: EmbeddingDataset,
		Year:    req.Year,
		Bands:   bands,
		Target:  target,
		Region:  req.Region,
		Scale:   learnedScale,
		Min:     vmin,
		Max:     vmax,
		Palette: TemperaturePalette,
	})
	if err != nil {
		return LearnedTiles{}, err
	}
	return LearnedTiles{Year: req.Year, Target: target, Bands: bands, VMin: vmin, VMax: vmax, Template: t}, nil
}
