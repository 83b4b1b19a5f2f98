// Package metrics exposes Prometheus metrics for the HTTP surface, the
// analysis pipeline and the tile provider.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
)

// Collector bundles the service metrics. It satisfies the observer
// interfaces of the analysis and tiles packages.
type Collector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	Analyses         *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	Fallbacks        *prometheus.CounterVec
	BandErrors       *prometheus.CounterVec

	TileRequests *prometheus.CounterVec
}

// NewCollector registers metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.HTTPRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyproof_http_requests_total",
		Help: "Handled HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policyproof_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "method"})); err != nil {
		return nil, err
	}
	if c.Analyses, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyproof_analyses_total",
		Help: "Completed analyses by the outcome source that produced the result.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if c.AnalysisDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policyproof_analysis_duration_seconds",
		Help:    "Analysis latency in seconds, including any synthetic fallback.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if c.Fallbacks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyproof_synthetic_fallbacks_total",
		Help: "Analyses that switched to synthetic values, by the source that failed.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if c.BandErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyproof_band_errors_total",
		Help: "Bands emitted as null because their value was not finite.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	if c.TileRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyproof_tile_requests_total",
		Help: "Tile template requests by layer kind and outcome (signed, hit, error, unavailable).",
	}, []string{"kind", "outcome"})); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) ObserveAnalysis(source string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Analyses.WithLabelValues(source).Inc()
	c.AnalysisDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveFallback(from, _ string) {
	if c == nil {
		return
	}
	c.Fallbacks.WithLabelValues(from).Inc()
}

func (c *Collector) ObserveBandError(source string) {
	if c == nil {
		return
	}
	c.BandErrors.WithLabelValues(source).Inc()
}

func (c *Collector) ObserveTileRequest(kind, outcome string) {
	if c == nil {
		return
	}
	c.TileRequests.WithLabelValues(kind, outcome).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latencies labelled by the matched
// mux route template, so path parameters do not explode cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses streaming through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, eris.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, eris.New("metrics: collector already registered with incompatible type")
		}
		return nil, eris.Wrap(err, "metrics: register counter")
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, eris.New("metrics: collector already registered with incompatible type")
		}
		return nil, eris.Wrap(err, "metrics: register histogram")
	}
	return vec, nil
}
