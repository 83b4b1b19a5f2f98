// Package earthengine is the outbound client for the geospatial service that
// reduces outcome signals over band annuli and signs map tile templates.
//
// One Client is constructed at startup and shared by every request. All
// calls go through a rate limiter, a circuit breaker and a bounded retry on
// 429/5xx responses.
package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Config holds connection settings for the geospatial service.
type Config struct {
	BaseURL           string
	Token             string
	Project           string
	Dataset           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	MinWait           time.Duration
	MaxWait           time.Duration
}

// StatusError is a non-2xx response from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("earthengine: upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("earthengine: upstream returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the geospatial service. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSleepFunc overrides the wait between retries. Intended for tests.
func WithSleepFunc(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, eris.New("earthengine: base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "earthengine: parse base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Errorf("earthengine: unsupported base URL scheme %q", u.Scheme)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = 200 * time.Millisecond
	}
	if cfg.MaxWait < cfg.MinWait {
		cfg.MaxWait = 5 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		sleep:   sleepContext,
		tracer:  otel.Tracer("github.com/kartoza/policy-proof/internal/earthengine"),
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "earthengine",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Client errors are the caller's fault, not an outage.
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("earthengine: circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Project is the billing project sent with every request.
func (c *Client) Project() string { return c.cfg.Project }

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// post sends in as JSON to path and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "earthengine.post", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.path", path)))
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return eris.Wrapf(err, "earthengine: encode %s request", path)
	}

	var lastErr error
	attempts := 1 + c.cfg.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "earthengine: wait for rate limiter")
		}

		data, err := c.breaker.Execute(func() ([]byte, error) {
			return c.do(ctx, path, body)
		})
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return eris.Wrapf(err, "earthengine: decode %s response", path)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			wait := c.backoff(attempt)
			zap.L().Debug("earthengine: retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			if err := c.sleep(ctx, wait); err != nil {
				break
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "request failed")
	return eris.Wrapf(lastErr, "earthengine: POST %s", path)
}

func (c *Client) do(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Project != "" {
		req.Header.Set("X-Goog-User-Project", c.cfg.Project)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return data, nil
}

// backoff is exponential with jitter, clamped to [MinWait, MaxWait].
func (c *Client) backoff(attempt int) time.Duration {
	minWait := float64(c.cfg.MinWait)
	base := math.Min(minWait*math.Pow(2, float64(attempt)), float64(c.cfg.MaxWait))
	if base <= minWait {
		return c.cfg.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
