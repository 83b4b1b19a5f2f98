package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kartoza/policy-proof/internal/analysis"
	"github.com/kartoza/policy-proof/internal/api"
	"github.com/kartoza/policy-proof/internal/chat"
	"github.com/kartoza/policy-proof/internal/config"
	"github.com/kartoza/policy-proof/internal/earthengine"
	"github.com/kartoza/policy-proof/internal/metrics"
	"github.com/kartoza/policy-proof/internal/samples"
	"github.com/kartoza/policy-proof/internal/tiles"
)

// Components are the long-lived collaborators built once at startup and
// shared by every request.
type Components struct {
	EarthEngine *earthengine.Client
	Samples     *samples.Store
	Aggregator  *analysis.Aggregator
	Tiles       *tiles.Provider
	Responder   chat.Responder
	Metrics     *metrics.Collector
}

// OpenComponents builds the components described by cfg. Metrics register
// against reg, or the default registry when nil.
func OpenComponents(cfg config.Config, reg prometheus.Registerer) (*Components, error) {
	c := &Components{}

	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, err
	}
	c.Metrics = collector

	if cfg.EarthEngine.BaseURL != "" {
		client, err := earthengine.New(earthengine.Config{
			BaseURL:           cfg.EarthEngine.BaseURL,
			Token:             cfg.EarthEngine.Token,
			Project:           cfg.EarthEngine.Project,
			Dataset:           cfg.EarthEngine.Dataset,
			Timeout:           cfg.EarthEngine.Timeout,
			RequestsPerSecond: cfg.EarthEngine.RequestsPerSecond,
			Burst:             cfg.EarthEngine.Burst,
			MaxRetries:        cfg.EarthEngine.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		c.EarthEngine = client
	}

	source, err := c.outcomeSource(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	bands, err := analysis.ParsePreset(cfg.Analysis.Bands)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Aggregator = analysis.NewAggregator(analysis.Options{
		Bands:    bands,
		WindowKm: cfg.Analysis.WindowKm,
		Workers:  cfg.Analysis.Workers,
		Timeout:  cfg.Analysis.Timeout,
		Normalization: analysis.Normalization{
			Enabled: cfg.Analysis.Normalize,
			Min:     cfg.Analysis.NormMin,
			Max:     cfg.Analysis.NormMax,
		},
	}, source, analysis.WithObserver(collector))

	tileOpts := tiles.Options{CacheSize: cfg.Tiles.CacheSize, ExpiryMargin: cfg.Tiles.ExpiryMargin}
	if c.EarthEngine != nil {
		c.Tiles = tiles.NewProvider(c.EarthEngine, tileOpts, tiles.WithObserver(collector))
	} else {
		c.Tiles = tiles.NewProvider(nil, tileOpts, tiles.WithObserver(collector))
		zap.L().Warn("Tile provider unavailable: earthengine.base_url is not set")
	}

	if cfg.Chat.APIKey != "" {
		llm, err := chat.NewLLMResponder(chat.LLMConfig{
			APIKey:    cfg.Chat.APIKey,
			Model:     cfg.Chat.Model,
			MaxTokens: cfg.Chat.MaxTokens,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Responder = llm
	}

	zap.L().Info("Components ready",
		zap.String("outcome_source", c.Aggregator.SourceName()),
		zap.Bool("tiles_available", c.Tiles.Available()),
		zap.Bool("llm_chat", c.Responder != nil),
	)
	return c, nil
}

// outcomeSource picks the real source for analyses; nil means synthetic.
func (c *Components) outcomeSource(cfg config.Config) (analysis.OutcomeSource, error) {
	switch cfg.Analysis.Source {
	case config.SourceSynthetic:
		return nil, nil

	case config.SourceEarthEngine:
		if c.EarthEngine == nil {
			return nil, eris.New("server: earthengine source selected but no client configured")
		}
		return earthengine.NewReducer(c.EarthEngine), nil

	case config.SourceSamples:
		store, err := samples.Open(cfg.Samples.DataDir)
		if err != nil {
			_ = store.Close()
			return nil, eris.Wrapf(err, "server: open samples in %s", cfg.Samples.DataDir)
		}
		c.Samples = store
		return store, nil

	default:
		if c.EarthEngine != nil {
			return earthengine.NewReducer(c.EarthEngine), nil
		}
		store, err := samples.Open(cfg.Samples.DataDir)
		if err != nil {
			_ = store.Close()
			zap.L().Info("No sample databases found, analyses use synthetic values",
				zap.String("data_dir", cfg.Samples.DataDir))
			return nil, nil
		}
		c.Samples = store
		return store, nil
	}
}

// Datasets returns the sample store as a lister, or nil without one.
func (c *Components) Datasets() api.DatasetLister {
	if c.Samples == nil {
		return nil
	}
	return c.Samples
}

// Close releases outbound clients and databases.
func (c *Components) Close() {
	if c.Samples != nil {
		if err := c.Samples.Close(); err != nil {
			zap.L().Warn("Error closing samples store", zap.Error(err))
		}
	}
	if c.EarthEngine != nil {
		c.EarthEngine.Close()
	}
}
