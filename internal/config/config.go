package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Outcome source selection for the analysis pipeline.
const (
	SourceAuto        = "auto"
	SourceEarthEngine = "earthengine"
	SourceSamples     = "samples"
	SourceSynthetic   = "synthetic"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Analysis    AnalysisConfig    `yaml:"analysis" mapstructure:"analysis"`
	Samples     SamplesConfig     `yaml:"samples" mapstructure:"samples"`
	EarthEngine EarthEngineConfig `yaml:"earthengine" mapstructure:"earthengine"`
	Tiles       TilesConfig       `yaml:"tiles" mapstructure:"tiles"`
	Chat        ChatConfig        `yaml:"chat" mapstructure:"chat"`
	Tracing     TracingConfig     `yaml:"tracing" mapstructure:"tracing"`

	// Version is set by the binary, not loaded.
	Version string `yaml:"-" mapstructure:"-"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"gt=0"`

	// StaticDir optionally serves a built frontend with SPA fallback.
	StaticDir string `yaml:"static_dir" mapstructure:"static_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// AnalysisConfig configures the band aggregator.
type AnalysisConfig struct {
	Source      string        `yaml:"source" mapstructure:"source" validate:"oneof=auto earthengine samples synthetic"`
	Bands       string        `yaml:"bands" mapstructure:"bands" validate:"oneof=default fine"`
	WindowKm    float64       `yaml:"window_km" mapstructure:"window_km" validate:"gt=0"`
	Workers     int           `yaml:"workers" mapstructure:"workers" validate:"min=1"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	DefaultYear int           `yaml:"default_year" mapstructure:"default_year" validate:"min=2017,max=2100"`
	Signal      string        `yaml:"signal" mapstructure:"signal"`
	Normalize   bool          `yaml:"normalize" mapstructure:"normalize"`
	NormMin     float64       `yaml:"norm_min" mapstructure:"norm_min"`
	NormMax     float64       `yaml:"norm_max" mapstructure:"norm_max"`
}

// SamplesConfig points at the directory of sample databases.
type SamplesConfig struct {
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// EarthEngineConfig configures the geospatial service client. An empty
// BaseURL disables it.
type EarthEngineConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Token             string        `yaml:"token" mapstructure:"token"`
	Project           string        `yaml:"project" mapstructure:"project"`
	Dataset           string        `yaml:"dataset" mapstructure:"dataset"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
}

// TilesConfig configures the tile template cache.
type TilesConfig struct {
	CacheSize    int           `yaml:"cache_size" mapstructure:"cache_size" validate:"gte=0"`
	ExpiryMargin time.Duration `yaml:"expiry_margin" mapstructure:"expiry_margin"`
}

// ChatConfig configures the assistant. Without an API key replies are
// rule-based.
type ChatConfig struct {
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=0"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter    string  `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=stdout otlp"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// Load reads configuration from config.yaml, .env and the environment.
// Environment variables use the POLICYPROOF_ prefix, e.g.
// POLICYPROOF_SERVER_PORT. A few unprefixed names used by deployments are
// also honoured.
func Load() (*Config, error) {
	// Silently succeeds without a .env file; existing env vars win.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POLICYPROOF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	aliases := map[string][]string{
		"server.allowed_origins": {"POLICYPROOF_SERVER_ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},
		"earthengine.project":    {"POLICYPROOF_EARTHENGINE_PROJECT", "EE_PROJECT", "GOOGLE_CLOUD_PROJECT"},
		"chat.api_key":           {"POLICYPROOF_CHAT_API_KEY", "ANTHROPIC_API_KEY"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.static_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("analysis.source", SourceAuto)
	v.SetDefault("analysis.bands", "default")
	v.SetDefault("analysis.window_km", 0.5)
	v.SetDefault("analysis.workers", 8)
	v.SetDefault("analysis.timeout", 20*time.Second)
	v.SetDefault("analysis.default_year", 2023)
	v.SetDefault("analysis.signal", "temperature_2m")
	v.SetDefault("analysis.normalize", false)
	v.SetDefault("analysis.norm_min", -0.3)
	v.SetDefault("analysis.norm_max", 0.3)
	v.SetDefault("samples.data_dir", "./data")
	v.SetDefault("earthengine.base_url", "")
	v.SetDefault("earthengine.token", "")
	v.SetDefault("earthengine.dataset", "ECMWF/ERA5_LAND/MONTHLY")
	v.SetDefault("earthengine.timeout", 30*time.Second)
	v.SetDefault("earthengine.requests_per_second", 10.0)
	v.SetDefault("earthengine.burst", 10)
	v.SetDefault("earthengine.max_retries", 2)
	v.SetDefault("tiles.cache_size", 256)
	v.SetDefault("tiles.expiry_margin", 5*time.Minute)
	v.SetDefault("chat.model", "claude-3-5-haiku-latest")
	v.SetDefault("chat.max_tokens", 512)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	if c.Analysis.Normalize && c.Analysis.NormMax <= c.Analysis.NormMin {
		return eris.Errorf("config: analysis.norm_max (%g) must exceed analysis.norm_min (%g)",
			c.Analysis.NormMax, c.Analysis.NormMin)
	}
	if c.Analysis.Source == SourceEarthEngine && c.EarthEngine.BaseURL == "" {
		return eris.New("config: analysis.source is earthengine but earthengine.base_url is empty")
	}
	return nil
}

// splitOrigins accepts either a list or a single comma-separated entry.
func splitOrigins(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
