package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/facet-labs/gemlens/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Preprocess PreprocessConfig `yaml:"preprocess" mapstructure:"preprocess"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds vision model credentials and selection.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Model  string `yaml:"model" mapstructure:"model"`
	// MaxOutputTokens bounds the response budget per request.
	MaxOutputTokens int64 `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	// Temperature is the reasoning-effort hint where the model supports it.
	Temperature *float64 `yaml:"temperature" mapstructure:"temperature"`
}

// ModelRate holds per-model token pricing (per thousand tokens).
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" mapstructure:"output_per_1k"`
}

// PricingConfig holds the per-model price table.
type PricingConfig struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
	// File optionally points at a standalone YAML price table that
	// overrides the inline table.
	File string `yaml:"file" mapstructure:"file"`
}

// AnalysisConfig tunes extraction and merging.
type AnalysisConfig struct {
	// WriteThreshold is the minimum resolved confidence for a derived
	// field to be merged into the item (inclusive).
	WriteThreshold float64 `yaml:"write_threshold" mapstructure:"write_threshold"`
	// FreeTextConfidenceCap discounts values recovered by vocabulary
	// fallback over free text.
	FreeTextConfidenceCap float64 `yaml:"free_text_confidence_cap" mapstructure:"free_text_confidence_cap"`
	// SelectionWeights weights the primary-image sub-scores.
	SelectionWeights model.SelectionWeights `yaml:"selection_weights" mapstructure:"selection_weights"`
}

// PreprocessConfig tunes image downsizing before transmission.
type PreprocessConfig struct {
	MaxEdgePixels int `yaml:"max_edge_pixels" mapstructure:"max_edge_pixels"`
	JPEGQuality   int `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
}

// FetchConfig tunes image download behavior.
type FetchConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// BatchConfig tunes the orchestrator.
type BatchConfig struct {
	Workers        int `yaml:"workers" mapstructure:"workers"`
	InterItemDelay int `yaml:"inter_item_delay_ms" mapstructure:"inter_item_delay_ms"`
	MaxAttempts    int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml (optional) plus GEMLENS_* environment overrides and
// applies defaults for every tunable.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GEMLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "gemlens.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_output_tokens", 4096)
	v.SetDefault("analysis.write_threshold", 0.7)
	v.SetDefault("analysis.free_text_confidence_cap", 0.6)
	v.SetDefault("analysis.selection_weights.focus", 1.0)
	v.SetDefault("analysis.selection_weights.lighting", 1.0)
	v.SetDefault("analysis.selection_weights.background", 1.0)
	v.SetDefault("analysis.selection_weights.color_fidelity", 1.0)
	v.SetDefault("analysis.selection_weights.visibility", 1.0)
	v.SetDefault("preprocess.max_edge_pixels", 640)
	v.SetDefault("preprocess.jpeg_quality", 75)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("batch.workers", 5)
	v.SetDefault("batch.inter_item_delay_ms", 500)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pricing.models", map[string]map[string]float64{
		"claude-haiku-4-5-20251001":  {"input_per_1k": 0.0008, "output_per_1k": 0.004},
		"claude-sonnet-4-5-20250929": {"input_per_1k": 0.003, "output_per_1k": 0.015},
	})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks configuration-class invariants that must fail at startup,
// before any worker is spawned.
func (c *Config) Validate() error {
	if c.Anthropic.Model == "" {
		return eris.New("config: anthropic.model is required")
	}
	if c.Analysis.WriteThreshold < 0 || c.Analysis.WriteThreshold > 1 {
		return eris.Errorf("config: analysis.write_threshold %v outside [0,1]", c.Analysis.WriteThreshold)
	}
	if c.Batch.Workers < 1 {
		return eris.Errorf("config: batch.workers %d must be >= 1", c.Batch.Workers)
	}
	if c.Preprocess.MaxEdgePixels < 64 {
		return eris.Errorf("config: preprocess.max_edge_pixels %d too small", c.Preprocess.MaxEdgePixels)
	}
	if c.Preprocess.JPEGQuality < 1 || c.Preprocess.JPEGQuality > 100 {
		return eris.Errorf("config: preprocess.jpeg_quality %d outside [1,100]", c.Preprocess.JPEGQuality)
	}
	return nil
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
