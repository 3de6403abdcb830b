package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Vision   VisionConfig   `yaml:"vision" mapstructure:"vision"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Learning LearningConfig `yaml:"learning" mapstructure:"learning"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// VisionConfig holds the fallback provider settings.
type VisionConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// PipelineConfig configures the verification routing decision.
type PipelineConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	AmountTolerance     float64 `yaml:"amount_tolerance" mapstructure:"amount_tolerance"`
	IssuerWeight        float64 `yaml:"issuer_weight" mapstructure:"issuer_weight"`
	ExtractionWeight    float64 `yaml:"extraction_weight" mapstructure:"extraction_weight"`
	NoFieldIssuerWeight float64 `yaml:"no_field_issuer_weight" mapstructure:"no_field_issuer_weight"`
}

// LearningConfig configures the batch trainer and its scheduler.
type LearningConfig struct {
	BatchSize            int     `yaml:"batch_size" mapstructure:"batch_size"`
	MinSamples           int     `yaml:"min_samples" mapstructure:"min_samples"`
	QualifyingConfidence float64 `yaml:"qualifying_confidence" mapstructure:"qualifying_confidence"`
	MinScore             float64 `yaml:"min_score" mapstructure:"min_score"`
	MinFrequency         int     `yaml:"min_frequency" mapstructure:"min_frequency"`
	TopPerField          int     `yaml:"top_per_field" mapstructure:"top_per_field"`
	MerchantThreshold    float64 `yaml:"merchant_threshold" mapstructure:"merchant_threshold"`
	RetentionDays        int     `yaml:"retention_days" mapstructure:"retention_days"`
	TrainIntervalSecs    int     `yaml:"train_interval_secs" mapstructure:"train_interval_secs"`
	WeightConfidence     float64 `yaml:"weight_confidence" mapstructure:"weight_confidence"`
	WeightSuccess        float64 `yaml:"weight_success" mapstructure:"weight_success"`
	WeightFrequency      float64 `yaml:"weight_frequency" mapstructure:"weight_frequency"`
}

// CacheConfig configures both pattern caches.
type CacheConfig struct {
	IssuerTTLMins       int `yaml:"issuer_ttl_mins" mapstructure:"issuer_ttl_mins"`
	MerchantTTLMins     int `yaml:"merchant_ttl_mins" mapstructure:"merchant_ttl_mins"`
	SweepIntervalMins   int `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
	MaxPatternsPerField int `yaml:"max_patterns_per_field" mapstructure:"max_patterns_per_field"`
	MaxMerchantPatterns int `yaml:"max_merchant_patterns" mapstructure:"max_merchant_patterns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PAYVERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "payverify.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("vision.model", "claude-haiku-4-5-20251001")
	v.SetDefault("vision.timeout_secs", 30)
	v.SetDefault("vision.rps", 2)
	v.SetDefault("vision.burst", 2)
	v.SetDefault("pipeline.confidence_threshold", 0.80)
	v.SetDefault("pipeline.amount_tolerance", 0.05)
	v.SetDefault("pipeline.issuer_weight", 0.3)
	v.SetDefault("pipeline.extraction_weight", 0.7)
	v.SetDefault("pipeline.no_field_issuer_weight", 0.5)
	v.SetDefault("learning.batch_size", 50)
	v.SetDefault("learning.min_samples", 3)
	v.SetDefault("learning.qualifying_confidence", 0.80)
	v.SetDefault("learning.min_score", 0.75)
	v.SetDefault("learning.min_frequency", 2)
	v.SetDefault("learning.top_per_field", 3)
	v.SetDefault("learning.merchant_threshold", 0.85)
	v.SetDefault("learning.retention_days", 7)
	v.SetDefault("learning.train_interval_secs", 300)
	v.SetDefault("learning.weight_confidence", 0.4)
	v.SetDefault("learning.weight_success", 0.4)
	v.SetDefault("learning.weight_frequency", 0.2)
	v.SetDefault("cache.issuer_ttl_mins", 60)
	v.SetDefault("cache.merchant_ttl_mins", 1440)
	v.SetDefault("cache.sweep_interval_mins", 30)
	v.SetDefault("cache.max_patterns_per_field", 8)
	v.SetDefault("cache.max_merchant_patterns", 10)

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

	return &cfg, nil
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
