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
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Safety   SafetyConfig   `yaml:"safety" mapstructure:"safety"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ProviderConfig selects the model backend. API keys come from the
// provider-native environment variables, never from config files.
type ProviderConfig struct {
	Name          string  `yaml:"name" mapstructure:"name"`
	Model         string  `yaml:"model" mapstructure:"model"`
	MaxTokens     int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64 `yaml:"temperature" mapstructure:"temperature"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// PipelineConfig configures the compilation passes.
type PipelineConfig struct {
	RunTimeoutSecs    int `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	CallTimeoutSecs   int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxConcurrentDocs int `yaml:"max_concurrent_docs" mapstructure:"max_concurrent_docs"`
}

// SafetyConfig configures the safety audit.
type SafetyConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// OutputConfig configures snapshot rendering.
type OutputConfig struct {
	Mode   string `yaml:"mode" mapstructure:"mode"`
	Format string `yaml:"format" mapstructure:"format"`
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
	v.SetEnvPrefix("CLINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("provider.name", "anthropic")
	v.SetDefault("provider.max_tokens", 4096)
	v.SetDefault("provider.temperature", 0.1)
	v.SetDefault("provider.rate_per_second", 2.0)
	v.SetDefault("pipeline.run_timeout_secs", 120)
	v.SetDefault("pipeline.call_timeout_secs", 60)
	v.SetDefault("pipeline.max_concurrent_docs", 4)
	v.SetDefault("output.mode", "handover")
	v.SetDefault("output.format", "markdown")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
