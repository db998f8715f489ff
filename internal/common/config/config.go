// Package config provides daemon settings for pm3.
// It supports loading configuration from environment variables, an optional
// config file in the data directory, and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/pm3/pm3/internal/paths"
)

// Config holds all daemon settings.
type Config struct {
	DataDir string        `mapstructure:"dataDir"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Empty dataDir means resolve the platform user data directory.
	v.SetDefault("dataDir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	// Empty output path means the daemon logs to daemon.log in the data dir.
	v.SetDefault("logging.outputPath", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PM3_ with snake_case naming.
// A config file named config.yaml is read from the data directory when present.
func Load() (*Config, error) {
	p, err := paths.New()
	if err != nil {
		return LoadWithPath("")
	}
	return LoadWithPath(p.DataDir())
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PM3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env var naming differs are bound explicitly.
	_ = v.BindEnv("dataDir", "PM3_DATA_DIR")
	_ = v.BindEnv("logging.level", "PM3_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "PM3_LOG_FORMAT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields carry acceptable values.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
