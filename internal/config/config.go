// Package config loads application configuration from the environment and
// builds the process-wide structured logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds application configuration. Every field can be set through an
// environment variable with the KINO_ prefix, e.g. KINO_LISTEN_ADDR.
type Config struct {
	ListenAddr      string  `mapstructure:"listen_addr" validate:"required"`
	DBPath          string  `mapstructure:"db_path" validate:"required"`
	FramesDir       string  `mapstructure:"frames_dir" validate:"required"`
	LogLevel        string  `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	StepDelayMS     int     `mapstructure:"step_delay_ms" validate:"min=0,max=60000"`
	GuidanceDefault float64 `mapstructure:"guidance_default" validate:"min=0,max=30"`
}

// Load reads configuration from environment variables with defaults applied,
// then validates the result.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("kino")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "kino.db")
	v.SetDefault("frames_dir", "frames")
	v.SetDefault("log_level", "info")
	v.SetDefault("step_delay_ms", 0)
	v.SetDefault("guidance_default", 3.5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Level converts the configured log level string to a slog.Level.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
