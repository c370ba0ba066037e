package config

import (
	"io"
	"log/slog"
	"time"
)

// APIConfig holds the HTTP surface settings
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

// DefaultAPIConfig returns the built-in API server defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Host:              "0.0.0.0",
		Port:              8080,
		ReadHeaderTimeout: Duration(5 * time.Second),
		ShutdownTimeout:   Duration(10 * time.Second),
	}
}

// LogFormat selects the slog handler encoding
type LogFormat string

const (
	// LogFormatJSON emits one JSON object per line
	LogFormatJSON LogFormat = "json"
	// LogFormatText emits logfmt-style key=value lines
	LogFormatText LogFormat = "text"
)

// IsValid checks if the log format is a known value
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// LogLevel is a slog level name
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid checks if the log level is a known value
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Slog maps the level name onto the slog scale; unknown names read as info
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// QueueDepthInterval is how often queue and DLQ depth gauges refresh.
	QueueDepthInterval Duration `yaml:"queue_depth_interval"`
}

// DefaultObservabilityConfig returns the built-in observability defaults.
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		LogLevel:           LogLevelInfo,
		LogFormat:          LogFormatJSON,
		QueueDepthInterval: Duration(10 * time.Second),
	}
}

// BuildLogger constructs the process logger per the configured level and
// format.
func (o *ObservabilityConfig) BuildLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: o.LogLevel.Slog()}
	if o.LogFormat == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
