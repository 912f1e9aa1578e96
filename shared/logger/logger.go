// Package logger builds the slog loggers shared by the services and the CLIs.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ComponentKey is the attribute that names the subsystem emitting a record
const ComponentKey = "component"

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool
	TimeFormat   string // console only
	NoColor      bool

	writer io.Writer
}

// Logger wraps slog.Logger
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to the configured output
func New(config *Config) (*Logger, error) {
	w, err := openOutput(config)
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: slog.New(newHandler(w, config))}, nil
}

// NewWithWriter creates a logger that writes to w regardless of Output
func NewWithWriter(w io.Writer, config *Config) (*Logger, error) {
	c := *config
	c.writer = w
	return New(&c)
}

// NewNop creates a logger that drops every record
func NewNop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// Component tags every record of l with the subsystem name
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String(ComponentKey, name))
}

func newHandler(w io.Writer, config *Config) slog.Handler {
	level := parseLevel(config.Level)

	if config.Format == "console" || config.Format == "" {
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  config.EnableSource,
			TimeFormat: timeFormat,
			NoColor:    config.NoColor,
		})
	}

	// json and anything unrecognised
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: config.EnableSource,
	})
}

// openOutput resolves the configured destination
func openOutput(config *Config) (io.Writer, error) {
	if config.writer != nil {
		return config.writer, nil
	}

	switch config.Output {
	case "stderr":
		return os.Stderr, nil
	case "stdout", "":
		return os.Stdout, nil
	}

	f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
	}
	return f, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
