// Package logging provides structured logging functionality using Go's slog package.
// It supports text and JSON output formats, configurable log levels, and an
// append-only file sink shared by every scan worker of a run.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// File permissions for directories and log files.
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// DefaultLogFile is the process-wide scan log.
const DefaultLogFile = "nmap_scan.log"

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    DefaultLogFile,
		AddSource: false,
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config Config
	closer io.Closer
}

// New creates a new structured logger with the given configuration.
// A file Output is opened in append mode and never truncated.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "", "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
		closer = file
	}

	logger := NewWithWriter(writer, cfg)
	logger.closer = closer
	return logger, nil
}

// NewWithWriter creates a logger that writes to w. Tests use it with an
// in-memory buffer in place of the log file.
func NewWithWriter(w io.Writer, cfg Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewDiscard returns a logger that drops every record.
func NewDiscard() *Logger {
	return NewWithWriter(io.Discard, DefaultConfig())
}

func parseLevel(level LogLevel) slog.Level {
	switch strings.ToLower(string(level)) {
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

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithRunID adds a run ID field to the logger.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithFields("run_id", runID)
}

// WithTarget adds a target field to the logger.
func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

// InfoScan logs scan-related information.
func (l *Logger) InfoScan(msg, target string, fields ...any) {
	allFields := append([]any{"target", target}, fields...)
	l.Info(msg, allFields...)
}

// ErrorScan logs scan-related errors.
func (l *Logger) ErrorScan(msg, target string, err error, fields ...any) {
	allFields := append([]any{"target", target, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger = NewWithWriter(os.Stderr, Config{Level: LevelWarn, Format: FormatText})

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}
