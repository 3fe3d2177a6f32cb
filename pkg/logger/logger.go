// Package logger configures the process-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/buhuipao/xtun/pkg/config"
)

// Rotation defaults for file output
const (
	defaultMaxSize    = 100 // MB
	defaultMaxBackups = 3
	defaultMaxAge     = 28 // days
)

var (
	defaultLogger *slog.Logger
	output        io.Closer
)

// Init initializes the global logger based on configuration. Missing values
// default to info level, text format and stdout.
func Init(cfg *config.LogConfig) error {
	c := *cfg
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}

	level, err := parseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", c.Level, err)
	}

	writer, closer, err := newWriter(&c)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}

	// Release a previously opened file only once the new sink is in place.
	prev := output
	defaultLogger = slog.New(handler)
	output = closer
	slog.SetDefault(defaultLogger)
	if prev != nil {
		_ = prev.Close()
	}

	return nil
}

func newWriter(c *config.LogConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(c.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if c.File == "" {
			return nil, nil, fmt.Errorf("log file path is required when output is 'file'")
		}

		dir := filepath.Dir(c.File)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}

		maxSize := c.MaxSize
		if maxSize == 0 {
			maxSize = defaultMaxSize
		}
		maxBackups := c.MaxBackups
		if maxBackups == 0 {
			maxBackups = defaultMaxBackups
		}
		maxAge := c.MaxAge
		if maxAge == 0 {
			maxAge = defaultMaxAge
		}

		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   c.Compress,
		}
		return lj, lj, nil
	default:
		// Treat as file path
		if err := os.MkdirAll(filepath.Dir(c.Output), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", c.Output, err)
		}
		return file, file, nil
	}
}

// Close flushes and closes a file sink opened by Init. The logger keeps
// working afterwards for stdout/stderr sinks only.
func Close() error {
	if output == nil {
		return nil
	}
	err := output.Close()
	output = nil
	return err
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", level)
	}
}

// GetLogger returns the default logger
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	GetLogger().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	GetLogger().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	GetLogger().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	GetLogger().Error(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return GetLogger().With(args...)
}
