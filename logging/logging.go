// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/najoast/fleetdash/config"
)

// Logger is the configured logger plus the handles needed to adjust and
// release it.
type Logger struct {
	*slog.Logger

	// Level can be changed while the process runs.
	Level *slog.LevelVar

	closer io.Closer
}

// New builds a logger writing to cfg.Output in cfg.Format.
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: levelVar, AddSource: cfg.AddSource}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("%w: %s", config.ErrInvalidLogFormat, cfg.Format)
	}

	return &Logger{Logger: slog.New(handler), Level: levelVar, closer: closer}, nil
}

// SetLevel applies a configured level; unknown levels are reported and
// leave the current level unchanged.
func (l *Logger) SetLevel(level config.LogLevel) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.Level.Set(parsed)
	return nil
}

// Close releases the output file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a configured level to its slog level.
func ParseLevel(level config.LogLevel) (slog.Level, error) {
	switch config.LogLevel(strings.ToLower(string(level))) {
	case config.LogLevelDebug:
		return slog.LevelDebug, nil
	case config.LogLevelInfo, "":
		return slog.LevelInfo, nil
	case config.LogLevelWarn:
		return slog.LevelWarn, nil
	case config.LogLevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %s", config.ErrInvalidLogLevel, level)
	}
}
