// Package logging builds the zerolog logger shared by the server, the engine
// and the stores.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json|console
	Output string `json:"output" yaml:"output"` // stdout|stderr|file
	// FilePath is required when Output is "file".
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: "stderr"}
}

// New returns a logger for cfg and a closer for any file it opened.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "file":
		if strings.TrimSpace(cfg.FilePath) == "" {
			return zerolog.Nop(), nil, fmt.Errorf("log.file_path is required when log.output=file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", cfg.FilePath, err)
		}
		out, closer = f, f
	default:
		return zerolog.Nop(), nil, fmt.Errorf("invalid log output %q (want stdout|stderr|file)", cfg.Output)
	}
	return NewWriter(out, cfg.Format, level), closer, nil
}

// NewWriter builds a logger on an arbitrary writer.
func NewWriter(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "storytime").Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
