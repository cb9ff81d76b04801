// Package logger builds the runtime's root zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config holds root logger settings.
type Config struct {
	Level   string // zerolog level name; empty or unknown falls back to info
	File    string // optional log file, appended to
	Console bool   // write to stdout
	Pretty  bool   // human-readable console format instead of JSON
}

// Root is the process-wide logger plus the file handle behind it, if any.
type Root struct {
	zerolog.Logger

	file *os.File
}

// New builds the root logger. With neither console nor file configured,
// output goes to stdout.
func New(cfg Config) (*Root, error) {
	var writers []io.Writer

	if cfg.Console {
		var w io.Writer = os.Stdout
		if cfg.Pretty {
			w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, w)
	}

	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = os.Stdout
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	l := zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	return &Root{Logger: l, file: file}, nil
}

// Close releases the log file, if one was opened.
func (r *Root) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// FromLevel builds a JSON stdout logger at the named level. This is the
// default when the application is given no logger of its own.
func FromLevel(level string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}
