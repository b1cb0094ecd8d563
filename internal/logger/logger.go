// Package logger wraps zerolog with file rotation for diagcore's
// structured logging needs (spec.md §4.11 SPEC_FULL).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a zerolog.Logger with rotation support and a component tag.
type Logger struct {
	zl     zerolog.Logger
	writer io.Writer
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Config describes where and how to write logs.
type Config struct {
	Path       string // empty means stdout
	Level      string // zerolog level name; invalid/empty -> info
	Format     string // "console" or "json"
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init sets up the process-wide global logger. Safe to call more than
// once; only the first call takes effect.
func Init(cfg Config) error {
	var err error
	globalOnce.Do(func() {
		global, err = New(cfg)
	})
	return err
}

// New builds a standalone Logger from cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("logger: creating log directory: %w", err)
		}
	}

	var writer io.Writer
	if cfg.Path != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	} else {
		writer = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		zl = zerolog.New(writer).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zl = zl.Level(level)

	return &Logger{zl: zl, writer: writer}, nil
}

// Get returns the global logger, falling back to a bare stdout logger if
// Init was never called.
func Get() *Logger {
	if global == nil {
		return &Logger{zl: zerolog.New(os.Stdout).With().Timestamp().Logger(), writer: os.Stdout}
	}
	return global
}

// WithComponent returns a derived Logger tagging every event with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), writer: l.writer}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }

// ErrorErr logs err alongside a formatted message, matching the teacher's
// practice of attaching the error object rather than interpolating it.
func (l *Logger) ErrorErr(err error, format string, args ...interface{}) {
	l.zl.Error().Err(err).Msgf(format, args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) { l.zl.Fatal().Msgf(format, args...) }
