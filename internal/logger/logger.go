package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level     string `json:"level" mapstructure:"level" yaml:"level"`             // debug, info, warn, error
	File      string `json:"file" mapstructure:"file" yaml:"file"`                // log file path, empty disables file output
	Console   bool   `json:"console" mapstructure:"console" yaml:"console"`       // enable console output
	Pretty    bool   `json:"pretty" mapstructure:"pretty" yaml:"pretty"`          // human readable console output
	Redaction bool   `json:"redaction" mapstructure:"redaction" yaml:"redaction"` // scrub credentials before writing
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAge    int    `json:"max_age_days" mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Logger owns the writers behind the process logger.
type Logger struct {
	zerolog.Logger
	closers []io.Closer
}

// New builds a zerolog logger from cfg and installs it as log.Logger.
func New(cfg Config) (*Logger, error) {
	return newWithConsole(cfg, os.Stderr)
}

func newWithConsole(cfg Config, console io.Writer) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if cfg.Console {
		if cfg.Pretty {
			writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, console)
		}
	}

	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAge)
		if err != nil {
			return nil, err
		}
		writers = append(writers, rw)
		closers = append(closers, rw)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = console
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if cfg.Redaction {
		writer = NewRedactor().Wrap(writer)
	}

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{Logger: zl, closers: closers}, nil
}

// Close closes any open log files.
func (l *Logger) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Component returns a child logger tagged with a component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Nop returns a disabled logger, used when a component is built without one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSizeMB: 50,
		MaxAge:    7,
	}
}
