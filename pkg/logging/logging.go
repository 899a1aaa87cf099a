// Package logging builds the zerolog logger shared by the harness components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/dns-harness/pkg/config"
)

// New builds a logger writing to stderr from the logging section.
func New(cfg config.LoggingConfig) (zerolog.Logger, error) {
	return NewWriter(os.Stderr, cfg)
}

// NewWriter builds a logger writing to w.
func NewWriter(w io.Writer, cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("%w: %s", config.ErrInvalidFormat, cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// ParseLevel maps a configured level name to a zerolog level. Empty is info.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("%w: %s", config.ErrInvalidLevel, name)
	}
}
