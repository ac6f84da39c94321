// Package logging configures the global zerolog logger shared by every
// component (ConnectionCore, Consumer, Producer, the demo binary) so log
// lines are timestamped and component-scoped the same way regardless of
// which package emits them.
package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger behavior.
type Config struct {
	Verbose   bool   // pretty console output for development
	Level     string // debug|info|warn|error
	Component string // component/service name
	Out       io.Writer
	TimeFunc  func() time.Time // injected for deterministic tests
}

// Setup configures the global zerolog logger and returns a component-scoped
// logger. It sets timestamps and ensures every log line includes
// "component".
func Setup(cfg Config) zerolog.Logger {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.TimeFunc == nil {
		cfg.TimeFunc = time.Now
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = cfg.TimeFunc

	level := parseLevel(cfg.Level)

	var w io.Writer = cfg.Out
	if cfg.Verbose {
		w = zerolog.ConsoleWriter{
			Out:        cfg.Out,
			TimeFormat: time.RFC3339Nano,
			NoColor:    false,
		}
	}

	base := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", cfg.Component).
		Logger()

	log.Logger = base

	return base
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewBuffer is a helper for tests that want to assert on log output.
func NewBuffer() *bytes.Buffer { return new(bytes.Buffer) }
