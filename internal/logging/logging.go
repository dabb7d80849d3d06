// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured, leveled logger used across the
// dataplane. It wraps zerolog (the structured-logging library the rest of
// the example pack reaches for) behind the small key/value call surface the
// rest of this codebase expects: logging.New(logging.DefaultConfig()) and
// then Logger.Info("msg", "k", v, ...). The datapath hot path
// (Port.Process) never logs, so nothing here needs to be allocation-free.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer
	// Component is attached to every record emitted by the logger as
	// "component".
	Component string
}

// DefaultConfig returns the logger configuration used when the caller
// doesn't need anything custom: info level, to stderr, no component tag.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger is a structured, leveled logger. It is safe for concurrent use
// (zerolog.Logger is immutable value-semantics under the hood).
type Logger struct {
	zl zerolog.Logger
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	zl := zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
	if cfg.Component != "" {
		zl = zl.With().Str("component", cfg.Component).Logger()
	}
	return &Logger{zl: zl}
}

// With returns a child logger that always attaches the given key/value
// pairs, in addition to anything passed at the call site.
func (l *Logger) With(kv ...any) *Logger {
	ctx := l.zl.With()
	ctx = applyFields(ctx, kv)
	return &Logger{zl: ctx.Logger()}
}

func applyFields(ctx zerolog.Context, kv []any) zerolog.Context {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return ctx
}

func (l *Logger) event(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, kv ...any) { l.event(l.zl.Debug(), msg, kv) }

// Info logs at info level.
func (l *Logger) Info(msg string, kv ...any) { l.event(l.zl.Info(), msg, kv) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, kv ...any) { l.event(l.zl.Warn(), msg, kv) }

// Error logs at error level.
func (l *Logger) Error(msg string, kv ...any) { l.event(l.zl.Error(), msg, kv) }

// Nop returns a Logger that discards everything; useful for tests that
// don't care about log output but need a non-nil *Logger.
func Nop() *Logger {
	return New(Config{Level: LevelError + 1, Output: io.Discard})
}
