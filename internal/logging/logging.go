// Package logging provides the small leveled logger shared across
// metricsrecorderd subsystems. It intentionally stays on the standard
// library: the pack's dependency surface (agilira/argus and its sibling
// examples) never imports a structured-logging library, preferring a plain
// ErrorHandler callback (see argus.Config.ErrorHandler) or log.Printf — this
// mirrors that choice rather than inventing one.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level orders log severity, cheapest first.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a minimal leveled logger. The zero value is not usable; use New.
type Logger struct {
	mu     sync.Mutex
	out    *log.Logger
	level  Level
	prefix string
}

// New creates a Logger writing to w, filtering anything below minLevel.
// prefix identifies the subsystem, e.g. "circularfile" or "scheduler".
func New(w io.Writer, prefix string, minLevel Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		out:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		level:  minLevel,
		prefix: prefix,
	}
}

// Default returns a Logger writing to stderr at LevelInfo, matching the
// behavior argus.Config falls back to when no ErrorHandler is supplied.
func Default(prefix string) *Logger {
	return New(os.Stderr, prefix, LevelInfo)
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] %s: %s", level, l.prefix, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// With returns a Logger for a sub-component, sharing the same output and
// level but with a qualified prefix, e.g. logger.With("upload").
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, level: l.level, prefix: l.prefix + "." + component}
}
