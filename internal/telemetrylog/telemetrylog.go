// Package telemetrylog provides the component-tagged debug logging used
// throughout the tracking core. It mirrors the unified debug logger the
// teacher codebase shares across package boundaries via an injected
// func(component, message) sink, scaled down to what the control loop
// actually needs: console output, an optional file sink, and a small
// in-memory ring kept for UI consumption.
package telemetrylog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

const defaultRingSize = 200

// Entry is a single logged message.
type Entry struct {
	Time      time.Time
	Component string
	Message   string
}

// Logger is a component-tagged logger with an in-memory ring buffer.
// Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	out      *log.Logger
	ring     []Entry
	ringSize int
	verbose  bool
}

// New creates a Logger writing to stderr. When verbose is false,
// Verbosef calls are suppressed.
func New(verbose bool) *Logger {
	return &Logger{
		out:      log.New(os.Stderr, "", 0),
		ringSize: defaultRingSize,
		verbose:  verbose,
	}
}

// NewToFile additionally tees output to the given file path.
func NewToFile(verbose bool, path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &Logger{
		out:      log.New(io.MultiWriter(os.Stderr, f), "", 0),
		ringSize: defaultRingSize,
		verbose:  verbose,
	}, nil
}

// Printf logs an unconditional message tagged with component.
func (l *Logger) Printf(component, format string, args ...any) {
	l.log(component, fmt.Sprintf(format, args...))
}

// Verbosef logs a message only when the logger was constructed with verbose=true.
func (l *Logger) Verbosef(component, format string, args ...any) {
	if !l.verbose {
		return
	}
	l.log(component, fmt.Sprintf(format, args...))
}

func (l *Logger) log(component, message string) {
	entry := Entry{Time: time.Now(), Component: component, Message: message}

	l.mu.Lock()
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.ringSize {
		l.ring = l.ring[len(l.ring)-l.ringSize:]
	}
	l.mu.Unlock()

	l.out.Printf("[%s][%s] %s", entry.Time.Format("15:04:05.000"), component, message)
}

// Recent returns a copy of the most recently logged entries, oldest first.
func (l *Logger) Recent() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.ring))
	copy(out, l.ring)
	return out
}

// Func returns a plain func(component, message) adapter, for packages that
// accept an injected logging function rather than a *Logger (the same
// SetDebugFunction pattern the teacher uses to share one logger across
// package boundaries without an import cycle).
func (l *Logger) Func() func(component, message string) {
	return func(component, message string) { l.log(component, message) }
}
