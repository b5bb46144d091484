// Package logger provides the broker's structured logging sink.
//
// It mirrors the two-layer shape used throughout this lineage of bridges: a
// small package-level API (Init/Info/Warn/Error/Close) for command-line
// entry points that want a single global sink, and a *logrus.Entry-based
// API (New/Nop) for library code that should never reach for a
// package-level global.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config configures the logging sink.
type Config struct {
	// LogPath is the file log output is appended to. Empty means stderr only.
	LogPath string
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
	// MaxLogFiles bounds how many rotated log files are kept on disk.
	// A value <= 0 disables rotation bookkeeping.
	MaxLogFiles int
}

var (
	mu     sync.Mutex
	root   = logrus.New()
	file   io.Closer
	inited bool
)

func init() {
	root.SetOutput(os.Stderr)
	root.SetLevel(logrus.InfoLevel)
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Init wires the package-level sink from Config. Safe to call once at
// process startup; callers in library code should prefer New instead.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level, err := logrus.ParseLevel(orDefault(cfg.LogLevel, "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	root.SetLevel(level)

	if cfg.LogPath != "" {
		if cfg.MaxLogFiles > 0 {
			rotate(cfg.LogPath, cfg.MaxLogFiles)
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", cfg.LogPath, err)
		}
		root.SetOutput(io.MultiWriter(os.Stderr, f))
		file = f
	}

	inited = true
	return nil
}

// Close releases the log file handle, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// rotate drops the oldest rotated copies of path beyond keep, renaming the
// current file out of the way first. Best-effort: failures are ignored,
// logging is never allowed to block startup.
func rotate(path string, keep int) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	for i := keep - 1; i >= 1; i-- {
		old := fmt.Sprintf("%s.%d", path, i)
		newer := fmt.Sprintf("%s.%d", path, i+1)
		if _, err := os.Stat(old); err == nil {
			_ = os.Rename(old, newer)
		}
	}
	_ = os.Rename(path, path+".1")
}

// Debug logs a debug message on the package-wide sink.
func Debug(msg string) { root.Debug(msg) }

// Info logs an info message on the package-wide sink.
func Info(msg string) { root.Info(msg) }

// Warn logs a warning message on the package-wide sink.
func Warn(msg string) { root.Warn(msg) }

// Error logs an error message on the package-wide sink.
func Error(msg string) { root.Error(msg) }

// New returns a fresh *logrus.Entry tagged with component, for injection
// into broker components that must not depend on the package-level sink.
func New(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return root.WithField("component", component)
}

// Nop returns an Entry that discards everything, for tests and callers
// that don't care to wire a logger.
func Nop() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
