// Package logging sets up structured logging with log/slog. Components take a
// *slog.Logger in their options; the command line tool creates one here.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels accepted by ParseLevel.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ValidLevels returns the level names accepted by ParseLevel.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

// ParseLevel returns the slog level for a level name, ignoring case. The
// boolean is false for unknown names, which map to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case LevelDebug:
		return slog.LevelDebug, true
	case LevelInfo, "":
		return slog.LevelInfo, true
	case LevelWarn, "warning":
		return slog.LevelWarn, true
	case LevelError:
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// New returns a logger writing text lines to w.
func New(w io.Writer, level string) *slog.Logger {
	l, _ := ParseLevel(level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// Open returns a logger appending JSON lines to the file at path, creating its
// directory if needed. Close the returned file when done.
func Open(path, level string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	l, _ := ParseLevel(level)
	return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: l})), f, nil
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
