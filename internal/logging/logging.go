// Package logging wires up the process-wide structured logger. Unlike the
// teacher's daemonLogger, which wrapped slog behind a small interface, the
// engines here take a *slog.Logger directly — one is constructed in
// cmd/aggrctl and threaded into every constructor, never reached for as a
// global.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the process logger. format is "json" (the default, suited to
// log shipping) or "text" (human-friendly for local runs); level is any
// value slog.Level.UnmarshalText accepts ("debug", "info", "warn", "error").
func New(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
