// Package logging provides structured logging for the console:
// tint-colored output on a TTY, JSON otherwise, with the level driven
// by config.json ("logLevel") and re-appliable on config reload.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level shared by every handler. It
// follows config.json's logLevel field; ApplyLevel re-points it after
// a settings change or a config reload without restarting.
var Level = new(slog.LevelVar) // default: INFO

// Setup installs the global slog logger and applies the initial level
// name. An empty name keeps the INFO default, which lets the process
// log before config.json has been read.
func Setup(level string) {
	if level != "" {
		ApplyLevel(level)
	}
	slog.SetDefault(slog.New(newHandler(os.Stderr)))
}

// ApplyLevel parses a level name like "debug", "info", "warn" or
// "error" (case-insensitive) and makes it the global level. Unknown
// names are logged and leave the current level in place, so a typo in
// config.json never silences or floods the process.
func ApplyLevel(name string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		slog.Warn("ignoring unknown log level", "level", name)
		return
	}
	Level.Set(l)
}

// newHandler picks tint for interactive terminals and JSON for
// aggregated output (Docker, CI). Both read Level dynamically.
func newHandler(w *os.File) slog.Handler {
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return tint.NewHandler(w, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: Level,
	})
}
