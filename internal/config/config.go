// Package config loads the console's runtime configuration from an
// optional config.json in the process working directory, layered over
// defaults, with the PORT environment variable taking precedence. The
// file is watched so log-level edits apply without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileName is the optional config file in the process CWD.
const FileName = "config.json"

type values struct {
	Port       int    `koanf:"port" json:"port"`
	VitePort   int    `koanf:"vitePort" json:"vitePort"`
	LogDir     string `koanf:"logDir" json:"logDir"`
	LogEnabled bool   `koanf:"logEnabled" json:"logEnabled"`
	LogLevel   string `koanf:"logLevel" json:"logLevel"`
}

// Config holds the runtime configuration. Log settings are mutable at
// runtime (settings API, file watcher); the rest is fixed at startup.
type Config struct {
	path string

	mu sync.RWMutex
	v  values
}

// Load reads configuration from path (missing file is fine), merging
// file values over defaults and the PORT environment variable over
// both.
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return &Config{path: path, v: v}, nil
}

func read(path string) (values, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"port":       3001,
		"vitePort":   5173,
		"logDir":     "logs",
		"logEnabled": false,
		"logLevel":   "info",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return values{}, fmt.Errorf("load defaults: %w", err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return values{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(key string) string {
		if key == "PORT" {
			return "port"
		}
		return ""
	}), nil); err != nil {
		return values{}, fmt.Errorf("load env: %w", err)
	}

	var v values
	if err := k.Unmarshal("", &v); err != nil {
		return values{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return v, nil
}

// Port returns the HTTP listen port.
func (c *Config) Port() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.Port
}

// VitePort returns the frontend dev-server port.
func (c *Config) VitePort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.VitePort
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port())
}

// LogDir returns the session-log directory.
func (c *Config) LogDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.LogDir
}

// LogEnabled reports whether session logging is on.
func (c *Config) LogEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.LogEnabled
}

// LogLevel returns the configured slog level name.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.LogLevel
}

// SetLogSettings updates the session-log preferences and rewrites the
// config file so they survive a restart.
func (c *Config) SetLogSettings(logDir string, logEnabled bool) error {
	c.mu.Lock()
	c.v.LogDir = logDir
	c.v.LogEnabled = logEnabled
	v := c.v
	c.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Reload re-reads the config file, applying only the runtime-mutable
// fields, and reports whether anything changed.
func (c *Config) Reload() (changed bool) {
	v, err := read(c.path)
	if err != nil {
		slog.Warn("config reload failed", "path", c.path, "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v.LogDir != c.v.LogDir || v.LogEnabled != c.v.LogEnabled || v.LogLevel != c.v.LogLevel {
		c.v.LogDir = v.LogDir
		c.v.LogEnabled = v.LogEnabled
		c.v.LogLevel = v.LogLevel
		return true
	}
	return false
}

// Watch observes the config file and invokes onChange (on the watcher
// goroutine) after each reload that changed something. The returned
// stop function releases the watcher.
func (c *Config) Watch(onChange func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors replace files rather than write
	// them in place.
	dir := filepath.Dir(c.path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(c.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if c.Reload() {
					slog.Info("config reloaded", "path", c.path)
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Debug("config watcher error", "error", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
