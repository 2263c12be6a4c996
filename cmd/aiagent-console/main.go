package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ength/aiagent-console/internal/bus"
	"github.com/ength/aiagent-console/internal/config"
	"github.com/ength/aiagent-console/internal/control"
	"github.com/ength/aiagent-console/internal/logging"
	"github.com/ength/aiagent-console/internal/registry"
	"github.com/ength/aiagent-console/internal/server"
	"github.com/ength/aiagent-console/internal/store"
	"github.com/ength/aiagent-console/internal/worktree"
)

var version = "dev"

func main() {
	logging.Setup("")

	fs := flag.NewFlagSet("aiagent-console", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.FileName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.ApplyLevel(cfg.LogLevel())

	logging.PrintBanner(version, cfg.Addr())
	logging.PrintAccessURL(cfg.Addr())

	st := store.New(store.DefaultPath())
	b := bus.New()
	ctl := control.New(b)
	trees := worktree.NewCoordinator(worktree.DefaultBaseDir())

	reg := registry.New(registry.Options{
		Bus:     b,
		Store:   st,
		Control: ctl,
		Trees:   trees,
		LogSpec: func() (string, bool) {
			return cfg.LogDir(), cfg.LogEnabled()
		},
	})
	reg.Restore()

	// Hot-apply log level edits from config.json.
	stopWatch, err := cfg.Watch(func() {
		logging.ApplyLevel(cfg.LogLevel())
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	srv := server.New(server.Options{
		Config: cfg,
		Store:  st,
		Reg:    reg,
		Ctl:    ctl,
		Bus:    b,
		Trees:  trees,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("console listening", "addr", cfg.Addr())
	serveErr := srv.ListenAndServe(ctx)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		// Still drain sessions below; report the listen error after.
		slog.Error("http server error", "error", serveErr)
	}

	// Graceful drain: SIGINT the PTYs, wait, flush, persist scrollback.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.Shutdown(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
