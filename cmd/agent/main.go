// Command agent is the dirsentry daemon. It loads a YAML configuration
// file, starts a directory watcher per configured entry, drains buffered
// events into the structured log on a fixed tick, serves the status HTTP
// API, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dirsentry/agent/internal/config"
	"github.com/dirsentry/agent/internal/host"
	"github.com/dirsentry/agent/internal/server"
	"github.com/dirsentry/agent/internal/stats"
)

func main() {
	configPath := flag.String("config", "/etc/dirsentry/config.yaml", "path to the dirsentry YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirsentry: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("root", cfg.Root),
		slog.Int("watches", len(cfg.Watches)),
		slog.String("status_addr", cfg.StatusAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	// Optional session-statistics store; a nil recorder disables it.
	var (
		store    *stats.Store
		recorder host.Recorder
	)
	if cfg.StatsDB != "" {
		store, err = stats.Open(cfg.StatsDB, logger)
		if err != nil {
			logger.Error("cannot open stats store", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()
		recorder = store
	}

	manager := host.NewManager(cfg.Root, logger, recorder)
	defer manager.Close()

	for _, entry := range cfg.Watches {
		opts, err := entry.Options()
		if err != nil {
			// Unreachable after config validation, but cheap to keep.
			logger.Warn("skipping watch entry", slog.String("path", entry.Path), slog.Any("error", err))
			continue
		}
		handle := manager.Create("config", entry.Path, logCallbacks(logger))
		if err := manager.Start(handle, opts); err != nil {
			logger.Warn("cannot start watch",
				slog.String("path", entry.Path),
				slog.Any("error", err),
			)
			continue
		}
		logger.Info("watching directory",
			slog.Uint64("handle", uint64(handle)),
			slog.String("path", entry.Path),
			slog.Bool("subtree", entry.Subtree),
			slog.Bool("symlinks", entry.Symlinks),
		)
	}

	// Status HTTP server.
	var sessions server.SessionSource
	if store != nil {
		sessions = store
	}
	statusServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      server.NewRouter(manager, sessions, cfg.AuthSecret),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()

	// Pump buffered events on the configured tick until a signal arrives.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(time.Duration(cfg.PumpInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			manager.Pump()
		case sig := <-sigCh:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))

			// Stop the watchers first so the terminal Stop markers are
			// drained, then take down the HTTP server.
			manager.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := statusServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown error", slog.Any("error", err))
			}

			logger.Info("dirsentry agent exited cleanly")
			return
		}
	}
}

// logCallbacks routes watcher callbacks into the structured log; the log
// sink is the daemon's event consumer.
func logCallbacks(logger *slog.Logger) host.Callbacks {
	return host.Callbacks{
		OnStarted: func(path string) {
			logger.Info("watch started", slog.String("path", path))
		},
		OnStopped: func(path string) {
			logger.Info("watch stopped", slog.String("path", path))
		},
		OnCreated: func(path string) {
			logger.Info("entry created", slog.String("path", path))
		},
		OnDeleted: func(path string) {
			logger.Info("entry deleted", slog.String("path", path))
		},
		OnModified: func(path string) {
			logger.Info("entry modified", slog.String("path", path))
		},
		OnRenamed: func(oldPath, newPath string) {
			logger.Info("entry renamed",
				slog.String("last_path", oldPath),
				slog.String("path", newPath),
			)
		},
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
