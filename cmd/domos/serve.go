package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fradomos/domos/internal/api"
	"github.com/fradomos/domos/internal/buildinfo"
	"github.com/fradomos/domos/internal/config"
	"github.com/fradomos/domos/internal/devices"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/mqtt"
	"github.com/fradomos/domos/internal/opstate"
)

// shutdownTimeout bounds the offline announcement and HTTP drain.
const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Domos", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = cfg.Logger(stdout)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
		"transport", cfg.MQTT.Transport,
		"sensor_topic", cfg.MQTT.SensorTopic,
	)

	// --- Data directory ---
	// Device state and the instance id live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	logger = logger.With("instance_id", instanceID)

	dbPath := filepath.Join(cfg.DataDir, "domos.db")
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("state database opened", "path", dbPath)

	// --- Directory ---
	dir, err := devices.NewDirectory(cfg.Homes)
	if err != nil {
		return err
	}
	logger.Info("device directory loaded", "homes", len(dir.Homes()), "rooms", len(dir.Rooms()))

	bus := events.New()

	// --- Session ---
	sess, err := newSession(cfg, bus, logger)
	if err != nil {
		return err
	}
	ctrl := devices.NewController(dir, sess, store, cfg.MQTT.CommandPrefix, bus, logger)
	if n, err := ctrl.Prune(); err != nil {
		logger.Warn("stale device state not pruned", "error", err)
	} else if n > 0 {
		logger.Info("pruned stale device state", "devices", n)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sess, dir, ctrl, bus, logger)
	server.SetAllowedOrigins(cfg.Listen.AllowedOrigins)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := sess.Dispose(shutdownCtx); err != nil {
			logger.Error("session shutdown failed", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	// Blocks until the server is shut down.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Domos stopped")
	return nil
}
