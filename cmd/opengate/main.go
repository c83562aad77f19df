// Command opengate runs the task-management engine: HTTP API, WebSocket
// event stream, webhook delivery workers, and the background control loops,
// over a single SQLite store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stefanodecillis/opengate/internal/bus"
	"github.com/stefanodecillis/opengate/internal/config"
	"github.com/stefanodecillis/opengate/internal/cron"
	"github.com/stefanodecillis/opengate/internal/gateway"
	ogotel "github.com/stefanodecillis/opengate/internal/otel"
	"github.com/stefanodecillis/opengate/internal/persistence"
	"github.com/stefanodecillis/opengate/internal/telemetry"
	"github.com/stefanodecillis/opengate/internal/webhook"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		port       = flag.Int("port", 0, "HTTP port (overrides config)")
		dbPath     = flag.String("db", "", "database path (overrides config)")
		initOnly   = flag.Bool("init", false, "initialize the database and exit")
		quiet      = flag.Bool("quiet", false, "log to file only")
	)
	flag.Parse()

	if err := run(*configPath, *port, *dbPath, *initOnly, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "opengate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, portOverride int, dbOverride string, initOnly, quiet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride > 0 {
		cfg.Port = portOverride
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, quiet || cfg.Quiet)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logCloser.Close()

	store, err := persistence.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if initOnly {
		logger.Info("database initialized", "path", cfg.DBPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryProvider, err := ogotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := ogotel.NewMetrics(telemetryProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Initialization order matters: store is open and migrated, now the bus,
	// then loops, then the listener.
	eventBus := bus.New(logger)
	dispatcher := webhook.NewDispatcher(store, logger, metrics)

	loops := cron.New(cron.Config{
		Store:               store,
		Logger:              logger,
		Metrics:             metrics,
		StaleTimeoutMinutes: cfg.StaleTimeoutMinutes,
	})
	loops.Start(ctx)

	server := gateway.New(gateway.Config{
		Store:      store,
		Bus:        eventBus,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		SetupToken: cfg.SetupToken,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("opengate listening", "port", cfg.Port, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Teardown: stop accepting requests, drain in-flight work, checkpoint
	// the store, exit.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	loops.Stop()
	dispatcher.Wait()
	if err := store.Checkpoint(context.Background()); err != nil {
		logger.Warn("wal checkpoint on shutdown failed", "error", err)
	} else {
		logger.Info("wal checkpointed, exiting")
	}
	return nil
}
