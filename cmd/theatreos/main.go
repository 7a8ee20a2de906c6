// TheatreOS server entrypoint. Wires storage, the simulation engines,
// real-time delivery, and the HTTP API, then runs until SIGTERM/SIGINT
// with a staged graceful shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/theatreos/theatreos/pkg/api"
	"github.com/theatreos/theatreos/pkg/auth"
	"github.com/theatreos/theatreos/pkg/cleanup"
	"github.com/theatreos/theatreos/pkg/config"
	"github.com/theatreos/theatreos/pkg/crew"
	"github.com/theatreos/theatreos/pkg/database"
	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/evidence"
	"github.com/theatreos/theatreos/pkg/gates"
	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/rumor"
	"github.com/theatreos/theatreos/pkg/scheduler"
	"github.com/theatreos/theatreos/pkg/storage/postgres"
	"github.com/theatreos/theatreos/pkg/themepack"
	"github.com/theatreos/theatreos/pkg/trace"
	"github.com/theatreos/theatreos/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting TheatreOS server",
		"version", version.Full(),
		"slot_duration", cfg.SlotDuration,
		"lookahead", cfg.ScheduleLookahead,
		"debug", cfg.Debug)

	ctx := context.Background()

	// 1. Database and storage.
	client, err := database.NewClient(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()
	store := postgres.New(client)
	slog.Info("Database ready")

	// 2. Theme packs. Persisted bindings come back before any engine asks
	// for a pack, so a restart keeps each theatre on its bound pack.
	packs := themepack.NewRegistry(cfg.ContentDir)
	if err := packs.RestoreBindings(ctx, store); err != nil {
		slog.Error("Failed to restore pack bindings", "error", err)
		os.Exit(1)
	}

	// 3. Auth.
	authManager := auth.NewManager(cfg.JWTSecret, cfg.TokenExpiry, store)

	// 4. Real-time delivery. Events fan out through Postgres NOTIFY so every
	// pod sees every commit; the connection manager serves WS and SSE clients
	// with log-backed catchup.
	connManager := events.NewConnectionManager(events.NewStoreCatchup(store), 10*time.Second)
	listener := events.NewNotifyListener(cfg.DatabaseURL, connManager)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	connManager.SetListener(listener)
	sink := events.NewPublisher(client.Raw(), connManager)
	slog.Info("Real-time delivery ready")

	// 5. Engines.
	k := kernel.New(store, packs, sink)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.SlotDuration = cfg.SlotDuration
	schedCfg.Lookahead = cfg.ScheduleLookahead
	schedCfg.GateResolveMinute = cfg.GateResolveMinute
	schedCfg.BeatBudget = cfg.DefaultParallelScenes
	schedSvc := scheduler.NewService(store, packs, k, sink, schedCfg)
	gateSvc := gates.NewService(store, packs, k, sink)
	evidenceSvc := evidence.NewService(store, packs, sink)
	rumorSvc := rumor.NewService(store, packs, sink)
	traceSvc := trace.NewService(store, sink)
	crewSvc := crew.NewService(store, sink)

	// 6. Background drivers.
	schedDriver := scheduler.NewDriver(schedSvc, time.Minute)
	schedDriver.Start(ctx)
	gateDriver := gates.NewDriver(gateSvc, cfg.GateTick)
	gateDriver.Start(ctx)
	sweeper := cleanup.NewService(store, k, rumorSvc, crewSvc, sink,
		cfg.SweepInterval, cfg.SnapshotInterval)
	sweeper.Start(ctx)
	slog.Info("Background drivers started",
		"gate_tick", cfg.GateTick,
		"sweep_interval", cfg.SweepInterval,
		"snapshot_interval", cfg.SnapshotInterval)

	// 7. HTTP API.
	srv := api.NewServer(api.Options{
		Store:     store,
		Packs:     packs,
		Auth:      authManager,
		Kernel:    k,
		Scheduler: schedSvc,
		Gates:     gateSvc,
		Evidence:  evidenceSvc,
		Rumors:    rumorSvc,
		Traces:    traceSvc,
		Crews:     crewSvc,
		Manager:   connManager,
		RawDB:     client.Raw(),
		Debug:     cfg.Debug,
	})
	httpServer := &http.Server{
		Addr:              cfg.APIHost + ":" + cfg.APIPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	// Shutdown order: stop accepting requests, stop the drivers so no new
	// events are produced, then tear down delivery.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	schedDriver.Stop()
	gateDriver.Stop()
	sweeper.Stop()
	listener.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
}
