// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

// Command nightsync keeps a local diabetes data store and a Nightscout
// server in sync.
//
// It uploads CGM readings, calibrations, sensor starts, battery levels and
// treatments, downloads and reconciles treatments edited on the server, and
// polls the dosing loop status and therapy profile. An admin HTTP API on
// 127.0.0.1:17580 exposes the sync state and accepts locally produced data.
//
// # Configuration
//
// Koanf layers, highest priority last:
//   - built-in defaults
//   - config file (CONFIG_PATH, ./config.yaml, /etc/nightsync/config.yaml)
//   - environment variables (NIGHTSCOUT_URL, NIGHTSCOUT_API_SECRET, ...)
//
// Edits to the config file's server URL or credentials are applied without a
// restart.
//
// # Example
//
//	export NIGHTSCOUT_URL=https://my-cgm.example.com
//	export NIGHTSCOUT_API_SECRET=long-api-secret
//	./nightsync
//
// SIGINT and SIGTERM stop the supervisor tree; in-flight passes are
// cancelled and the store is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/nightsync/internal/api"
	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/events"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/notify"
	"github.com/tomtom215/nightsync/internal/store"
	"github.com/tomtom215/nightsync/internal/supervisor"
	"github.com/tomtom215/nightsync/internal/supervisor/services"
	"github.com/tomtom215/nightsync/internal/sync"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("nightsync failed")
	}
}

func run() error {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("sync_enabled", cfg.Nightscout.Enabled).
		Str("url", logging.RedactURL(cfg.Nightscout.URL)).
		Bool("credentials", cfg.Nightscout.HasCredentials()).
		Str("store", storeLocation(&cfg.Store)).
		Msg("Starting nightsync")

	st, err := store.Open(&cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	client := nightscout.NewClient(&cfg.Nightscout)
	breaker := nightscout.NewBreakerClient(client)
	nsAPI := nightscout.NewAPI(breaker, &cfg.Nightscout)

	engine := sync.NewEngine(cfg, st, client, nsAPI, bus, notify.New(&cfg.Notify))

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddStoreService(services.NewLifecycleService("store-maintenance",
		store.NewMaintainer(st, cfg.Store.GCInterval, cfg.Store.TombstoneRetention, cfg.Sync.TreatmentWindow)))

	tree.AddSyncService(services.NewLifecycleService("sync-orchestrator", engine.Orchestrator))
	if cfg.Nightscout.Enabled && cfg.Poller.Enabled {
		tree.AddSyncService(services.NewLifecycleService("status-poller", engine.Poller))
	}
	if path := config.ConfigFilePath(); path != "" {
		tree.AddSyncService(services.NewConfigWatchService(path, cfg, bus))
	}

	if cfg.Server.Enabled {
		handler := api.NewEngineHandler(engine, breaker, cfg.Nightscout.Enabled)
		router := api.NewRouter(handler, &cfg.Server)
		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           router.Setup(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.Timeout,
			WriteTimeout:      cfg.Server.Timeout,
			IdleTimeout:       60 * time.Second,
		}
		tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("nightsync stopped")
	return nil
}

func storeLocation(cfg *config.StoreConfig) string {
	if cfg.InMemory {
		return "memory"
	}
	return cfg.Path
}
