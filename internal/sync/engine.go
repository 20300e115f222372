// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"time"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/events"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/notify"
	"github.com/tomtom215/nightsync/internal/store"
)

// Engine wires the pipeline steps, the poller and the orchestrator together.
type Engine struct {
	Orchestrator *Orchestrator
	Poller       *Poller
	Verifier     *Verifier
	Local        *LocalWriter

	store  *store.Store
	api    *nightscout.API
	client *nightscout.Client
}

// NewEngine builds the engine from configuration. client is the raw
// transport whose connection settings follow settings-changed events; api
// is layered on top of it (usually through a BreakerClient).
func NewEngine(cfg *config.Config, st *store.Store, client *nightscout.Client, api *nightscout.API, bus *events.Bus, n notify.Notifier) *Engine {
	txs := StoreTxSource{Store: st}
	poller := NewPoller(api, &cfg.Poller)

	var steps []Step
	if cfg.Nightscout.Enabled {
		steps = append(steps, NewUploader(api, txs, &cfg.Nightscout, &cfg.Sync))
		if cfg.Nightscout.UploadTreatments {
			steps = append(steps, NewTreatmentUploader(api, txs, &cfg.Sync))
		}
		if cfg.Nightscout.DownloadTreatments {
			steps = append(steps, NewReconciler(api, txs, &cfg.Sync))
		}
		if cfg.Poller.Enabled {
			steps = append(steps, poller)
		}
	}

	orch := NewOrchestrator(st, OrchestratorConfig{
		Interval:        cfg.Sync.Interval,
		MaxPassDuration: cfg.Sync.MaxPassDuration,
	}, steps...)

	var pub Publisher
	if bus != nil {
		pub = bus
		orch.SetBus(bus, func(ev events.SettingsChanged) {
			client.SetConnection(nightscout.ConnectionSettings{
				BaseURL:   ev.BaseURL,
				APISecret: ev.APISecret,
				Token:     ev.Token,
			})
		})
	}

	return &Engine{
		Orchestrator: orch,
		Poller:       poller,
		Verifier:     NewVerifier(api, n),
		Local:        NewLocalWriter(st, pub),
		store:        st,
		api:          api,
		client:       client,
	}
}

// PurgeRemote deletes remote entries and treatments older than before.
// Operator initiated only; the engine never purges on its own.
func (e *Engine) PurgeRemote(ctx context.Context, before time.Time) (nightscout.Outcome, nightscout.Outcome) {
	entries := e.api.PurgeEntriesBefore(ctx, before)
	treatments := e.api.PurgeTreatmentsBefore(ctx, before)
	logging.Ctx(ctx).Info().
		Time("before", before).
		Bool("entries_ok", entries.OK).
		Bool("treatments_ok", treatments.OK).
		Msg("Remote purge finished")
	return entries, treatments
}

// Store returns the local store.
func (e *Engine) Store() *store.Store { return e.store }

// Connection returns the current server connection settings.
func (e *Engine) Connection() nightscout.ConnectionSettings { return e.client.Connection() }
