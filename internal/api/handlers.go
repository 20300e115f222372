// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"context"
	"time"

	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/store"
	syncpkg "github.com/tomtom215/nightsync/internal/sync"
)

// SyncController starts passes and reports their state.
type SyncController interface {
	Trigger(source string) bool
	State() syncpkg.State
}

// StatusProvider exposes the polled loop status and therapy profile.
type StatusProvider interface {
	Status() models.DeviceStatus
	Profile() (models.Profile, bool)
}

// CredentialVerifier checks the configured server credentials.
type CredentialVerifier interface {
	Verify(ctx context.Context) nightscout.Outcome
}

// RemotePurger deletes old server data on operator request.
type RemotePurger interface {
	PurgeRemote(ctx context.Context, before time.Time) (entries, treatments nightscout.Outcome)
}

// LocalWriter records locally produced data.
type LocalWriter interface {
	AddTreatment(ctx context.Context, kind models.TreatmentKind, value float64, at time.Time) (models.TreatmentEntry, error)
	EditTreatment(ctx context.Context, localID string, value float64, at time.Time) (models.TreatmentEntry, error)
	DeleteTreatment(ctx context.Context, localID string) error
	AddReading(ctx context.Context, r models.Reading) (models.Reading, error)
	AddCalibration(ctx context.Context, c models.Calibration) (models.Calibration, error)
	StartSensor(ctx context.Context, id string, at time.Time) (models.Sensor, error)
	SetBattery(ctx context.Context, level int) error
	RecordReconnect(ctx context.Context, at time.Time) error
}

// StoreReader is the read side of the local store.
type StoreReader interface {
	Cursor(ctx context.Context) (models.SyncCursor, error)
	Counts(ctx context.Context) (store.Counts, error)
	Treatments(ctx context.Context) ([]models.TreatmentEntry, error)
	Treatment(ctx context.Context, localID string) (models.TreatmentEntry, error)
}

// BreakerState reports the server circuit breaker state.
type BreakerState interface {
	State() string
}

// Deps are the collaborators of Handler. Breaker may be nil.
type Deps struct {
	Sync        SyncController
	Status      StatusProvider
	Verifier    CredentialVerifier
	Purger      RemotePurger
	Local       LocalWriter
	Store       StoreReader
	Breaker     BreakerState
	SyncEnabled bool
}

// Handler serves the admin API.
type Handler struct {
	sync        SyncController
	status      StatusProvider
	verifier    CredentialVerifier
	purger      RemotePurger
	local       LocalWriter
	store       StoreReader
	breaker     BreakerState
	syncEnabled bool

	startTime time.Time
	now       func() time.Time
}

// NewHandler creates a Handler from explicit dependencies.
func NewHandler(d Deps) *Handler {
	return &Handler{
		sync:        d.Sync,
		status:      d.Status,
		verifier:    d.Verifier,
		purger:      d.Purger,
		local:       d.Local,
		store:       d.Store,
		breaker:     d.Breaker,
		syncEnabled: d.SyncEnabled,
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// NewEngineHandler creates a Handler backed by a sync engine.
func NewEngineHandler(e *syncpkg.Engine, breaker BreakerState, syncEnabled bool) *Handler {
	d := Deps{
		Sync:        e.Orchestrator,
		Status:      e.Poller,
		Verifier:    e.Verifier,
		Purger:      e,
		Local:       e.Local,
		Store:       e.Store(),
		Breaker:     breaker,
		SyncEnabled: syncEnabled,
	}
	return NewHandler(d)
}
