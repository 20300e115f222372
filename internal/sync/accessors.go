// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"time"

	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/store"
)

// TreatmentAccessor reads and stages treatment entries.
type TreatmentAccessor interface {
	Treatments(ctx context.Context) ([]models.TreatmentEntry, error)
	TreatmentsSince(ctx context.Context, since time.Time) ([]models.TreatmentEntry, error)
	PendingTreatments(ctx context.Context) ([]models.TreatmentEntry, error)
	GroupMembers(ctx context.Context, prefix, sep string) ([]models.TreatmentEntry, error)
	PutTreatment(ctx context.Context, e models.TreatmentEntry) error
}

// CGMAccessor reads readings, calibrations, sensors and battery state.
type CGMAccessor interface {
	ReadingsAfter(ctx context.Context, after time.Time) ([]models.Reading, error)
	CalibrationsAfter(ctx context.Context, after time.Time) ([]models.Calibration, error)
	UnuploadedSensors(ctx context.Context) ([]models.Sensor, error)
	PutSensor(ctx context.Context, s models.Sensor) error
	LatestBattery(ctx context.Context) (models.BatteryInfo, error)
}

// CursorAccessor reads and updates the sync cursor.
type CursorAccessor interface {
	Cursor(ctx context.Context) (models.SyncCursor, error)
	UpdateCursor(ctx context.Context, fn func(*models.SyncCursor)) error
}

// Tx is the unit of work one pipeline step runs against. Writes are not
// visible to other readers until Commit.
type Tx interface {
	TreatmentAccessor
	CGMAccessor
	CursorAccessor
	Commit(ctx context.Context) error
}

// TxSource starts a unit of work.
type TxSource interface {
	Begin() Tx
}

// StoreTxSource adapts *store.Store to TxSource.
type StoreTxSource struct {
	Store *store.Store
}

// Begin implements TxSource.
func (s StoreTxSource) Begin() Tx {
	return s.Store.NewBatch()
}

var _ Tx = (*store.Batch)(nil)
