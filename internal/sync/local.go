// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/store"
)

// ErrTreatmentDeleted is returned when editing a tombstoned treatment.
var ErrTreatmentDeleted = errors.New("treatment is deleted")

// Publisher announces that a sync pass is required.
type Publisher interface {
	PublishSyncRequired(source string) error
}

// LocalStore is the store surface local producers write through.
type LocalStore interface {
	SaveTreatment(ctx context.Context, e models.TreatmentEntry) error
	Treatment(ctx context.Context, localID string) (models.TreatmentEntry, error)
	SaveReading(ctx context.Context, r models.Reading) error
	SaveCalibration(ctx context.Context, c models.Calibration) error
	SaveSensor(ctx context.Context, s models.Sensor) error
	SaveBattery(ctx context.Context, b models.BatteryInfo) error
	UpdateCursor(ctx context.Context, fn func(*models.SyncCursor)) error
}

var _ LocalStore = (*store.Store)(nil)

// LocalWriter applies local mutations and raises the sync-required flag.
type LocalWriter struct {
	store LocalStore
	pub   Publisher
	now   func() time.Time
}

// NewLocalWriter creates a writer. pub may be nil; the flag alone is then
// picked up by the next timer pass.
func NewLocalWriter(s LocalStore, pub Publisher) *LocalWriter {
	return &LocalWriter{store: s, pub: pub, now: time.Now}
}

// AddTreatment records a new local treatment.
func (w *LocalWriter) AddTreatment(ctx context.Context, kind models.TreatmentKind, value float64, at time.Time) (models.TreatmentEntry, error) {
	e := models.TreatmentEntry{
		LocalID:   uuid.NewString(),
		Kind:      kind,
		Value:     value,
		Timestamp: at.UTC(),
	}
	if err := w.store.SaveTreatment(ctx, e); err != nil {
		return e, err
	}
	return e, w.markSyncRequired(ctx, "treatment")
}

// EditTreatment changes value and timestamp of a treatment. An uploaded
// entry is flagged for a remote update.
func (w *LocalWriter) EditTreatment(ctx context.Context, localID string, value float64, at time.Time) (models.TreatmentEntry, error) {
	e, err := w.store.Treatment(ctx, localID)
	if err != nil {
		return e, err
	}
	if e.Deleted {
		return e, ErrTreatmentDeleted
	}
	e.Value = value
	e.Timestamp = at.UTC()
	e.Uploaded = false
	if err := w.store.SaveTreatment(ctx, e); err != nil {
		return e, err
	}
	return e, w.markSyncRequired(ctx, "treatment")
}

// DeleteTreatment tombstones a treatment. The entry stays until the server
// confirms the delete.
func (w *LocalWriter) DeleteTreatment(ctx context.Context, localID string) error {
	e, err := w.store.Treatment(ctx, localID)
	if err != nil {
		return err
	}
	if e.Deleted {
		return nil
	}
	e.Deleted = true
	e.Uploaded = false
	if err := w.store.SaveTreatment(ctx, e); err != nil {
		return err
	}
	return w.markSyncRequired(ctx, "treatment")
}

// AddReading stores a CGM reading. An empty id gets a generated one.
func (w *LocalWriter) AddReading(ctx context.Context, r models.Reading) (models.Reading, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Timestamp = r.Timestamp.UTC()
	if err := w.store.SaveReading(ctx, r); err != nil {
		return r, err
	}
	return r, w.markSyncRequired(ctx, "reading")
}

// AddCalibration stores a calibration.
func (w *LocalWriter) AddCalibration(ctx context.Context, c models.Calibration) (models.Calibration, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Timestamp = c.Timestamp.UTC()
	if err := w.store.SaveCalibration(ctx, c); err != nil {
		return c, err
	}
	return c, w.markSyncRequired(ctx, "calibration")
}

// StartSensor records a new sensor session.
func (w *LocalWriter) StartSensor(ctx context.Context, id string, at time.Time) (models.Sensor, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := models.Sensor{ID: id, StartedAt: at.UTC()}
	if err := w.store.SaveSensor(ctx, s); err != nil {
		return s, err
	}
	return s, w.markSyncRequired(ctx, "sensor")
}

// SetBattery records the uploader battery level.
func (w *LocalWriter) SetBattery(ctx context.Context, level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("%w: battery level %d", store.ErrInvalidRecord, level)
	}
	if err := w.store.SaveBattery(ctx, models.BatteryInfo{Level: level, Timestamp: w.now().UTC()}); err != nil {
		return err
	}
	return w.markSyncRequired(ctx, "battery")
}

// RecordReconnect notes a transmitter reconnect, so the next upload keeps
// the newest reading regardless of spacing.
func (w *LocalWriter) RecordReconnect(ctx context.Context, at time.Time) error {
	at = at.UTC()
	return w.store.UpdateCursor(ctx, func(c *models.SyncCursor) {
		if at.After(c.LastReconnect) {
			c.LastReconnect = at
		}
	})
}

// markSyncRequired raises the persisted flag and announces it. The flag is
// what guarantees the work is not lost; the event only makes it prompt.
func (w *LocalWriter) markSyncRequired(ctx context.Context, source string) error {
	now := w.now().UTC()
	if err := w.store.UpdateCursor(ctx, func(c *models.SyncCursor) {
		c.SyncRequired = true
		c.LastSyncRequest = now
	}); err != nil {
		return fmt.Errorf("raise sync-required flag: %w", err)
	}
	if w.pub != nil {
		if err := w.pub.PublishSyncRequired(source); err != nil {
			logging.Warn().Err(err).Str("source", source).Msg("Failed to publish sync event")
		}
	}
	return nil
}
