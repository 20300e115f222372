// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/store"
)

// EntriesAPI is the part of the Nightscout API the uploader uses.
type EntriesAPI interface {
	ReadingPayload(r *models.Reading) map[string]interface{}
	CalibrationPayloads(c *models.Calibration) []map[string]interface{}
	PostEntries(ctx context.Context, payload []map[string]interface{}) nightscout.Outcome
	LatestReadingTime(ctx context.Context) (time.Time, nightscout.Outcome)
	CreateSensorStart(ctx context.Context, startedAt time.Time) nightscout.Outcome
	PostBattery(ctx context.Context, b models.BatteryInfo) nightscout.Outcome
}

// Uploader pushes readings, calibrations, sensor starts and battery state.
type Uploader struct {
	api  EntriesAPI
	txs  TxSource
	ns   *config.NightscoutConfig
	sync *config.SyncConfig
	now  func() time.Time
}

// NewUploader creates the reading/calibration/sensor/battery uploader.
func NewUploader(api EntriesAPI, txs TxSource, ns *config.NightscoutConfig, sc *config.SyncConfig) *Uploader {
	return &Uploader{api: api, txs: txs, ns: ns, sync: sc, now: time.Now}
}

// Name implements Step.
func (u *Uploader) Name() string { return "upload" }

// Run implements Step. Each data class is independent; a failure in one
// does not skip the others.
func (u *Uploader) Run(ctx context.Context) bool {
	ok := true
	if u.ns.UploadReadings {
		ok = u.UploadReadings(ctx) && ok
		ok = u.UploadCalibrations(ctx) && ok
		ok = u.UploadSensorStarts(ctx) && ok
	}
	if u.ns.UploadBattery {
		ok = u.UploadBattery(ctx) && ok
	}
	return ok
}

// spacing is the minimum distance between two uploaded readings.
func (u *Uploader) spacing() time.Duration {
	interval := u.sync.ReadingInterval
	if u.ns.FrequentUploads {
		interval = u.sync.FrequentReadingInterval
	}
	if interval > u.sync.SpacingSlack {
		interval -= u.sync.SpacingSlack
	}
	return interval
}

// lookbackFloor is the oldest timestamp the uploader will ever send.
func (u *Uploader) lookbackFloor() time.Time {
	return u.now().Add(-u.sync.ReadingLookback)
}

// UploadReadings sends readings newer than the reading cursor.
func (u *Uploader) UploadReadings(ctx context.Context) bool {
	log := logging.Ctx(ctx)
	tx := u.txs.Begin()

	cursor, err := tx.Cursor(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to read cursor")
		return false
	}

	anchor := cursor.LastUploadedReading
	if anchor.IsZero() {
		anchor = u.seedReadingCursor(ctx)
		if !anchor.IsZero() {
			seed := anchor
			if err := tx.UpdateCursor(ctx, func(c *models.SyncCursor) {
				if c.LastUploadedReading.IsZero() {
					c.LastUploadedReading = seed
				}
			}); err != nil {
				log.Error().Err(err).Msg("[uploader] Failed to stage seeded reading cursor")
				return false
			}
		}
	}
	after := anchor
	if floor := u.lookbackFloor(); after.Before(floor) {
		after = floor
	}

	readings, err := tx.ReadingsAfter(ctx, after)
	if err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to load readings")
		return false
	}
	if len(readings) == 0 {
		return tx.Commit(ctx) == nil
	}

	selected := SelectReadings(readings, anchor, cursor.LastReconnect, u.spacing())
	payload := make([]map[string]interface{}, 0, len(selected))
	for i := range selected {
		payload = append(payload, u.api.ReadingPayload(&selected[i]))
	}

	if !u.postBatches(ctx, "reading", payload) {
		return false
	}

	newest := readings[len(readings)-1].Timestamp
	if err := tx.UpdateCursor(ctx, func(c *models.SyncCursor) {
		if newest.After(c.LastUploadedReading) {
			c.LastUploadedReading = newest
		}
	}); err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to stage reading cursor")
		return false
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to commit reading cursor")
		return false
	}

	log.Info().
		Int("candidates", len(readings)).
		Int("uploaded", len(selected)).
		Time("cursor", newest).
		Msg("[uploader] Readings uploaded")
	return true
}

// seedReadingCursor returns the newest reading the server already has, so a
// fresh install does not re-upload history. Zero when unknown.
func (u *Uploader) seedReadingCursor(ctx context.Context) time.Time {
	latest, out := u.api.LatestReadingTime(ctx)
	if !out.OK || latest.IsZero() {
		return time.Time{}
	}
	logging.Ctx(ctx).Info().Time("latest_remote", latest).Msg("[uploader] Seeding reading cursor from server")
	return latest
}

// SelectReadings applies the minimum-spacing filter to readings (oldest
// first). A reading is kept when it is at least spacing after the previous
// kept one, starting from lastUploaded. The newest reading is always kept
// when a reconnect happened after the reading before it.
func SelectReadings(readings []models.Reading, lastUploaded, lastReconnect time.Time, spacing time.Duration) []models.Reading {
	if len(readings) == 0 {
		return nil
	}

	out := make([]models.Reading, 0, len(readings))
	last := lastUploaded
	newestKept := false
	for i := range readings {
		r := readings[i]
		if last.IsZero() || r.Timestamp.Sub(last) >= spacing {
			out = append(out, r)
			last = r.Timestamp
			newestKept = i == len(readings)-1
		}
	}

	if !newestKept {
		previous := lastUploaded
		if len(readings) > 1 {
			previous = readings[len(readings)-2].Timestamp
		}
		if lastReconnect.After(previous) {
			out = append(out, readings[len(readings)-1])
		}
	}
	return out
}

// UploadCalibrations sends calibrations newer than the calibration cursor.
// No spacing filter applies.
func (u *Uploader) UploadCalibrations(ctx context.Context) bool {
	log := logging.Ctx(ctx)
	tx := u.txs.Begin()

	cursor, err := tx.Cursor(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to read cursor")
		return false
	}
	after := cursor.LastUploadedCalibration
	if floor := u.lookbackFloor(); after.Before(floor) {
		after = floor
	}

	cals, err := tx.CalibrationsAfter(ctx, after)
	if err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to load calibrations")
		return false
	}
	if len(cals) == 0 {
		return true
	}

	var payload []map[string]interface{}
	for i := range cals {
		payload = append(payload, u.api.CalibrationPayloads(&cals[i])...)
	}
	if !u.postBatches(ctx, "calibration", payload) {
		return false
	}

	newest := cals[len(cals)-1].Timestamp
	if err := tx.UpdateCursor(ctx, func(c *models.SyncCursor) {
		if newest.After(c.LastUploadedCalibration) {
			c.LastUploadedCalibration = newest
		}
	}); err != nil {
		return false
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to commit calibration cursor")
		return false
	}
	log.Info().Int("calibrations", len(cals)).Msg("[uploader] Calibrations uploaded")
	return true
}

// postBatches posts payload oldest-first in slices of at most BatchSize.
// It stops at the first failed slice.
func (u *Uploader) postBatches(ctx context.Context, class string, payload []map[string]interface{}) bool {
	size := u.sync.BatchSize
	if size <= 0 {
		size = len(payload)
	}
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		out := u.api.PostEntries(ctx, payload[start:end])
		metrics.RecordUpload(class, end-start, out.OK)
		if !out.OK {
			logging.Ctx(ctx).Warn().
				Err(out.Err).
				Str("class", class).
				Int("offset", start).
				Int("total", len(payload)).
				Msg("[uploader] Batch upload failed")
			return false
		}
		if out.Duplicate {
			metrics.UploadDuplicates.Inc()
		}
	}
	return true
}

// UploadSensorStarts posts a Sensor Start treatment for each sensor session
// the server has not seen.
func (u *Uploader) UploadSensorStarts(ctx context.Context) bool {
	log := logging.Ctx(ctx)
	tx := u.txs.Begin()

	sensors, err := tx.UnuploadedSensors(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to load sensors")
		return false
	}

	ok := true
	for _, s := range sensors {
		out := u.api.CreateSensorStart(ctx, s.StartedAt)
		metrics.RecordUpload("sensor", 1, out.OK)
		if !out.OK {
			log.Warn().Err(out.Err).Str("sensor", s.ID).Msg("[uploader] Sensor start upload failed")
			ok = false
			break
		}
		s.Uploaded = true
		if err := tx.PutSensor(ctx, s); err != nil {
			ok = false
			break
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to commit sensors")
		return false
	}
	return ok
}

// UploadBattery posts the uploader battery level when it changed since the
// last accepted upload.
func (u *Uploader) UploadBattery(ctx context.Context) bool {
	log := logging.Ctx(ctx)
	tx := u.txs.Begin()

	info, err := tx.LatestBattery(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		log.Error().Err(err).Msg("[uploader] Failed to load battery state")
		return false
	}
	cursor, err := tx.Cursor(ctx)
	if err != nil {
		return false
	}
	if cursor.LastUploadedBattery == info.Level {
		return true
	}

	out := u.api.PostBattery(ctx, info)
	metrics.RecordUpload("battery", 1, out.OK)
	if !out.OK {
		log.Warn().Err(out.Err).Int("level", info.Level).Msg("[uploader] Battery upload failed")
		return false
	}
	if err := tx.UpdateCursor(ctx, func(c *models.SyncCursor) { c.LastUploadedBattery = info.Level }); err != nil {
		return false
	}
	return tx.Commit(ctx) == nil
}
