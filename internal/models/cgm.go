// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package models

import "time"

// Reading is a single CGM glucose value.
type Reading struct {
	ID         string    `json:"id"`
	SensorID   string    `json:"sensor_id"`
	Timestamp  time.Time `json:"timestamp"`
	SGV        float64   `json:"sgv"`
	Direction  string    `json:"direction"`
	Filtered   float64   `json:"filtered"`
	Unfiltered float64   `json:"unfiltered"`
	Noise      int       `json:"noise"`
}

// Calibration is a finger-stick calibration with the resulting sensor fit.
type Calibration struct {
	ID        string    `json:"id"`
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	BG        float64   `json:"bg"`
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
}

// Sensor is a CGM sensor session.
type Sensor struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Uploaded  bool      `json:"uploaded"`
}

// BatteryInfo is the uploader battery state.
type BatteryInfo struct {
	Level     int       `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncCursor holds the upload high-water marks and the sync-required flag.
//
// SyncRequired is only cleared by the orchestrator at the start of a pass it
// is about to run; a set during the pass is observed at the end and causes a
// follow-up pass.
type SyncCursor struct {
	LastUploadedReading     time.Time `json:"last_uploaded_reading"`
	LastUploadedCalibration time.Time `json:"last_uploaded_calibration"`
	LastSyncRequest         time.Time `json:"last_sync_request"`
	SyncRequired            bool      `json:"sync_required"`

	// LastReconnect is when the transmitter last reconnected after a gap.
	LastReconnect time.Time `json:"last_reconnect"`

	// LastUploadedBattery is the battery level last accepted by the server,
	// -1 when none has been uploaded yet.
	LastUploadedBattery int `json:"last_uploaded_battery"`
}

// NewSyncCursor returns a cursor for a store that has never synced.
func NewSyncCursor() SyncCursor {
	return SyncCursor{LastUploadedBattery: -1}
}
