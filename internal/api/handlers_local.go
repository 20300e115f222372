// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/nightsync/internal/models"
)

// TreatmentRequest is the body of POST /api/v1/treatments.
type TreatmentRequest struct {
	Kind      string     `json:"kind" validate:"required,oneof=insulin carbs exercise bgcheck sensorstart other"`
	Value     *float64   `json:"value" validate:"required,gte=0"`
	Timestamp *time.Time `json:"timestamp"`
}

// TreatmentEditRequest is the body of PUT /api/v1/treatments/{id}.
type TreatmentEditRequest struct {
	Value     *float64   `json:"value" validate:"required,gte=0"`
	Timestamp *time.Time `json:"timestamp"`
}

// ReadingRequest is the body of POST /api/v1/readings.
type ReadingRequest struct {
	SensorID   string     `json:"sensor_id" validate:"omitempty,max=64"`
	Timestamp  *time.Time `json:"timestamp" validate:"required"`
	SGV        float64    `json:"sgv" validate:"gt=0,lte=1000"`
	Direction  string     `json:"direction" validate:"omitempty,max=32"`
	Filtered   float64    `json:"filtered" validate:"gte=0"`
	Unfiltered float64    `json:"unfiltered" validate:"gte=0"`
	Noise      int        `json:"noise" validate:"gte=0,lte=4"`
}

// CalibrationRequest is the body of POST /api/v1/calibrations.
type CalibrationRequest struct {
	SensorID  string     `json:"sensor_id" validate:"omitempty,max=64"`
	Timestamp *time.Time `json:"timestamp" validate:"required"`
	BG        float64    `json:"bg" validate:"gt=0,lte=1000"`
	Slope     float64    `json:"slope"`
	Intercept float64    `json:"intercept"`
}

// SensorRequest is the body of POST /api/v1/sensors.
type SensorRequest struct {
	ID        string     `json:"id" validate:"omitempty,max=64"`
	StartedAt *time.Time `json:"started_at"`
}

// BatteryRequest is the body of PUT /api/v1/battery.
type BatteryRequest struct {
	Level *int `json:"level" validate:"required,gte=0,lte=100"`
}

// ReconnectRequest is the body of POST /api/v1/reconnect.
type ReconnectRequest struct {
	At *time.Time `json:"at"`
}

func (h *Handler) timeOrNow(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return h.now().UTC()
	}
	return t.UTC()
}

// CreateTreatment records a local treatment for upload.
func (h *Handler) CreateTreatment(w http.ResponseWriter, r *http.Request) {
	var req TreatmentRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	e, err := h.local.AddTreatment(r.Context(), models.TreatmentKind(req.Kind), *req.Value, h.timeOrNow(req.Timestamp))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusCreated, e)
}

// GetTreatment returns one local treatment by local id.
func (h *Handler) GetTreatment(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.Treatment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, e)
}

// UpdateTreatment edits the value and time of a local treatment.
func (h *Handler) UpdateTreatment(w http.ResponseWriter, r *http.Request) {
	var req TreatmentEditRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	id := chi.URLParam(r, "id")
	at := h.now().UTC()
	if req.Timestamp != nil {
		at = req.Timestamp.UTC()
	} else if cur, err := h.store.Treatment(r.Context(), id); err == nil {
		at = cur.Timestamp
	}

	e, err := h.local.EditTreatment(r.Context(), id, *req.Value, at)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, e)
}

// DeleteTreatment tombstones a local treatment. Deleting a tombstone again
// succeeds.
func (h *Handler) DeleteTreatment(w http.ResponseWriter, r *http.Request) {
	if err := h.local.DeleteTreatment(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateReading records a glucose reading.
func (h *Handler) CreateReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	reading, err := h.local.AddReading(r.Context(), models.Reading{
		SensorID:   req.SensorID,
		Timestamp:  req.Timestamp.UTC(),
		SGV:        req.SGV,
		Direction:  req.Direction,
		Filtered:   req.Filtered,
		Unfiltered: req.Unfiltered,
		Noise:      req.Noise,
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusCreated, reading)
}

// CreateCalibration records a meter calibration.
func (h *Handler) CreateCalibration(w http.ResponseWriter, r *http.Request) {
	var req CalibrationRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	cal, err := h.local.AddCalibration(r.Context(), models.Calibration{
		SensorID:  req.SensorID,
		Timestamp: req.Timestamp.UTC(),
		BG:        req.BG,
		Slope:     req.Slope,
		Intercept: req.Intercept,
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusCreated, cal)
}

// StartSensor records a sensor session start.
func (h *Handler) StartSensor(w http.ResponseWriter, r *http.Request) {
	var req SensorRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	sensor, err := h.local.StartSensor(r.Context(), req.ID, h.timeOrNow(req.StartedAt))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusCreated, sensor)
}

// SetBattery records the transmitter battery level.
func (h *Handler) SetBattery(w http.ResponseWriter, r *http.Request) {
	var req BatteryRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.local.SetBattery(r.Context(), *req.Level); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]int{"level": *req.Level})
}

// RecordReconnect marks a transmitter reconnect, which waives reading
// spacing for the next upload.
func (h *Handler) RecordReconnect(w http.ResponseWriter, r *http.Request) {
	var req ReconnectRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		respondAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	at := h.timeOrNow(req.At)
	if err := h.local.RecordReconnect(r.Context(), at); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]time.Time{"at": at})
}
