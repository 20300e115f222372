// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/store"
	syncpkg "github.com/tomtom215/nightsync/internal/sync"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	SyncEnabled    bool                `json:"sync_enabled"`
	Sync           syncpkg.State       `json:"sync"`
	Cursor         models.SyncCursor   `json:"cursor"`
	Counts         store.Counts        `json:"counts"`
	Device         models.DeviceStatus `json:"device_status"`
	Profile        *models.Profile     `json:"profile,omitempty"`
	CircuitBreaker string              `json:"circuit_breaker,omitempty"`
	Uptime         float64             `json:"uptime_seconds"`
}

// TriggerResponse is the body of POST /api/v1/sync.
type TriggerResponse struct {
	// Started is false when a pass was already running and a rerun was
	// queued instead.
	Started bool `json:"started"`
}

// VerifyResponse is the body of POST /api/v1/verify.
type VerifyResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// PurgeResponse is the body of DELETE /api/v1/remote.
type PurgeResponse struct {
	Before            time.Time `json:"before"`
	EntriesDeleted    bool      `json:"entries_deleted"`
	TreatmentsDeleted bool      `json:"treatments_deleted"`
}

// Status reports the sync state, cursor, record counts and the polled loop
// status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cursor, err := h.store.Cursor(ctx)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeStore, "Failed to read sync cursor", err)
		return
	}
	counts, err := h.store.Counts(ctx)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeStore, "Failed to count records", err)
		return
	}

	resp := StatusResponse{
		SyncEnabled: h.syncEnabled,
		Sync:        h.sync.State(),
		Cursor:      cursor,
		Counts:      counts,
		Device:      h.status.Status(),
		Uptime:      time.Since(h.startTime).Seconds(),
	}
	if p, ok := h.status.Profile(); ok {
		resp.Profile = &p
	}
	if h.breaker != nil {
		resp.CircuitBreaker = h.breaker.State()
	}

	respondSuccess(w, r, http.StatusOK, resp)
}

// TriggerSync requests a sync pass. The pass runs in the background.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.syncEnabled {
		respondError(w, r, http.StatusConflict, CodeSyncDisabled, "Nightscout sync is disabled", nil)
		return
	}
	started := h.sync.Trigger("api")
	respondSuccess(w, r, http.StatusAccepted, TriggerResponse{Started: started})
}

// Verify checks the configured server credentials.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	out := h.verifier.Verify(r.Context())
	respondSuccess(w, r, http.StatusOK, VerifyResponse{
		OK:      out.OK,
		Message: syncpkg.VerifyMessage(out),
	})
}

// PurgeRemote deletes server entries and treatments created before the
// "before" query parameter (RFC 3339, must lie in the past).
func (h *Handler) PurgeRemote(w http.ResponseWriter, r *http.Request) {
	if !h.syncEnabled {
		respondError(w, r, http.StatusConflict, CodeSyncDisabled, "Nightscout sync is disabled", nil)
		return
	}

	before, ok := parseTimeParam(r, "before")
	if !ok {
		respondError(w, r, http.StatusBadRequest, CodeValidation, "before must be an RFC 3339 timestamp", nil)
		return
	}
	if !before.Before(h.now()) {
		respondError(w, r, http.StatusBadRequest, CodeValidation, "before must lie in the past", nil)
		return
	}

	entries, treatments := h.purger.PurgeRemote(r.Context(), before)
	resp := PurgeResponse{
		Before:            before.UTC(),
		EntriesDeleted:    entries.OK,
		TreatmentsDeleted: treatments.OK,
	}
	if !entries.OK || !treatments.OK {
		respondJSON(w, http.StatusBadGateway, &models.APIResponse{
			Status:   "error",
			Data:     resp,
			Metadata: metadataFor(r),
			Error: &models.APIError{
				Code:    CodeRemote,
				Message: purgeMessage(entries, treatments),
			},
		})
		return
	}
	respondSuccess(w, r, http.StatusOK, resp)
}

func purgeMessage(entries, treatments nightscout.Outcome) string {
	if !entries.OK {
		return "Purging entries failed: " + syncpkg.VerifyMessage(entries)
	}
	return "Purging treatments failed: " + syncpkg.VerifyMessage(treatments)
}

// ListTreatments returns the local treatment log, newest first. Tombstones
// are included so pending deletes stay visible.
func (h *Handler) ListTreatments(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.Treatments(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeStore, "Failed to read treatments", err)
		return
	}
	if r.URL.Query().Get("include_deleted") == "false" {
		live := entries[:0]
		for _, e := range entries {
			if !e.Deleted {
				live = append(live, e)
			}
		}
		entries = live
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if entries == nil {
		entries = []models.TreatmentEntry{}
	}
	respondSuccess(w, r, http.StatusOK, entries)
}
