// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"net/http"
	"time"
)

// HealthLive reports that the process is alive, regardless of dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady returns 200 once the local store answers, 503 otherwise. The
// remote server is not part of readiness: the engine is built to run
// offline.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	storeOK := false
	if h.store != nil {
		_, err := h.store.Cursor(r.Context())
		storeOK = err == nil
	}

	statusCode := http.StatusOK
	status := "ready"
	if !storeOK {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	respondSuccess(w, r, statusCode, map[string]interface{}{
		"status":          status,
		"store_available": storeOK,
		"sync_enabled":    h.syncEnabled,
	})
}
