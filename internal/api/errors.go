// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"errors"
	"net/http"

	"github.com/tomtom215/nightsync/internal/store"
	syncpkg "github.com/tomtom215/nightsync/internal/sync"
)

// Error codes of the admin API.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeStore        = "STORE_ERROR"
	CodeSyncDisabled = "SYNC_DISABLED"
	CodeRemote       = "REMOTE_ERROR"
)

// respondStoreError maps a local store or writer error to a response.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Treatment not found", nil)
	case errors.Is(err, syncpkg.ErrTreatmentDeleted):
		respondError(w, r, http.StatusConflict, CodeConflict, "Treatment is deleted", nil)
	case errors.Is(err, store.ErrInvalidRecord):
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	default:
		respondError(w, r, http.StatusInternalServerError, CodeStore, "Local store failed", err)
	}
}
