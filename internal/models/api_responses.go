// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package models

import (
	"time"
)

// APIResponse is the envelope of every admin API response.
//
// Status is "success" with Data set, or "error" with Error set.
//
//	{
//	  "status": "error",
//	  "data": null,
//	  "metadata": {"timestamp": "2026-03-14T09:30:00Z"},
//	  "error": {"code": "VALIDATION_ERROR", "message": "value is required"}
//	}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata accompanies every response.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// APIError is a machine-readable code plus a message for humans.
//
// Codes used by the admin API:
//   - VALIDATION_ERROR: malformed body or query parameter
//   - NOT_FOUND: unknown local treatment
//   - CONFLICT: the treatment is already deleted
//   - STORE_ERROR: the local store failed
//   - SYNC_DISABLED: the Nightscout connection is switched off
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
