// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/validation"
)

// maxBodyBytes caps request bodies. Every accepted body is a handful of fields.
const maxBodyBytes = 64 << 10

// sanitizeLogValue replaces control characters so request data cannot forge
// log lines.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&result, "\\x%02x", r)
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func metadataFor(r *http.Request) models.Metadata {
	md := models.Metadata{Timestamp: time.Now().UTC()}
	if r != nil {
		md.CorrelationID = logging.CorrelationIDFromContext(r.Context())
	}
	return md
}

// respondJSON sends a JSON response. Admin responses describe live state and
// are never cached.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondSuccess wraps data in a success envelope.
func respondSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: metadataFor(r),
	})
}

// respondError sends an error envelope. err, when set, is logged but never
// returned to the client.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	if err != nil {
		logger := logging.Logger()
		if r != nil {
			logger = *logging.Ctx(r.Context())
		}
		logger.Error().
			Str("code", sanitizeLogValue(code)).
			Str("error", sanitizeLogValue(err.Error())).
			Msg("API Error")
	}

	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: metadataFor(r),
		Error: &models.APIError{
			Code:    code,
			Message: message,
		},
	})
}

func respondAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *models.APIError) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: metadataFor(r),
		Error:    apiErr,
	})
}

// validateRequest runs the validator tags of v. It returns nil when v is
// valid.
func validateRequest(v interface{}) *models.APIError {
	err := validation.ValidateStruct(v)
	if err == nil {
		return nil
	}

	apiErr := &models.APIError{Code: "VALIDATION_ERROR", Message: err.Error()}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		fields := make(map[string]interface{}, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field] = fe.Message
		}
		apiErr.Details = map[string]interface{}{"fields": fields}
	}
	return apiErr
}

// decodeJSON decodes a single JSON object from the request body into v and
// validates it. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) *models.APIError {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		msg := "Invalid JSON body"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "Request body is empty"
		case errors.As(err, &maxErr):
			msg = "Request body too large"
		}
		return &models.APIError{Code: "VALIDATION_ERROR", Message: msg}
	}
	if dec.More() {
		return &models.APIError{Code: "VALIDATION_ERROR", Message: "Request body must hold a single JSON object"}
	}
	return validateRequest(v)
}

// parseTimeParam parses an RFC 3339 query parameter. ok is false when the
// parameter is missing or malformed.
func parseTimeParam(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
