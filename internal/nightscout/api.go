// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tomtom215/nightsync/internal/config"
)

// Dialect selects how device status records are interpreted.
type Dialect string

// Supported dosing system dialects.
const (
	DialectOpenAPS Dialect = "openaps"
	DialectLoop    Dialect = "loop"
)

// API exposes the Nightscout collections used by the sync engine.
type API struct {
	t         Transport
	sep       string
	device    string
	enteredBy string
	dialect   Dialect
}

// NewAPI builds collection calls on top of t.
func NewAPI(t Transport, cfg *config.NightscoutConfig) *API {
	enteredBy := cfg.EnteredBy
	if enteredBy == "" {
		enteredBy = cfg.DeviceName
	}
	dialect := Dialect(cfg.DosingSystem)
	if dialect != DialectLoop {
		dialect = DialectOpenAPS
	}
	return &API{
		t:         t,
		sep:       cfg.GroupSeparator,
		device:    cfg.DeviceName,
		enteredBy: enteredBy,
		dialect:   dialect,
	}
}

// Separator returns the configured combo group separator.
func (a *API) Separator() string { return a.sep }

// Dialect returns the configured device status dialect.
func (a *API) Dialect() Dialect { return a.dialect }

// VerifyCredentials calls the authenticated test endpoint. Success means the
// server accepted the configured secret or token.
func (a *API) VerifyCredentials(ctx context.Context) Outcome {
	return a.t.Do(ctx, Request{
		Method:      http.MethodGet,
		Path:        "/api/v1/experiments/test",
		RequireAuth: true,
	})
}

// PurgeEntriesBefore deletes remote entries dated at or before cutoff.
func (a *API) PurgeEntriesBefore(ctx context.Context, cutoff time.Time) Outcome {
	q := url.Values{}
	q.Set("find[date][$lte]", formatMillis(cutoff))
	return a.t.Do(ctx, Request{
		Method:      http.MethodDelete,
		Path:        "/api/v1/entries",
		Query:       q,
		RequireAuth: true,
	})
}

// PurgeTreatmentsBefore deletes remote treatments created at or before cutoff.
func (a *API) PurgeTreatmentsBefore(ctx context.Context, cutoff time.Time) Outcome {
	q := url.Values{}
	q.Set("find[created_at][$lte]", formatTime(cutoff))
	return a.t.Do(ctx, Request{
		Method:      http.MethodDelete,
		Path:        "/api/v1/treatments",
		Query:       q,
		RequireAuth: true,
	})
}
