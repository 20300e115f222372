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

	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/models"
)

// ReadingPayload renders a CGM reading as an sgv entry.
func (a *API) ReadingPayload(r *models.Reading) map[string]interface{} {
	ts := formatTime(r.Timestamp)
	return map[string]interface{}{
		"_id":        r.ID,
		"device":     a.device,
		"date":       r.Timestamp.UnixMilli(),
		"dateString": ts,
		"sysTime":    ts,
		"type":       "sgv",
		"sgv":        r.SGV,
		"direction":  r.Direction,
		"filtered":   r.Filtered,
		"unfiltered": r.Unfiltered,
		"noise":      r.Noise,
	}
}

// CalibrationPayloads renders a calibration as a cal entry followed by an
// mbg entry. The cal entry is omitted when the fit has no slope, since its
// scale conversion would divide by zero.
func (a *API) CalibrationPayloads(c *models.Calibration) []map[string]interface{} {
	ts := formatTime(c.Timestamp)
	out := make([]map[string]interface{}, 0, 2)
	if c.Slope != 0 {
		out = append(out, map[string]interface{}{
			"device":     a.device,
			"type":       "cal",
			"date":       c.Timestamp.UnixMilli(),
			"dateString": ts,
			"slope":      1000 / c.Slope,
			"intercept":  -c.Intercept * 1000 / c.Slope,
			"scale":      1,
		})
	}
	out = append(out, map[string]interface{}{
		"device":     a.device,
		"type":       "mbg",
		"date":       c.Timestamp.UnixMilli(),
		"dateString": ts,
		"mbg":        c.BG,
	})
	return out
}

// PostEntries uploads a batch of entry payloads.
func (a *API) PostEntries(ctx context.Context, payload []map[string]interface{}) Outcome {
	return a.t.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/api/v1/entries",
		Body:        payload,
		RequireAuth: true,
	})
}

type entryWire struct {
	Date       flexTime `json:"date"`
	DateString flexTime `json:"dateString"`
}

// LatestReadingTime returns the date of the newest sgv entry on the server,
// or the zero time when the server has none.
func (a *API) LatestReadingTime(ctx context.Context) (time.Time, Outcome) {
	q := url.Values{}
	q.Set("count", "1")
	q.Set("find[type]", "sgv")

	out := a.t.Do(ctx, Request{Method: http.MethodGet, Path: "/api/v1/entries", Query: q})
	if !out.OK {
		return time.Time{}, out
	}

	elems, err := decodeArray("entries", out.Body)
	if err != nil {
		return time.Time{}, failure(err)
	}
	if len(elems) == 0 {
		return time.Time{}, out
	}

	var e entryWire
	if err := json.Unmarshal(elems[0], &e); err != nil {
		return time.Time{}, failure(&DecodeError{What: "entries", Err: err})
	}
	if !e.Date.IsZero() {
		return e.Date.UTC(), out
	}
	return e.DateString.UTC(), out
}
