// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/tomtom215/nightsync/internal/models"
)

func TestReadingPayload(t *testing.T) {
	t.Parallel()

	api := NewAPI(&fakeTransport{}, testConfig("http://ns"))
	r := models.Reading{ID: "r1", Timestamp: t0, SGV: 123, Direction: "Flat", Filtered: 120000, Unfiltered: 121000, Noise: 1}

	p := api.ReadingPayload(&r)
	checks := map[string]interface{}{
		"_id":        "r1",
		"device":     "nightsync-test",
		"date":       t0.UnixMilli(),
		"dateString": "2026-03-14T09:30:00.000Z",
		"sysTime":    "2026-03-14T09:30:00.000Z",
		"type":       "sgv",
		"sgv":        123.0,
		"direction":  "Flat",
		"noise":      1,
	}
	for k, want := range checks {
		if p[k] != want {
			t.Errorf("%s = %v (%T), want %v (%T)", k, p[k], p[k], want, want)
		}
	}
}

func TestCalibrationPayloads(t *testing.T) {
	t.Parallel()

	api := NewAPI(&fakeTransport{}, testConfig("http://ns"))

	got := api.CalibrationPayloads(&models.Calibration{Timestamp: t0, BG: 110, Slope: 800, Intercept: 30})
	if len(got) != 2 {
		t.Fatalf("len = %d, want cal + mbg", len(got))
	}
	cal, mbg := got[0], got[1]
	if cal["type"] != "cal" || mbg["type"] != "mbg" {
		t.Fatalf("types = %v, %v", cal["type"], mbg["type"])
	}
	if s := cal["slope"].(float64); math.Abs(s-1.25) > 1e-9 {
		t.Errorf("slope = %v, want 1000/800", s)
	}
	if i := cal["intercept"].(float64); math.Abs(i-(-37.5)) > 1e-9 {
		t.Errorf("intercept = %v, want -30*1000/800", i)
	}
	if cal["scale"] != 1 {
		t.Errorf("scale = %v, want 1", cal["scale"])
	}
	if mbg["mbg"] != 110.0 {
		t.Errorf("mbg = %v, want 110", mbg["mbg"])
	}

	got = api.CalibrationPayloads(&models.Calibration{Timestamp: t0, BG: 95})
	if len(got) != 1 || got[0]["type"] != "mbg" {
		t.Errorf("zero slope payloads = %v, want mbg only", got)
	}
}

func TestAPI_LatestReadingTime(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("find[type]") != "sgv" || r.URL.Query().Get("count") != "1" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"date": 1773480600000, "sgv": 110, "type": "sgv"}]`))
	})
	api := NewAPI(NewClient(testConfig(srv.URL)), testConfig(srv.URL))

	got, out := api.LatestReadingTime(context.Background())
	if !out.OK {
		t.Fatalf("LatestReadingTime failed: %v", out.Err)
	}
	if want := time.UnixMilli(1773480600000).UTC(); !got.Equal(want) {
		t.Errorf("LatestReadingTime = %v, want %v", got, want)
	}
}

func TestAPI_LatestReadingTime_Empty(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	api := NewAPI(NewClient(testConfig(srv.URL)), testConfig(srv.URL))

	got, out := api.LatestReadingTime(context.Background())
	if !out.OK || !got.IsZero() {
		t.Errorf("LatestReadingTime = %v, %+v, want zero time and success", got, out)
	}
}
