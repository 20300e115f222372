// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/store"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

var errOffline = errors.Join(nightscout.ErrTransport, errors.New("connection refused"))

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		Interval:                time.Minute,
		MaxPassDuration:         time.Minute,
		TreatmentWindow:         7 * 24 * time.Hour,
		MatchTolerance:          5 * time.Second,
		DownloadLimit:           100,
		ReadingLookback:         7 * 24 * time.Hour,
		ReadingInterval:         5 * time.Minute,
		FrequentReadingInterval: time.Minute,
		SpacingSlack:            10 * time.Second,
		BatchSize:               500,
	}
}

func testNightscoutConfig(url string) *config.NightscoutConfig {
	return &config.NightscoutConfig{
		Enabled:            true,
		URL:                url,
		APISecret:          "secret-phrase",
		UploadReadings:     true,
		UploadTreatments:   true,
		DownloadTreatments: true,
		UploadBattery:      true,
		DeviceName:         "nightsync-test",
		EnteredBy:          "nightsync",
		DosingSystem:       "openaps",
		DuplicateErrorCode: 66,
		GroupSeparator:     "-",
		RequestTimeout:     5 * time.Second,
	}
}

func saveTreatments(t *testing.T, s *store.Store, entries ...models.TreatmentEntry) {
	t.Helper()
	for _, e := range entries {
		if err := s.SaveTreatment(context.Background(), e); err != nil {
			t.Fatalf("SaveTreatment(%s) error = %v", e.LocalID, err)
		}
	}
}

func mustTreatment(t *testing.T, s *store.Store, localID string) models.TreatmentEntry {
	t.Helper()
	e, err := s.Treatment(context.Background(), localID)
	if err != nil {
		t.Fatalf("Treatment(%s) error = %v", localID, err)
	}
	return e
}

// memCursor is an in-memory CursorAccessor.
type memCursor struct {
	mu sync.Mutex
	c  models.SyncCursor
}

func (m *memCursor) Cursor(context.Context) (models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c, nil
}

func (m *memCursor) UpdateCursor(_ context.Context, fn func(*models.SyncCursor)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.c)
	return nil
}

// treatmentCall records one call to fakeTreatmentsAPI.
type treatmentCall struct {
	Method  string
	GroupID string
	Members []models.TreatmentEntry
}

// fakeTreatmentsAPI scripts TreatmentsAPI responses.
type fakeTreatmentsAPI struct {
	mu    sync.Mutex
	sep   string
	calls []treatmentCall

	createRecords []models.RemoteTreatmentRecord
	createOut     nightscout.Outcome
	changeOut     nightscout.Outcome
	fetchRecords  []models.RemoteTreatmentRecord
	fetchOut      nightscout.Outcome
	fetchSince    time.Time
}

func newFakeTreatmentsAPI() *fakeTreatmentsAPI {
	ok := nightscout.Outcome{OK: true}
	return &fakeTreatmentsAPI{sep: "-", createOut: ok, changeOut: ok, fetchOut: ok}
}

func (f *fakeTreatmentsAPI) record(c treatmentCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTreatmentsAPI) Calls() []treatmentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]treatmentCall(nil), f.calls...)
}

func (f *fakeTreatmentsAPI) Separator() string { return f.sep }

func (f *fakeTreatmentsAPI) CreateTreatments(_ context.Context, groups [][]models.TreatmentEntry) ([]models.RemoteTreatmentRecord, nightscout.Outcome) {
	var members []models.TreatmentEntry
	for _, g := range groups {
		members = append(members, g...)
	}
	f.record(treatmentCall{Method: "POST", Members: members})
	return f.createRecords, f.createOut
}

func (f *fakeTreatmentsAPI) UpdateTreatment(_ context.Context, groupID string, members []models.TreatmentEntry) nightscout.Outcome {
	f.record(treatmentCall{Method: "PUT", GroupID: groupID, Members: members})
	return f.changeOut
}

func (f *fakeTreatmentsAPI) DeleteTreatment(_ context.Context, groupID string) nightscout.Outcome {
	f.record(treatmentCall{Method: "DELETE", GroupID: groupID})
	return f.changeOut
}

func (f *fakeTreatmentsAPI) FetchTreatments(_ context.Context, since time.Time, _ int) ([]models.RemoteTreatmentRecord, nightscout.Outcome) {
	f.record(treatmentCall{Method: "GET"})
	f.mu.Lock()
	f.fetchSince = since
	f.mu.Unlock()
	if !f.fetchOut.OK {
		return nil, f.fetchOut
	}
	out := f.fetchOut
	if out.Count == 0 {
		out.Count = len(f.fetchRecords)
	}
	return f.fetchRecords, out
}

// fakeEntriesAPI records entry uploads.
type fakeEntriesAPI struct {
	mu sync.Mutex

	batches     [][]map[string]interface{}
	failBatch   int // 1-based index of the batch to fail, 0 for none
	latest      time.Time
	latestOut   nightscout.Outcome
	sensorCalls []time.Time
	battery     []models.BatteryInfo
}

func (f *fakeEntriesAPI) ReadingPayload(r *models.Reading) map[string]interface{} {
	return map[string]interface{}{"_id": r.ID, "date": r.Timestamp.UnixMilli()}
}

func (f *fakeEntriesAPI) CalibrationPayloads(c *models.Calibration) []map[string]interface{} {
	return []map[string]interface{}{{"type": "cal"}, {"type": "mbg", "mbg": c.BG}}
}

func (f *fakeEntriesAPI) PostEntries(_ context.Context, payload []map[string]interface{}) nightscout.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, payload)
	if f.failBatch == len(f.batches) {
		return nightscout.Outcome{Err: errOffline}
	}
	return nightscout.Outcome{OK: true, Count: len(payload)}
}

func (f *fakeEntriesAPI) LatestReadingTime(context.Context) (time.Time, nightscout.Outcome) {
	return f.latest, f.latestOut
}

func (f *fakeEntriesAPI) CreateSensorStart(_ context.Context, at time.Time) nightscout.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensorCalls = append(f.sensorCalls, at)
	return nightscout.Outcome{OK: true, Count: 1}
}

func (f *fakeEntriesAPI) PostBattery(_ context.Context, b models.BatteryInfo) nightscout.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.battery = append(f.battery, b)
	return nightscout.Outcome{OK: true, Count: 1}
}
