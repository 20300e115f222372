// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/store"
	syncpkg "github.com/tomtom215/nightsync/internal/sync"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// --- Test doubles ---

type mockSync struct {
	mu       sync.Mutex
	triggers []string
	running  bool
	state    syncpkg.State
}

func (m *mockSync) Trigger(source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, source)
	return !m.running
}

func (m *mockSync) State() syncpkg.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

type mockStatus struct {
	device  models.DeviceStatus
	profile *models.Profile
}

func (m *mockStatus) Status() models.DeviceStatus { return m.device }

func (m *mockStatus) Profile() (models.Profile, bool) {
	if m.profile == nil {
		return models.Profile{}, false
	}
	return *m.profile, true
}

type mockVerifier struct {
	out   nightscout.Outcome
	calls int
}

func (m *mockVerifier) Verify(context.Context) nightscout.Outcome {
	m.calls++
	return m.out
}

type mockPurger struct {
	entries, treatments nightscout.Outcome
	before              time.Time
	calls               int
}

func (m *mockPurger) PurgeRemote(_ context.Context, before time.Time) (nightscout.Outcome, nightscout.Outcome) {
	m.calls++
	m.before = before
	return m.entries, m.treatments
}

type mockBreaker string

func (m mockBreaker) State() string { return string(m) }

type testEnv struct {
	handler  *Handler
	router   http.Handler
	store    *store.Store
	sync     *mockSync
	status   *mockStatus
	verifier *mockVerifier
	purger   *mockPurger
}

// setupTestEnv builds a handler over an in-memory store. Rate limiting is
// disabled unless serverCfg enables it.
func setupTestEnv(t *testing.T, serverCfg *config.ServerConfig) *testEnv {
	t.Helper()

	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:    st,
		sync:     &mockSync{},
		status:   &mockStatus{},
		verifier: &mockVerifier{out: nightscout.Outcome{OK: true}},
		purger:   &mockPurger{entries: nightscout.Outcome{OK: true}, treatments: nightscout.Outcome{OK: true}},
	}
	env.handler = NewHandler(Deps{
		Sync:        env.sync,
		Status:      env.status,
		Verifier:    env.verifier,
		Purger:      env.purger,
		Local:       syncpkg.NewLocalWriter(st, nil),
		Store:       st,
		Breaker:     mockBreaker("closed"),
		SyncEnabled: true,
	})
	env.handler.now = func() time.Time { return testNow }

	if serverCfg == nil {
		serverCfg = &config.ServerConfig{}
	}
	env.router = NewRouter(env.handler, serverCfg).Setup()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// decodeEnvelope decodes the response envelope and, when data is non-nil,
// the data field into it.
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, data interface{}) models.APIResponse {
	t.Helper()

	var raw struct {
		Status   string           `json:"status"`
		Data     json.RawMessage  `json:"data"`
		Metadata models.Metadata  `json:"metadata"`
		Error    *models.APIError `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	if data != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			t.Fatalf("decode data %s: %v", raw.Data, err)
		}
	}
	return models.APIResponse{Status: raw.Status, Metadata: raw.Metadata, Error: raw.Error}
}

func TestHealthLive(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/healthz", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var data map[string]interface{}
	resp := decodeEnvelope(t, w, &data)
	if resp.Status != "success" || data["alive"] != true {
		t.Errorf("response = %+v data = %v", resp, data)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestHealthReady(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	if w := env.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want 200", w.Code)
	}

	if err := env.store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	w := env.do(t, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", w.Code)
	}
}

func TestRequestIDBecomesCorrelationID(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/healthz", nil)

	reqID := w.Header().Get("X-Request-Id")
	if reqID == "" {
		t.Fatal("X-Request-Id header missing")
	}
	resp := decodeEnvelope(t, w, nil)
	if resp.Metadata.CorrelationID != reqID {
		t.Errorf("correlation_id = %q, want request id %q", resp.Metadata.CorrelationID, reqID)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", nil)
	w := env.do(t, http.MethodGet, "/metrics", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("nightsync_api_requests_total")) {
		t.Error("metrics output lacks the request counter")
	}
}
