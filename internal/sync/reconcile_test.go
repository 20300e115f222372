// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/store"
)

func newTestReconciler(api TreatmentsAPI, s *store.Store, now time.Time) *Reconciler {
	r := NewReconciler(api, StoreTxSource{Store: s}, testSyncConfig())
	r.now = func() time.Time { return now }
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("imported-%d", n)
	}
	return r
}

func remote(id string, kind models.TreatmentKind, value float64, at time.Time) models.RemoteTreatmentRecord {
	return models.RemoteTreatmentRecord{
		ID:        id,
		GroupID:   models.GroupPrefix(id, "-"),
		Kind:      kind,
		Value:     value,
		CreatedAt: at,
	}
}

func allTreatments(t *testing.T, s *store.Store) []models.TreatmentEntry {
	t.Helper()
	all, err := s.Treatments(context.Background())
	if err != nil {
		t.Fatalf("Treatments() error = %v", err)
	}
	return all
}

func TestReconcile_MarksUploadedAfterLostResponse(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", Kind: models.KindCarbs, Value: 30, Timestamp: t0})

	api := newFakeTreatmentsAPI()
	api.fetchRecords = []models.RemoteTreatmentRecord{remote("abc123", models.KindCarbs, 30, t0.Add(2*time.Second))}
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	stats, ok := r.Reconcile(context.Background())
	if !ok {
		t.Fatal("Reconcile() = false")
	}
	if stats.MarkedUploaded != 1 || stats.Imported != 0 {
		t.Errorf("stats = %+v, want 1 marked, 0 imported", stats)
	}
	got := mustTreatment(t, s, "L1")
	if got.ID != "abc123" || !got.Uploaded {
		t.Errorf("entry = %+v, want abc123 uploaded", got)
	}
	if n := len(allTreatments(t, s)); n != 1 {
		t.Errorf("local treatments = %d, want 1", n)
	}
}

func TestReconcile_MatchedTombstoneStillNeedsDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", Kind: models.KindCarbs, Value: 30, Timestamp: t0, Deleted: true})

	api := newFakeTreatmentsAPI()
	api.fetchRecords = []models.RemoteTreatmentRecord{remote("abc123", models.KindCarbs, 30, t0)}
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	if _, ok := r.Reconcile(context.Background()); !ok {
		t.Fatal("Reconcile() = false")
	}
	got := mustTreatment(t, s, "L1")
	if got.ID != "abc123" || !got.NeedsDelete() {
		t.Errorf("tombstone = %+v, want id assigned and delete pending", got)
	}
	if n := len(allTreatments(t, s)); n != 1 {
		t.Errorf("local treatments = %d, want the remote record not re-imported", n)
	}
}

func TestReconcile_RemoteEditOverwritesSyncedEntry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s,
		models.TreatmentEntry{LocalID: "synced", ID: "x", Kind: models.KindCarbs, Value: 30, Timestamp: t0, Uploaded: true},
		models.TreatmentEntry{LocalID: "edited", ID: "y", Kind: models.KindInsulin, Value: 5, Timestamp: t0},
	)

	api := newFakeTreatmentsAPI()
	api.fetchRecords = []models.RemoteTreatmentRecord{
		remote("x", models.KindCarbs, 45, t0.Add(time.Minute)),
		remote("y", models.KindInsulin, 3, t0),
	}
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	stats, ok := r.Reconcile(context.Background())
	if !ok {
		t.Fatal("Reconcile() = false")
	}
	if stats.Changed != 1 {
		t.Errorf("Changed = %d, want 1", stats.Changed)
	}

	synced := mustTreatment(t, s, "synced")
	if synced.Value != 45 || !synced.Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("synced = %+v, want server value and time", synced)
	}
	// A pending local edit is pushed, not overwritten.
	if edited := mustTreatment(t, s, "edited"); edited.Value != 5 || edited.Uploaded {
		t.Errorf("edited = %+v, want local value kept", edited)
	}
}

func TestReconcile_RemoteDeleteTombstonesConfirmed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s,
		models.TreatmentEntry{LocalID: "gone", ID: "x", Kind: models.KindCarbs, Value: 30, Timestamp: t0, Uploaded: true},
		models.TreatmentEntry{LocalID: "old", ID: "z", Kind: models.KindCarbs, Value: 10, Timestamp: t0.Add(-30 * 24 * time.Hour), Uploaded: true},
	)

	api := newFakeTreatmentsAPI()
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	stats, ok := r.Reconcile(context.Background())
	if !ok {
		t.Fatal("Reconcile() = false")
	}
	if stats.Tombstoned != 1 {
		t.Errorf("Tombstoned = %d, want 1", stats.Tombstoned)
	}
	if gone := mustTreatment(t, s, "gone"); !gone.Purgeable() {
		t.Errorf("gone = %+v, want confirmed tombstone", gone)
	}
	// Outside the download window nothing can be concluded.
	if old := mustTreatment(t, s, "old"); old.Deleted {
		t.Errorf("old = %+v, want untouched outside the window", old)
	}
}

func TestReconcile_FailedDownloadChangesNothing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	entry := models.TreatmentEntry{LocalID: "L1", ID: "x", Kind: models.KindCarbs, Value: 30, Timestamp: t0, Uploaded: true}
	saveTreatments(t, s, entry)

	api := newFakeTreatmentsAPI()
	api.fetchOut = nightscout.Outcome{Err: errOffline}
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	if _, ok := r.Reconcile(context.Background()); ok {
		t.Fatal("Reconcile() = true on failed download")
	}
	got := mustTreatment(t, s, "L1")
	if got.ID != entry.ID || got.Value != entry.Value || !got.Timestamp.Equal(entry.Timestamp) ||
		got.Uploaded != entry.Uploaded || got.Deleted != entry.Deleted {
		t.Errorf("entry = %+v, want unchanged %+v", got, entry)
	}
}

func TestReconcile_TruncatedDownloadSkipsDeletionAndImport(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", ID: "x", Kind: models.KindCarbs, Value: 30, Timestamp: t0, Uploaded: true})

	api := newFakeTreatmentsAPI()
	api.fetchRecords = []models.RemoteTreatmentRecord{
		remote("a", models.KindInsulin, 1, t0.Add(time.Minute)),
		remote("b", models.KindInsulin, 2, t0.Add(2*time.Minute)),
	}
	r := newTestReconciler(api, s, t0.Add(time.Hour))
	r.limit = 2

	stats, ok := r.Reconcile(context.Background())
	if !ok {
		t.Fatal("Reconcile() = false")
	}
	if !stats.Truncated || stats.Tombstoned != 0 || stats.Imported != 0 {
		t.Errorf("stats = %+v, want truncated without deletes or imports", stats)
	}
	if got := mustTreatment(t, s, "L1"); got.Deleted {
		t.Errorf("entry = %+v, want not tombstoned from a partial download", got)
	}
}

func TestReconcile_FullPageOfValuelessRecordsIsTruncated(t *testing.T) {
	t.Parallel()

	// A looping user's window is mostly temp basals, which decode to nothing.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("count"))
		recs := make([]string, 0, limit)
		for i := 0; i < limit-1; i++ {
			at := t0.Add(-time.Duration(i) * 5 * time.Minute).Format("2006-01-02T15:04:05.000Z")
			recs = append(recs, fmt.Sprintf(`{"_id":"tb%d","eventType":"Temp Basal","absolute":0.5,"duration":30,"created_at":%q}`, i, at))
		}
		recs = append(recs, `{"_id":"c1","eventType":"Carb Correction","carbs":20,"created_at":"2026-03-14T09:00:00.000Z"}`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[" + strings.Join(recs, ",") + "]"))
	}))
	t.Cleanup(srv.Close)

	ns := testNightscoutConfig(srv.URL)
	api := nightscout.NewAPI(nightscout.NewClient(ns), ns)
	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{
		LocalID: "old1", ID: "x", Kind: models.KindCarbs, Value: 30,
		Timestamp: t0.Add(-3 * 24 * time.Hour), Uploaded: true,
	})
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	stats, ok := r.Reconcile(context.Background())
	if !ok {
		t.Fatal("Reconcile() = false")
	}
	if stats.Downloaded != 1 || !stats.Truncated {
		t.Errorf("stats = %+v, want 1 decoded record from a truncated page", stats)
	}
	if stats.Tombstoned != 0 || stats.Imported != 0 {
		t.Errorf("stats = %+v, want no deletes or imports", stats)
	}
	if got := mustTreatment(t, s, "old1"); got.Deleted {
		t.Errorf("old1 = %+v, want kept when the page was full", got)
	}
}

func TestReconcile_ImportsForeignRecords(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	api := newFakeTreatmentsAPI()
	api.fetchRecords = []models.RemoteTreatmentRecord{remote("y", models.KindInsulin, 2, t0)}
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	for i := 0; i < 2; i++ {
		if _, ok := r.Reconcile(context.Background()); !ok {
			t.Fatalf("Reconcile() #%d = false", i+1)
		}
	}
	all := allTreatments(t, s)
	if len(all) != 1 {
		t.Fatalf("local treatments = %d, want 1 after two reconciliations", len(all))
	}
	got := all[0]
	if got.ID != "y" || !got.Uploaded || got.Kind != models.KindInsulin || got.Value != 2 {
		t.Errorf("imported = %+v", got)
	}
	if got.LocalID == "" {
		t.Error("imported entry has no local id")
	}
}

func TestReconcile_FollowsComboGrowth(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", ID: "g1", Kind: models.KindInsulin, Value: 4, Timestamp: t0, Uploaded: true})

	// Another client added carbs to the same record.
	api := newFakeTreatmentsAPI()
	api.fetchRecords = []models.RemoteTreatmentRecord{
		remote("g1-insulin", models.KindInsulin, 4, t0),
		remote("g1-carbs", models.KindCarbs, 20, t0),
	}
	r := newTestReconciler(api, s, t0.Add(time.Hour))

	stats, ok := r.Reconcile(context.Background())
	if !ok {
		t.Fatal("Reconcile() = false")
	}
	if stats.Tombstoned != 0 || stats.Imported != 1 {
		t.Errorf("stats = %+v, want 0 tombstoned, 1 imported", stats)
	}
	if got := mustTreatment(t, s, "L1"); got.ID != "g1-insulin" || got.Deleted {
		t.Errorf("entry = %+v, want re-identified as g1-insulin", got)
	}
}

func TestReconcile_DownloadWindow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	api := newFakeTreatmentsAPI()
	now := t0.Add(time.Hour)
	r := newTestReconciler(api, s, now)

	if _, ok := r.Reconcile(context.Background()); !ok {
		t.Fatal("Reconcile() = false")
	}
	sc := testSyncConfig()
	want := now.Add(-sc.TreatmentWindow).Add(-sc.MatchTolerance)
	if !api.fetchSince.Equal(want) {
		t.Errorf("fetch since = %v, want %v", api.fetchSince, want)
	}
}

// fakeNightscout is a tiny treatments server backed by a slice.
type fakeNightscout struct {
	mu        sync.Mutex
	records   []string
	duplicate bool
}

func (f *fakeNightscout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodPost:
		rec := `{"_id":"abc123","eventType":"Carb Correction","carbs":30,"created_at":"2026-03-14T09:30:00.000Z","enteredBy":"nightsync"}`
		f.records = append(f.records, rec)
		if f.duplicate {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":500,"message":{"code":66,"errmsg":"E11000 duplicate key"}}`))
			return
		}
		_, _ = w.Write([]byte("[" + rec + "]"))
	case http.MethodGet:
		body := "["
		for i, rec := range f.records {
			if i > 0 {
				body += ","
			}
			body += rec
		}
		_, _ = w.Write([]byte(body + "]"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestTreatmentRoundTrip_CarbsEntry(t *testing.T) {
	t.Parallel()

	for _, duplicate := range []bool{false, true} {
		duplicate := duplicate
		name := "created"
		if duplicate {
			name = "duplicate"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(&fakeNightscout{duplicate: duplicate})
			t.Cleanup(srv.Close)

			ns := testNightscoutConfig(srv.URL)
			api := nightscout.NewAPI(nightscout.NewClient(ns), ns)
			s := newTestStore(t)
			txs := StoreTxSource{Store: s}
			ctx := context.Background()

			w := NewLocalWriter(s, nil)
			entry, err := w.AddTreatment(ctx, models.KindCarbs, 30, t0)
			if err != nil {
				t.Fatalf("AddTreatment() error = %v", err)
			}

			if !NewTreatmentUploader(api, txs, testSyncConfig()).Run(ctx) {
				t.Fatal("treatment upload failed")
			}
			r := NewReconciler(api, txs, testSyncConfig())
			r.now = func() time.Time { return t0.Add(time.Hour) }
			if _, ok := r.Reconcile(ctx); !ok {
				t.Fatal("Reconcile() = false")
			}

			got := mustTreatment(t, s, entry.LocalID)
			if got.ID != "abc123" || !got.Uploaded || got.Deleted {
				t.Errorf("entry = %+v, want abc123 uploaded", got)
			}
			if n := len(allTreatments(t, s)); n != 1 {
				t.Errorf("local treatments = %d, want 1", n)
			}
		})
	}
}
