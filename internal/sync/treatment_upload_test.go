// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
)

func TestGroupCreates(t *testing.T) {
	t.Parallel()

	entries := []models.TreatmentEntry{
		{LocalID: "a", Kind: models.KindInsulin, Value: 4, Timestamp: t0},
		{LocalID: "b", Kind: models.KindExercise, Value: 30, Timestamp: t0},
		{LocalID: "c", Kind: models.KindCarbs, Value: 40, Timestamp: t0},
		{LocalID: "d", Kind: models.KindCarbs, Value: 15, Timestamp: t0.Add(time.Second)},
		{LocalID: "e", Kind: models.KindInsulin, Value: 1, Timestamp: t0},
	}

	groups := GroupCreates(entries, "-")
	var sizes []int
	for _, g := range groups {
		sizes = append(sizes, len(g))
	}
	want := []int{2, 1, 1, 1}
	if len(sizes) != len(want) {
		t.Fatalf("group sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("group sizes = %v, want %v", sizes, want)
		}
	}
	if groups[0][0].LocalID != "a" || groups[0][1].LocalID != "c" {
		t.Errorf("combo = %s+%s, want a+c", groups[0][0].LocalID, groups[0][1].LocalID)
	}

	if got := GroupCreates(entries, ""); len(got) != len(entries) {
		t.Errorf("without separator got %d groups, want %d", len(got), len(entries))
	}
}

func TestAssignCreatedIDs(t *testing.T) {
	t.Parallel()

	entries := []models.TreatmentEntry{
		{LocalID: "1", Kind: models.KindCarbs, Value: 20, Timestamp: t0},
		{LocalID: "2", Kind: models.KindCarbs, Value: 20, Timestamp: t0},
		{LocalID: "3", Kind: models.KindInsulin, Value: 2, Timestamp: t0},
	}
	records := []models.RemoteTreatmentRecord{
		{ID: "x", Kind: models.KindCarbs, Value: 20, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "y", Kind: models.KindCarbs, Value: 20, CreatedAt: t0},
	}

	n := AssignCreatedIDs(entries, records, 5*time.Second)
	if n != 2 {
		t.Fatalf("AssignCreatedIDs() = %d, want 2", n)
	}
	if entries[0].ID != "x" || entries[1].ID != "y" {
		t.Errorf("ids = %q, %q, want distinct x, y", entries[0].ID, entries[1].ID)
	}
	if entries[2].ID != "" || entries[2].Uploaded {
		t.Errorf("unmatched entry = %+v, want untouched", entries[2])
	}
}

func newTestTreatmentUploader(api TreatmentsAPI, txs TxSource) *TreatmentUploader {
	return NewTreatmentUploader(api, txs, testSyncConfig())
}

func TestUploadCreates_AssignsEchoedIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", Kind: models.KindCarbs, Value: 30, Timestamp: t0})

	api := newFakeTreatmentsAPI()
	api.createRecords = []models.RemoteTreatmentRecord{
		{ID: "abc123", GroupID: "abc123", Kind: models.KindCarbs, Value: 30, CreatedAt: t0},
	}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if !u.UploadCreates(context.Background()) {
		t.Fatal("UploadCreates() = false")
	}
	got := mustTreatment(t, s, "L1")
	if got.ID != "abc123" || !got.Uploaded {
		t.Errorf("entry = %+v, want ID abc123 uploaded", got)
	}

	// Nothing left to create.
	if !u.UploadCreates(context.Background()) {
		t.Fatal("second UploadCreates() = false")
	}
	if calls := api.Calls(); len(calls) != 1 {
		t.Errorf("calls = %d, want 1", len(calls))
	}
}

func TestUploadCreates_DuplicateIsSuccess(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", Kind: models.KindInsulin, Value: 3, Timestamp: t0})

	api := newFakeTreatmentsAPI()
	api.createOut = nightscout.Outcome{OK: true, Duplicate: true}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if !u.UploadCreates(context.Background()) {
		t.Fatal("UploadCreates() on duplicate = false, want true")
	}
	// Nothing matching on the server yet: the entry stays pending.
	if got := mustTreatment(t, s, "L1"); got.ID != "" || got.Uploaded {
		t.Errorf("entry = %+v, want unassigned", got)
	}
}

func TestUploadCreates_DuplicateResolvesIDsWithoutReconcile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s,
		models.TreatmentEntry{LocalID: "L1", Kind: models.KindInsulin, Value: 3, Timestamp: t0},
		models.TreatmentEntry{LocalID: "held", ID: "taken", Kind: models.KindInsulin, Value: 3, Timestamp: t0, Uploaded: true},
	)

	api := newFakeTreatmentsAPI()
	api.createOut = nightscout.Outcome{OK: true, Duplicate: true}
	api.fetchRecords = []models.RemoteTreatmentRecord{
		remote("taken", models.KindInsulin, 3, t0),
		remote("dup1", models.KindInsulin, 3, t0.Add(time.Second)),
	}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	for i := 0; i < 3; i++ {
		if !u.Run(context.Background()) {
			t.Fatalf("Run() #%d = false", i+1)
		}
	}

	got := mustTreatment(t, s, "L1")
	if got.ID != "dup1" || !got.Uploaded {
		t.Errorf("entry = %+v, want dup1 uploaded", got)
	}
	posts := 0
	for _, c := range api.Calls() {
		if c.Method == "POST" {
			posts++
		}
	}
	if posts != 1 {
		t.Errorf("POST calls = %d, want 1", posts)
	}
	sc := testSyncConfig()
	if want := t0.Add(-sc.MatchTolerance); !api.fetchSince.Equal(want) {
		t.Errorf("fetch since = %v, want %v", api.fetchSince, want)
	}
}

func TestUploadCreates_DuplicateLookupFailure(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", Kind: models.KindInsulin, Value: 3, Timestamp: t0})

	api := newFakeTreatmentsAPI()
	api.createOut = nightscout.Outcome{OK: true, Duplicate: true}
	api.fetchOut = nightscout.Outcome{Err: errOffline}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if u.UploadCreates(context.Background()) {
		t.Fatal("UploadCreates() = true with the id lookup offline")
	}
	if got := mustTreatment(t, s, "L1"); got.ID != "" || got.Uploaded {
		t.Errorf("entry = %+v, want unchanged", got)
	}
}

func TestUploadCreates_FailureLeavesEntries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s, models.TreatmentEntry{LocalID: "L1", Kind: models.KindInsulin, Value: 3, Timestamp: t0})

	api := newFakeTreatmentsAPI()
	api.createOut = nightscout.Outcome{Err: errOffline}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if u.UploadCreates(context.Background()) {
		t.Fatal("UploadCreates() = true on transport failure")
	}
	if got := mustTreatment(t, s, "L1"); got.ID != "" || got.Uploaded {
		t.Errorf("entry = %+v, want unchanged", got)
	}
}

func TestUploadChanges_DeletingComboMemberUpdatesSurvivors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s,
		models.TreatmentEntry{LocalID: "L1", ID: "g1-insulin", Kind: models.KindInsulin, Value: 4, Timestamp: t0, Uploaded: true},
		models.TreatmentEntry{LocalID: "L2", ID: "g1-carbs", Kind: models.KindCarbs, Value: 40, Timestamp: t0, Deleted: true},
	)

	api := newFakeTreatmentsAPI()
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if !u.UploadChanges(context.Background()) {
		t.Fatal("UploadChanges() = false")
	}

	calls := api.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v, want a single PUT", calls)
	}
	c := calls[0]
	if c.Method != "PUT" || c.GroupID != "g1" {
		t.Fatalf("call = %s %s, want PUT g1", c.Method, c.GroupID)
	}
	if len(c.Members) != 1 || c.Members[0].Kind != models.KindInsulin {
		t.Errorf("PUT members = %+v, want the insulin survivor only", c.Members)
	}

	survivor := mustTreatment(t, s, "L1")
	if survivor.ID != "g1" || !survivor.Uploaded {
		t.Errorf("survivor = %+v, want ID g1 uploaded", survivor)
	}
	tomb := mustTreatment(t, s, "L2")
	if !tomb.Purgeable() {
		t.Errorf("tombstone = %+v, want purgeable after confirmation", tomb)
	}
}

func TestUploadChanges_DeletesWholeGroup(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s,
		models.TreatmentEntry{LocalID: "L1", ID: "g1-insulin", Kind: models.KindInsulin, Value: 4, Timestamp: t0, Deleted: true},
		models.TreatmentEntry{LocalID: "L2", ID: "g1-carbs", Kind: models.KindCarbs, Value: 40, Timestamp: t0, Deleted: true},
	)

	api := newFakeTreatmentsAPI()
	// Already gone on the server.
	api.changeOut = nightscout.Outcome{Err: &nightscout.HTTPStatusError{StatusCode: http.StatusNotFound}}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if !u.UploadChanges(context.Background()) {
		t.Fatal("UploadChanges() = false, want 404 treated as deleted")
	}
	calls := api.Calls()
	if len(calls) != 1 || calls[0].Method != "DELETE" || calls[0].GroupID != "g1" {
		t.Fatalf("calls = %+v, want one DELETE g1", calls)
	}
	for _, id := range []string{"L1", "L2"} {
		if e := mustTreatment(t, s, id); !e.Purgeable() {
			t.Errorf("%s = %+v, want purgeable", id, e)
		}
	}
}

func TestUploadChanges_TombstoneKeptUntilConfirmed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saveTreatments(t, s,
		models.TreatmentEntry{LocalID: "L1", ID: "abc", Kind: models.KindCarbs, Value: 12, Timestamp: t0, Deleted: true},
	)

	api := newFakeTreatmentsAPI()
	api.changeOut = nightscout.Outcome{Err: errOffline}
	u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

	if u.UploadChanges(context.Background()) {
		t.Fatal("UploadChanges() = true while offline")
	}
	tomb := mustTreatment(t, s, "L1")
	if tomb.Purgeable() || !tomb.NeedsDelete() {
		t.Fatalf("tombstone = %+v, want still pending delete", tomb)
	}

	n, err := s.PurgeConfirmedDeletes(context.Background(), t0.Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeConfirmedDeletes() error = %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d unconfirmed tombstones, want 0", n)
	}
	mustTreatment(t, s, "L1")
}

func TestUploadChanges_ErrorHandlingPerGroup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"rejected group continues", &nightscout.HTTPStatusError{StatusCode: http.StatusInternalServerError}, 2},
		{"transport failure stops", errOffline, 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestStore(t)
			saveTreatments(t, s,
				models.TreatmentEntry{LocalID: "L1", ID: "g1", Kind: models.KindInsulin, Value: 2, Timestamp: t0},
				models.TreatmentEntry{LocalID: "L2", ID: "g2", Kind: models.KindInsulin, Value: 3, Timestamp: t0.Add(time.Hour)},
			)

			api := newFakeTreatmentsAPI()
			api.changeOut = nightscout.Outcome{Err: tt.err}
			u := newTestTreatmentUploader(api, StoreTxSource{Store: s})

			if u.UploadChanges(context.Background()) {
				t.Fatal("UploadChanges() = true with failing server")
			}
			if got := len(api.Calls()); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			for _, id := range []string{"L1", "L2"} {
				if e := mustTreatment(t, s, id); !e.NeedsUpdate() {
					t.Errorf("%s = %+v, want still pending update", id, e)
				}
			}
		})
	}
}
