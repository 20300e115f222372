// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
)

// ReconcileStats counts what one reconciliation changed locally.
type ReconcileStats struct {
	Downloaded     int  `json:"downloaded"`
	MarkedUploaded int  `json:"marked_uploaded"`
	Changed        int  `json:"changed"`
	Tombstoned     int  `json:"tombstoned"`
	Imported       int  `json:"imported"`
	Truncated      bool `json:"truncated"`
}

// Reconciler merges the remote treatment list into local state.
type Reconciler struct {
	api       TreatmentsAPI
	txs       TxSource
	window    time.Duration
	tolerance time.Duration
	limit     int
	now       func() time.Time
	newID     func() string
}

// NewReconciler creates the download and reconciliation step.
func NewReconciler(api TreatmentsAPI, txs TxSource, sc *config.SyncConfig) *Reconciler {
	return &Reconciler{
		api:       api,
		txs:       txs,
		window:    sc.TreatmentWindow,
		tolerance: sc.MatchTolerance,
		limit:     sc.DownloadLimit,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Name implements Step.
func (r *Reconciler) Name() string { return "reconcile" }

// Run implements Step.
func (r *Reconciler) Run(ctx context.Context) bool {
	_, ok := r.Reconcile(ctx)
	return ok
}

// Reconcile downloads the remote treatments of the window and applies, in
// order: mark-uploaded, change detection, local deletion and import. All
// four passes use the one snapshot and are committed together. Nothing is
// changed when the download fails.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileStats, bool) {
	log := logging.Ctx(ctx)
	var stats ReconcileStats

	since := r.now().Add(-r.window)
	remote, out := r.api.FetchTreatments(ctx, since.Add(-r.tolerance), r.limit)
	if !out.OK {
		log.Warn().Err(out.Err).Msg("[reconcile] Download failed, local state left unchanged")
		return stats, false
	}
	stats.Downloaded = len(remote)
	// Judged on the raw page size: the decoder drops records without a
	// value field and splits combos, so len(remote) says nothing about it.
	stats.Truncated = out.Count >= r.limit

	tx := r.txs.Begin()
	all, err := tx.Treatments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[reconcile] Failed to load local treatments")
		return stats, false
	}

	m := newMerge(remote, all, r.api.Separator())
	for i := range all {
		if !all[i].Timestamp.Before(since) {
			m.scope = append(m.scope, i)
		}
	}

	stats.MarkedUploaded = m.markUploaded(r.tolerance)
	stats.Changed = m.detectChanges()
	if stats.Truncated {
		log.Warn().
			Int("limit", r.limit).
			Msg("[reconcile] Download hit the record limit, skipping deletion and import")
	} else {
		stats.Tombstoned = m.tombstoneMissing()
		stats.Imported = m.importNew(r.newID)
	}

	for _, i := range m.dirtyIndexes() {
		if err := tx.PutTreatment(ctx, m.local[i]); err != nil {
			log.Error().Err(err).Str("local_id", m.local[i].LocalID).Msg("[reconcile] Failed to stage treatment")
			return stats, false
		}
	}
	for _, e := range m.imported {
		if err := tx.PutTreatment(ctx, e); err != nil {
			log.Error().Err(err).Str("remote_id", e.ID).Msg("[reconcile] Failed to stage imported treatment")
			return stats, false
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("[reconcile] Commit failed")
		return stats, false
	}

	metrics.RecordReconcile(stats.MarkedUploaded, stats.Changed, stats.Tombstoned, stats.Imported, stats.Downloaded)
	log.Info().
		Int("downloaded", stats.Downloaded).
		Int("marked_uploaded", stats.MarkedUploaded).
		Int("changed", stats.Changed).
		Int("tombstoned", stats.Tombstoned).
		Int("imported", stats.Imported).
		Msg("[reconcile] Reconciliation finished")
	return stats, true
}

// merge holds one reconciliation over a remote snapshot.
type merge struct {
	sep    string
	remote []models.RemoteTreatmentRecord
	byID   map[string]int

	local []models.TreatmentEntry
	scope []int
	dirty map[int]bool
	found map[int]bool

	// held is every remote id some local entry refers to.
	held     map[string]bool
	claimed  map[string]bool
	imported []models.TreatmentEntry
}

func newMerge(remote []models.RemoteTreatmentRecord, local []models.TreatmentEntry, sep string) *merge {
	m := &merge{
		sep:     sep,
		remote:  remote,
		byID:    make(map[string]int, len(remote)),
		local:   local,
		dirty:   make(map[int]bool),
		found:   make(map[int]bool),
		held:    make(map[string]bool),
		claimed: make(map[string]bool),
	}
	for i := range remote {
		if _, dup := m.byID[remote[i].ID]; !dup {
			m.byID[remote[i].ID] = i
		}
	}
	for i := range local {
		if local[i].ID == "" {
			continue
		}
		m.held[local[i].ID] = true
		if j, ok := m.lookup(&local[i]); ok {
			m.claimed[remote[j].ID] = true
		}
	}
	return m
}

// lookup finds the remote record for a local entry. An entry keeps its id
// from creation time, but the remote record may since have gained or lost
// combo members, so the bare group id and the composite id are tried too.
func (m *merge) lookup(e *models.TreatmentEntry) (int, bool) {
	if j, ok := m.byID[e.ID]; ok && m.remote[j].Kind == e.Kind {
		return j, true
	}
	prefix := models.GroupPrefix(e.ID, m.sep)
	if j, ok := m.byID[prefix]; ok && m.remote[j].Kind == e.Kind {
		return j, true
	}
	if m.sep != "" {
		if j, ok := m.byID[nightscout.CompositeID(prefix, m.sep, e.Kind)]; ok {
			return j, true
		}
	}
	if j, ok := m.byID[e.ID]; ok {
		return j, true
	}
	return 0, false
}

// markUploaded assigns remote ids to entries created locally whose create
// response was lost or reported as duplicate. A matched tombstone gets the
// id but stays not-uploaded so the delete still goes out.
func (m *merge) markUploaded(tolerance time.Duration) int {
	n := 0
	for _, i := range m.scope {
		e := &m.local[i]
		if e.ID != "" || e.Uploaded {
			continue
		}
		for j := range m.remote {
			rec := &m.remote[j]
			if m.claimed[rec.ID] || m.held[rec.ID] || !e.Matches(rec, tolerance) {
				continue
			}
			m.claimed[rec.ID] = true
			m.held[rec.ID] = true
			e.ID = rec.ID
			e.Uploaded = !e.Deleted
			m.dirty[i] = true
			m.found[i] = true
			n++
			break
		}
	}
	return n
}

// detectChanges overwrites synced entries from their remote record when
// kind, value or timestamp differ. The server is authoritative for synced
// entries.
func (m *merge) detectChanges() int {
	n := 0
	for _, i := range m.scope {
		e := &m.local[i]
		if e.ID == "" || !e.Uploaded || e.Deleted {
			continue
		}
		j, ok := m.lookup(e)
		if !ok {
			continue
		}
		m.found[i] = true
		rec := &m.remote[j]

		if rec.ID != e.ID {
			e.ID = rec.ID
			m.dirty[i] = true
		}
		if e.DiffersFrom(rec) {
			e.Kind = rec.Kind
			e.Value = rec.Value
			e.Timestamp = rec.CreatedAt
			m.dirty[i] = true
			n++
		}
	}
	return n
}

// tombstoneMissing marks synced entries absent from the download as deleted
// by another client. The removal is already server-side, so the tombstone
// is created confirmed.
func (m *merge) tombstoneMissing() int {
	n := 0
	for _, i := range m.scope {
		e := &m.local[i]
		if !e.Uploaded || e.Deleted || e.ID == "" || m.found[i] {
			continue
		}
		e.Deleted = true
		m.dirty[i] = true
		n++
	}
	return n
}

// importNew creates local entries for remote records no local entry refers to.
func (m *merge) importNew(newID func() string) int {
	for j := range m.remote {
		rec := &m.remote[j]
		if rec.ID == "" || m.claimed[rec.ID] || m.held[rec.ID] {
			continue
		}
		m.claimed[rec.ID] = true
		m.imported = append(m.imported, models.TreatmentEntry{
			LocalID:   newID(),
			ID:        rec.ID,
			Kind:      rec.Kind,
			Value:     rec.Value,
			Timestamp: rec.CreatedAt,
			Uploaded:  true,
		})
	}
	return len(m.imported)
}

func (m *merge) dirtyIndexes() []int {
	out := make([]int, 0, len(m.dirty))
	for i := range m.local {
		if m.dirty[i] {
			out = append(out, i)
		}
	}
	return out
}
