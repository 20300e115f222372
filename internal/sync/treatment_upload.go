// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
)

// TreatmentsAPI is the part of the Nightscout API used for treatments.
type TreatmentsAPI interface {
	Separator() string
	CreateTreatments(ctx context.Context, groups [][]models.TreatmentEntry) ([]models.RemoteTreatmentRecord, nightscout.Outcome)
	UpdateTreatment(ctx context.Context, groupID string, members []models.TreatmentEntry) nightscout.Outcome
	DeleteTreatment(ctx context.Context, groupID string) nightscout.Outcome
	FetchTreatments(ctx context.Context, since time.Time, limit int) ([]models.RemoteTreatmentRecord, nightscout.Outcome)
}

// TreatmentUploader pushes local treatment creates, updates and deletes.
type TreatmentUploader struct {
	api       TreatmentsAPI
	txs       TxSource
	tolerance time.Duration
	limit     int
}

// NewTreatmentUploader creates the treatment upload step.
func NewTreatmentUploader(api TreatmentsAPI, txs TxSource, sc *config.SyncConfig) *TreatmentUploader {
	return &TreatmentUploader{api: api, txs: txs, tolerance: sc.MatchTolerance, limit: sc.DownloadLimit}
}

// Name implements Step.
func (u *TreatmentUploader) Name() string { return "treatments" }

// Run implements Step: creates first, then updates and deletes one group
// at a time.
func (u *TreatmentUploader) Run(ctx context.Context) bool {
	ok := u.UploadCreates(ctx)
	return u.UploadChanges(ctx) && ok
}

// GroupCreates splits entries needing a create into remote records. With a
// separator configured, one insulin and one carbs entry at the exact same
// timestamp form a combo record; everything else is sent alone.
func GroupCreates(entries []models.TreatmentEntry, sep string) [][]models.TreatmentEntry {
	var groups [][]models.TreatmentEntry
	used := make([]bool, len(entries))

	for i := range entries {
		if used[i] {
			continue
		}
		used[i] = true
		group := []models.TreatmentEntry{entries[i]}

		if sep != "" && isBolusKind(entries[i].Kind) {
			for j := i + 1; j < len(entries); j++ {
				if used[j] || !isBolusKind(entries[j].Kind) || entries[j].Kind == entries[i].Kind {
					continue
				}
				if entries[j].Timestamp.Equal(entries[i].Timestamp) {
					used[j] = true
					group = append(group, entries[j])
					break
				}
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func isBolusKind(k models.TreatmentKind) bool {
	return k == models.KindInsulin || k == models.KindCarbs
}

// UploadCreates posts every entry that has no remote identifier and
// assigns the identifiers the server echoes back.
func (u *TreatmentUploader) UploadCreates(ctx context.Context) bool {
	log := logging.Ctx(ctx)
	tx := u.txs.Begin()

	pending, err := tx.PendingTreatments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[treatments] Failed to load pending treatments")
		return false
	}
	var creates []models.TreatmentEntry
	for _, e := range pending {
		if e.NeedsCreate() {
			creates = append(creates, e)
		}
	}
	if len(creates) == 0 {
		return true
	}

	groups := GroupCreates(creates, u.api.Separator())
	records, out := u.api.CreateTreatments(ctx, groups)
	metrics.RecordUpload("treatment_create", len(creates), out.OK)
	if !out.OK {
		log.Warn().Err(out.Err).Int("entries", len(creates)).Msg("[treatments] Create failed")
		return false
	}
	if out.Duplicate {
		metrics.UploadDuplicates.Inc()
		log.Info().Int("entries", len(creates)).Msg("[treatments] Server reported duplicates")
		n, err := u.resolveDuplicates(ctx, tx, creates)
		if err != nil {
			log.Warn().Err(err).Msg("[treatments] Failed to look up duplicate ids")
			return false
		}
		log.Info().Int("assigned", n).Msg("[treatments] Duplicate ids resolved")
		return true
	}

	assigned := AssignCreatedIDs(creates, records, u.tolerance)
	for i := range creates {
		if creates[i].ID == "" {
			continue
		}
		if err := tx.PutTreatment(ctx, creates[i]); err != nil {
			log.Error().Err(err).Str("local_id", creates[i].LocalID).Msg("[treatments] Failed to stage created treatment")
			return false
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("[treatments] Failed to commit created treatments")
		return false
	}

	log.Info().
		Int("entries", len(creates)).
		Int("records", len(groups)).
		Int("assigned", assigned).
		Msg("[treatments] Treatments created")
	return true
}

// resolveDuplicates fetches the remote records around the rejected creates
// and runs the mark-uploaded match over them. The reconcile step would do
// the same, but it only runs when downloads are enabled.
func (u *TreatmentUploader) resolveDuplicates(ctx context.Context, tx Tx, creates []models.TreatmentEntry) (int, error) {
	since := creates[0].Timestamp
	pending := make(map[string]bool, len(creates))
	for _, e := range creates {
		pending[e.LocalID] = true
		if e.Timestamp.Before(since) {
			since = e.Timestamp
		}
	}

	records, out := u.api.FetchTreatments(ctx, since.Add(-u.tolerance), u.limit)
	if !out.OK {
		return 0, out.Err
	}
	all, err := tx.Treatments(ctx)
	if err != nil {
		return 0, err
	}

	m := newMerge(records, all, u.api.Separator())
	for i := range all {
		if pending[all[i].LocalID] {
			m.scope = append(m.scope, i)
		}
	}
	n := m.markUploaded(u.tolerance)
	if n == 0 {
		return 0, nil
	}
	for _, i := range m.dirtyIndexes() {
		if err := tx.PutTreatment(ctx, m.local[i]); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit(ctx)
}

// AssignCreatedIDs matches each entry to an unclaimed echoed record by kind,
// value and timestamp and copies its identifier. Returns the number matched.
func AssignCreatedIDs(entries []models.TreatmentEntry, records []models.RemoteTreatmentRecord, tolerance time.Duration) int {
	claimed := make([]bool, len(records))
	n := 0
	for i := range entries {
		for j := range records {
			if claimed[j] || records[j].ID == "" || !entries[i].Matches(&records[j], tolerance) {
				continue
			}
			claimed[j] = true
			entries[i].ID = records[j].ID
			entries[i].Uploaded = true
			n++
			break
		}
	}
	return n
}

// UploadChanges sends updates and deletes, one group at a time and in
// timestamp order. A group whose members are all tombstoned is deleted; a
// group with surviving members is replaced by the survivors only.
func (u *TreatmentUploader) UploadChanges(ctx context.Context) bool {
	log := logging.Ctx(ctx)
	sep := u.api.Separator()

	pending, err := u.txs.Begin().PendingTreatments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[treatments] Failed to load pending treatments")
		return false
	}

	var prefixes []string
	seen := make(map[string]bool)
	for _, e := range pending {
		if !e.NeedsUpdate() && !e.NeedsDelete() {
			continue
		}
		p := e.GroupPrefix(sep)
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}

	ok := true
	for _, prefix := range prefixes {
		if ctx.Err() != nil {
			return false
		}
		err := u.syncGroup(ctx, prefix, sep)
		if err == nil {
			continue
		}
		ok = false
		var statusErr *nightscout.HTTPStatusError
		if !errors.As(err, &statusErr) {
			// Transport trouble affects every group alike.
			log.Warn().Err(err).Str("group", prefix).Msg("[treatments] Stopping changes after failure")
			break
		}
		log.Warn().Err(err).Str("group", prefix).Msg("[treatments] Group change rejected")
	}
	return ok
}

// syncGroup pushes the current state of one group and commits the result.
func (u *TreatmentUploader) syncGroup(ctx context.Context, prefix, sep string) error {
	tx := u.txs.Begin()
	members, err := tx.GroupMembers(ctx, prefix, sep)
	if err != nil {
		return err
	}

	var survivors, tombstones []models.TreatmentEntry
	for _, m := range members {
		if m.Deleted {
			tombstones = append(tombstones, m)
		} else {
			survivors = append(survivors, m)
		}
	}

	if len(survivors) == 0 {
		out := u.api.DeleteTreatment(ctx, prefix)
		if !out.OK && nightscout.IsHTTPStatus(out.Err, http.StatusNotFound) {
			out = nightscout.Outcome{OK: true, StatusCode: http.StatusNotFound}
		}
		metrics.RecordUpload("treatment_delete", len(tombstones), out.OK)
		if !out.OK {
			return out.Err
		}
		logging.Ctx(ctx).Info().Str("group", prefix).Int("members", len(tombstones)).Msg("[treatments] Remote treatment deleted")
	} else {
		out := u.api.UpdateTreatment(ctx, prefix, survivors)
		metrics.RecordUpload("treatment_update", len(survivors), out.OK)
		if !out.OK {
			return out.Err
		}
		for i := range survivors {
			survivors[i].ID = nightscout.MemberID(prefix, sep, survivors[i].Kind, len(survivors))
			survivors[i].Uploaded = true
			if err := tx.PutTreatment(ctx, survivors[i]); err != nil {
				return err
			}
		}
		logging.Ctx(ctx).Info().
			Str("group", prefix).
			Int("survivors", len(survivors)).
			Int("removed", len(tombstones)).
			Msg("[treatments] Remote treatment updated")
	}

	// Removal confirmed by the server; housekeeping may purge these now.
	for i := range tombstones {
		tombstones[i].Uploaded = true
		if err := tx.PutTreatment(ctx, tombstones[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
