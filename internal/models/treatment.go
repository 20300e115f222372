// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// TreatmentKind identifies what a treatment value measures.
type TreatmentKind string

// Treatment kinds understood by the engine.
const (
	KindInsulin     TreatmentKind = "insulin"
	KindCarbs       TreatmentKind = "carbs"
	KindExercise    TreatmentKind = "exercise"
	KindBGCheck     TreatmentKind = "bgcheck"
	KindSensorStart TreatmentKind = "sensorstart"
	KindOther       TreatmentKind = "other"
)

// Valid reports whether k is one of the known kinds.
func (k TreatmentKind) Valid() bool {
	switch k {
	case KindInsulin, KindCarbs, KindExercise, KindBGCheck, KindSensorStart, KindOther:
		return true
	default:
		return false
	}
}

// ErrUploadedWithoutID is returned when an entry claims to be uploaded but has no remote identifier.
var ErrUploadedWithoutID = errors.New("treatment marked uploaded without a remote identifier")

// TreatmentEntry is a locally owned treatment.
//
// LocalID is the store key and never changes. ID is the identifier assigned by
// the remote server; it is empty until the entry has been created remotely.
// Entries sharing a group prefix in ID belong to one combo treatment.
type TreatmentEntry struct {
	LocalID   string        `json:"local_id"`
	ID        string        `json:"id"`
	Kind      TreatmentKind `json:"kind"`
	Value     float64       `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
	Uploaded  bool          `json:"uploaded"`
	Deleted   bool          `json:"deleted"`
}

// Validate checks the entry invariants.
func (t *TreatmentEntry) Validate() error {
	if t.Uploaded && t.ID == "" {
		return ErrUploadedWithoutID
	}
	return nil
}

// HasRemoteID reports whether the server has assigned an identifier.
func (t *TreatmentEntry) HasRemoteID() bool {
	return t.ID != ""
}

// NeedsCreate reports whether the entry has never been sent to the server.
func (t *TreatmentEntry) NeedsCreate() bool {
	return t.ID == "" && !t.Deleted
}

// NeedsUpdate reports whether a previously uploaded entry changed locally.
func (t *TreatmentEntry) NeedsUpdate() bool {
	return t.ID != "" && !t.Uploaded && !t.Deleted
}

// NeedsDelete reports whether a tombstone still has to be propagated.
func (t *TreatmentEntry) NeedsDelete() bool {
	return t.Deleted && t.ID != "" && !t.Uploaded
}

// Purgeable reports whether housekeeping may physically remove the entry.
// Only a server-confirmed delete makes an entry purgeable.
func (t *TreatmentEntry) Purgeable() bool {
	return t.Deleted && t.Uploaded
}

// Orphaned reports whether the entry was deleted before the server ever
// assigned it an identifier. Only the mark-uploaded match, which looks at
// the treatment window, can still give it one.
func (t *TreatmentEntry) Orphaned() bool {
	return t.Deleted && t.ID == ""
}

// GroupPrefix returns the combo-group part of the remote identifier.
// An empty separator disables grouping and the whole identifier is returned.
func (t *TreatmentEntry) GroupPrefix(sep string) string {
	return GroupPrefix(t.ID, sep)
}

// GroupPrefix returns the part of id before the first sep.
func GroupPrefix(id, sep string) string {
	if sep == "" {
		return id
	}
	if i := strings.Index(id, sep); i >= 0 {
		return id[:i]
	}
	return id
}

// Matches reports whether a remote record describes the same treatment as
// this local entry: equal kind, equal value and timestamps within tolerance.
func (t *TreatmentEntry) Matches(r *RemoteTreatmentRecord, tolerance time.Duration) bool {
	if t.Kind != r.Kind {
		return false
	}
	if !floatEqual(t.Value, r.Value) {
		return false
	}
	return absDuration(t.Timestamp.Sub(r.CreatedAt)) <= tolerance
}

// DiffersFrom reports whether any synced field differs from the remote record.
func (t *TreatmentEntry) DiffersFrom(r *RemoteTreatmentRecord) bool {
	return t.Kind != r.Kind ||
		!floatEqual(t.Value, r.Value) ||
		!t.Timestamp.Equal(r.CreatedAt)
}

// RemoteTreatmentRecord is one value-bearing field of a remote treatment.
//
// ID is the identifier used for local correlation. For combo treatments
// (for example insulin plus carbs in one remote record) each field gets a
// composite ID of GroupID, separator and kind; otherwise ID equals GroupID.
type RemoteTreatmentRecord struct {
	ID        string
	GroupID   string
	Kind      TreatmentKind
	Value     float64
	CreatedAt time.Time
	EventType string
	EnteredBy string
}

// floatEqual compares treatment values, which are entered with at most
// a few decimals.
func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
