// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/models"
)

// Nightscout treatment event types.
const (
	EventCorrectionBolus = "Correction Bolus"
	EventCarbCorrection  = "Carb Correction"
	EventMealBolus       = "Meal Bolus"
	EventExercise        = "Exercise"
	EventBGCheck         = "BG Check"
	EventSensorStart     = "Sensor Start"
	EventNote            = "Note"
	EventAnnouncement    = "Announcement"
)

// mmolToMgdl converts mmol/L finger sticks to the mg/dL values kept locally.
const mmolToMgdl = 18.0182

// kindOrder fixes the field order inside a combo record.
var kindOrder = map[models.TreatmentKind]int{
	models.KindInsulin:     0,
	models.KindCarbs:       1,
	models.KindExercise:    2,
	models.KindBGCheck:     3,
	models.KindSensorStart: 4,
	models.KindOther:       5,
}

type treatmentWire struct {
	ID        string    `json:"_id"`
	EventType string    `json:"eventType"`
	CreatedAt flexTime  `json:"created_at"`
	Mills     flexTime  `json:"mills"`
	Insulin   flexFloat `json:"insulin"`
	Carbs     flexFloat `json:"carbs"`
	Duration  flexFloat `json:"duration"`
	Glucose   flexFloat `json:"glucose"`
	Units     string    `json:"units"`
	Notes     string    `json:"notes"`
	EnteredBy string    `json:"enteredBy"`
}

type treatmentField struct {
	kind  models.TreatmentKind
	value float64
}

// fields lists the value-bearing fields of a remote treatment in kindOrder.
func (w *treatmentWire) fields() []treatmentField {
	var out []treatmentField
	if w.Insulin > 0 {
		out = append(out, treatmentField{models.KindInsulin, float64(w.Insulin)})
	}
	if w.Carbs > 0 {
		out = append(out, treatmentField{models.KindCarbs, float64(w.Carbs)})
	}
	if w.EventType == EventExercise && w.Duration > 0 {
		out = append(out, treatmentField{models.KindExercise, float64(w.Duration)})
	}
	if w.Glucose > 0 {
		v := float64(w.Glucose)
		if strings.HasPrefix(strings.ToLower(w.Units), "mmol") {
			v *= mmolToMgdl
		}
		out = append(out, treatmentField{models.KindBGCheck, v})
	}
	if len(out) > 0 {
		return out
	}

	switch w.EventType {
	case EventSensorStart:
		return []treatmentField{{models.KindSensorStart, 0}}
	case EventNote, EventAnnouncement:
		v, _ := strconv.ParseFloat(strings.TrimSpace(w.Notes), 64)
		return []treatmentField{{models.KindOther, v}}
	}
	return nil
}

// DecodeTreatments parses a treatment list response into one record per
// value-bearing field. Elements that fail to parse are skipped; only a
// broken envelope is an error.
//
// A record with a single field keeps the server _id. A record with several
// fields (insulin plus carbs) yields composite ids _id+sep+kind. With an
// empty separator grouping is off and only the first field is kept.
func DecodeTreatments(body []byte, sep string) ([]models.RemoteTreatmentRecord, error) {
	elems, err := decodeArray("treatments", body)
	if err != nil {
		return nil, err
	}

	records := make([]models.RemoteTreatmentRecord, 0, len(elems))
	for i, raw := range elems {
		var w treatmentWire
		if err := json.Unmarshal(raw, &w); err != nil {
			logging.Debug().Err(err).Int("index", i).Msg("[nightscout] Skipping malformed treatment")
			continue
		}
		if w.ID == "" {
			continue
		}
		created := w.CreatedAt.Time
		if created.IsZero() {
			created = w.Mills.Time
		}
		if created.IsZero() {
			logging.Debug().Str("id", w.ID).Msg("[nightscout] Skipping treatment without timestamp")
			continue
		}

		fields := w.fields()
		if len(fields) > 1 && sep == "" {
			fields = fields[:1]
		}
		for _, f := range fields {
			id := w.ID
			if len(fields) > 1 {
				id = CompositeID(w.ID, sep, f.kind)
			}
			records = append(records, models.RemoteTreatmentRecord{
				ID:        id,
				GroupID:   w.ID,
				Kind:      f.kind,
				Value:     f.value,
				CreatedAt: created.UTC(),
				EventType: w.EventType,
				EnteredBy: w.EnteredBy,
			})
		}
	}
	return records, nil
}

// CompositeID is the identifier of one field of a combo treatment.
func CompositeID(groupID, sep string, kind models.TreatmentKind) string {
	return groupID + sep + string(kind)
}

// MemberID returns the identifier a group member carries when the remote
// record holds memberCount fields.
func MemberID(groupID, sep string, kind models.TreatmentKind, memberCount int) string {
	if memberCount > 1 && sep != "" {
		return CompositeID(groupID, sep, kind)
	}
	return groupID
}

// eventTypeFor picks the event type for a set of member kinds.
func eventTypeFor(members []models.TreatmentEntry) string {
	var insulin, carbs bool
	for i := range members {
		switch members[i].Kind {
		case models.KindInsulin:
			insulin = true
		case models.KindCarbs:
			carbs = true
		}
	}
	switch {
	case insulin && carbs:
		return EventMealBolus
	case insulin:
		return EventCorrectionBolus
	case carbs:
		return EventCarbCorrection
	}
	switch members[0].Kind {
	case models.KindExercise:
		return EventExercise
	case models.KindBGCheck:
		return EventBGCheck
	case models.KindSensorStart:
		return EventSensorStart
	default:
		return EventNote
	}
}

// SortMembers orders group members the way they appear in a combo record.
func SortMembers(members []models.TreatmentEntry) {
	sort.SliceStable(members, func(i, j int) bool {
		return kindOrder[members[i].Kind] < kindOrder[members[j].Kind]
	})
}

// TreatmentPayload renders group members as one remote treatment. groupID is
// sent as _id when non-empty.
func (a *API) TreatmentPayload(groupID string, members []models.TreatmentEntry) map[string]interface{} {
	sorted := append([]models.TreatmentEntry(nil), members...)
	SortMembers(sorted)

	created := sorted[0].Timestamp
	for i := range sorted {
		if sorted[i].Timestamp.Before(created) {
			created = sorted[i].Timestamp
		}
	}

	p := map[string]interface{}{
		"eventType":  eventTypeFor(sorted),
		"created_at": formatTime(created),
		"enteredBy":  a.enteredBy,
	}
	if groupID != "" {
		p["_id"] = groupID
	}

	for i := range sorted {
		m := &sorted[i]
		switch m.Kind {
		case models.KindInsulin:
			p["insulin"] = m.Value
		case models.KindCarbs:
			p["carbs"] = m.Value
		case models.KindExercise:
			p["duration"] = m.Value
		case models.KindBGCheck:
			p["glucose"] = m.Value
			p["units"] = "mg/dl"
			p["glucoseType"] = "Finger"
		case models.KindOther:
			if m.Value != 0 {
				p["notes"] = strconv.FormatFloat(m.Value, 'f', -1, 64)
			}
		}
	}
	return p
}

// FetchTreatments downloads treatments created at or after since.
func (a *API) FetchTreatments(ctx context.Context, since time.Time, limit int) ([]models.RemoteTreatmentRecord, Outcome) {
	q := url.Values{}
	q.Set("find[created_at][$gte]", formatTime(since))
	q.Set("count", strconv.Itoa(limit))

	out := a.t.Do(ctx, Request{Method: http.MethodGet, Path: "/api/v1/treatments", Query: q})
	if !out.OK {
		return nil, out
	}
	records, err := DecodeTreatments(out.Body, a.sep)
	if err != nil {
		return nil, failure(err)
	}
	return records, out
}

// CreateTreatments posts one record per group and returns the records the
// server echoed back. A duplicate response succeeds with no records.
func (a *API) CreateTreatments(ctx context.Context, groups [][]models.TreatmentEntry) ([]models.RemoteTreatmentRecord, Outcome) {
	payload := make([]map[string]interface{}, 0, len(groups))
	for _, g := range groups {
		payload = append(payload, a.TreatmentPayload("", g))
	}

	out := a.t.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/api/v1/treatments",
		Body:        payload,
		RequireAuth: true,
	})
	if !out.OK || out.Duplicate {
		return nil, out
	}
	records, err := DecodeTreatments(out.Body, a.sep)
	if err != nil {
		return nil, failure(err)
	}
	return records, out
}

// UpdateTreatment replaces the remote record groupID with the given members.
func (a *API) UpdateTreatment(ctx context.Context, groupID string, members []models.TreatmentEntry) Outcome {
	return a.t.Do(ctx, Request{
		Method:      http.MethodPut,
		Path:        "/api/v1/treatments",
		Body:        a.TreatmentPayload(groupID, members),
		RequireAuth: true,
	})
}

// DeleteTreatment removes the remote record groupID.
func (a *API) DeleteTreatment(ctx context.Context, groupID string) Outcome {
	return a.t.Do(ctx, Request{
		Method:      http.MethodDelete,
		Path:        "/api/v1/treatments/" + url.PathEscape(groupID),
		RequireAuth: true,
	})
}

// CreateSensorStart posts a Sensor Start treatment.
func (a *API) CreateSensorStart(ctx context.Context, startedAt time.Time) Outcome {
	return a.t.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/api/v1/treatments",
		Body: []map[string]interface{}{{
			"eventType":  EventSensorStart,
			"created_at": formatTime(startedAt),
			"enteredBy":  a.enteredBy,
		}},
		RequireAuth: true,
	})
}
