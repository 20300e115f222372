// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/models"
)

type profileDocWire struct {
	DefaultProfile string                      `json:"defaultProfile"`
	StartDate      flexTime                    `json:"startDate"`
	CreatedAt      flexTime                    `json:"created_at"`
	Units          string                      `json:"units"`
	Store          map[string]profileStoreWire `json:"store"`
}

type profileStoreWire struct {
	DIA        flexFloat      `json:"dia"`
	Timezone   string         `json:"timezone"`
	Units      string         `json:"units"`
	CarbRatio  []scheduleWire `json:"carbratio"`
	Sens       []scheduleWire `json:"sens"`
	Basal      []scheduleWire `json:"basal"`
	TargetLow  []scheduleWire `json:"target_low"`
	TargetHigh []scheduleWire `json:"target_high"`
}

type scheduleWire struct {
	Time          string     `json:"time"`
	Value         flexFloat  `json:"value"`
	TimeAsSeconds *flexFloat `json:"timeAsSeconds"`
}

func (s *scheduleWire) offset() (time.Duration, error) {
	if s.TimeAsSeconds != nil {
		return time.Duration(float64(*s.TimeAsSeconds)) * time.Second, nil
	}
	hh, mm, ok := strings.Cut(s.Time, ":")
	if !ok {
		return 0, fmt.Errorf("schedule time %q", s.Time)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("schedule time %q: %w", s.Time, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("schedule time %q: %w", s.Time, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func convertSchedule(in []scheduleWire) ([]models.ScheduleEntry, error) {
	out := make([]models.ScheduleEntry, 0, len(in))
	for i := range in {
		off, err := in[i].offset()
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScheduleEntry{Offset: off, Value: float64(in[i].Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

// DecodeProfile parses a profile list response and returns the active
// profile of the newest document, or nil when the server has none.
func DecodeProfile(body []byte) (*models.Profile, error) {
	elems, err := decodeArray("profile", body)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, nil
	}

	var doc profileDocWire
	if err := json.Unmarshal(elems[0], &doc); err != nil {
		return nil, &DecodeError{What: "profile", Err: err}
	}

	name := doc.DefaultProfile
	store, ok := doc.Store[name]
	if !ok {
		if len(doc.Store) != 1 {
			return nil, &DecodeError{What: "profile", Err: errors.New("default profile not found in store")}
		}
		for n, s := range doc.Store {
			name, store = n, s
		}
	}

	p := &models.Profile{
		Name:      name,
		Units:     store.Units,
		Timezone:  store.Timezone,
		DIA:       float64(store.DIA),
		StartDate: doc.StartDate.UTC(),
	}
	if p.Units == "" {
		p.Units = doc.Units
	}
	if p.StartDate.IsZero() {
		p.StartDate = doc.CreatedAt.UTC()
	}

	for _, s := range []struct {
		dst *[]models.ScheduleEntry
		src []scheduleWire
	}{
		{&p.Basal, store.Basal},
		{&p.CarbRatio, store.CarbRatio},
		{&p.Sensitivity, store.Sens},
		{&p.TargetLow, store.TargetLow},
		{&p.TargetHigh, store.TargetHigh},
	} {
		entries, err := convertSchedule(s.src)
		if err != nil {
			return nil, &DecodeError{What: "profile", Err: err}
		}
		*s.dst = entries
	}
	return p, nil
}

// FetchProfile downloads the newest profile document.
func (a *API) FetchProfile(ctx context.Context) (*models.Profile, Outcome) {
	q := url.Values{}
	q.Set("count", "1")

	out := a.t.Do(ctx, Request{Method: http.MethodGet, Path: "/api/v1/profile", Query: q})
	if !out.OK {
		return nil, out
	}
	p, err := DecodeProfile(out.Body)
	if err != nil {
		return nil, failure(err)
	}
	return p, out
}
