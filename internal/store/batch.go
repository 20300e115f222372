// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
)

// Batch stages the writes of one sync pass and commits them together.
//
// Reads see committed data overlaid with the batch's own staged writes.
// Every treatment and sensor read through the batch remembers the bytes it
// was read as; at commit a staged write whose key changed underneath it (a
// local edit during the pass) is merged instead of overwriting the edit.
// Cursor changes are staged as functions and replayed on the latest cursor
// at commit, so a concurrently raised sync-required flag is never lost.
type Batch struct {
	s *Store

	mu        sync.Mutex
	bases     map[string][]byte
	staged    map[string][]byte
	cursorOps []func(*models.SyncCursor)
}

func newBatch(s *Store) *Batch {
	return &Batch{
		s:      s,
		bases:  make(map[string][]byte),
		staged: make(map[string][]byte),
	}
}

// Pending returns the number of staged writes.
func (b *Batch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged) + len(b.cursorOps)
}

func (b *Batch) remember(key, raw []byte) {
	k := string(key)
	if _, ok := b.bases[k]; !ok {
		b.bases[k] = append([]byte(nil), raw...)
	}
}

func (b *Batch) stage(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b.staged[string(key)] = data
	metrics.StorePendingWrites.Set(float64(len(b.staged) + len(b.cursorOps)))
	return nil
}

// treatments returns all treatments with staged versions overlaid.
func (b *Batch) treatments() ([]models.TreatmentEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byKey := make(map[string]models.TreatmentEntry)
	err := b.s.view(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixTreatment), nil, func(key, val []byte) error {
			var e models.TreatmentEntry
			if err := json.Unmarshal(val, &e); err != nil {
				logging.Warn().Err(err).Str("key", string(key)).Msg("Store skipping undecodable treatment")
				return nil
			}
			b.remember(key, val)
			byKey[string(key)] = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for k, raw := range b.staged {
		if len(k) < len(prefixTreatment) || k[:len(prefixTreatment)] != prefixTreatment {
			continue
		}
		var e models.TreatmentEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		byKey[k] = e
	}

	out := make([]models.TreatmentEntry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sortTreatments(out)
	return out, nil
}

// TreatmentsSince returns entries, tombstones included, with a timestamp at
// or after since.
func (b *Batch) TreatmentsSince(_ context.Context, since time.Time) ([]models.TreatmentEntry, error) {
	all, err := b.treatments()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// PendingTreatments returns entries that need a create, update or delete.
func (b *Batch) PendingTreatments(_ context.Context) ([]models.TreatmentEntry, error) {
	all, err := b.treatments()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.NeedsCreate() || e.NeedsUpdate() || e.NeedsDelete() {
			out = append(out, e)
		}
	}
	return out, nil
}

// GroupMembers returns every entry whose remote id shares the group prefix.
func (b *Batch) GroupMembers(_ context.Context, prefix, sep string) ([]models.TreatmentEntry, error) {
	all, err := b.treatments()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.ID != "" && e.GroupPrefix(sep) == prefix {
			out = append(out, e)
		}
	}
	return out, nil
}

// Treatments returns every entry, tombstones included.
func (b *Batch) Treatments(_ context.Context) ([]models.TreatmentEntry, error) {
	return b.treatments()
}

// PutTreatment stages e.
func (b *Batch) PutTreatment(_ context.Context, e models.TreatmentEntry) error {
	if err := validateTreatment(&e); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stage(treatmentKey(e.LocalID), e)
}

// ReadingsAfter returns readings strictly newer than after, oldest first.
func (b *Batch) ReadingsAfter(_ context.Context, after time.Time) ([]models.Reading, error) {
	var out []models.Reading
	err := b.s.view(func(txn *badger.Txn) error {
		seek := timeKey(prefixReading, after.Add(time.Nanosecond), "")
		return scanPrefix(txn, []byte(prefixReading), seek, func(_, val []byte) error {
			var r models.Reading
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// CalibrationsAfter returns calibrations strictly newer than after, oldest first.
func (b *Batch) CalibrationsAfter(_ context.Context, after time.Time) ([]models.Calibration, error) {
	var out []models.Calibration
	err := b.s.view(func(txn *badger.Txn) error {
		seek := timeKey(prefixCalibration, after.Add(time.Nanosecond), "")
		return scanPrefix(txn, []byte(prefixCalibration), seek, func(_, val []byte) error {
			var c models.Calibration
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// UnuploadedSensors returns sensor sessions not yet reported to the server.
func (b *Batch) UnuploadedSensors(_ context.Context) ([]models.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.Sensor
	err := b.s.view(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixSensor), nil, func(key, val []byte) error {
			var s models.Sensor
			if err := json.Unmarshal(val, &s); err != nil {
				return err
			}
			if raw, ok := b.staged[string(key)]; ok {
				if err := json.Unmarshal(raw, &s); err != nil {
					return err
				}
			} else {
				b.remember(key, val)
			}
			if !s.Uploaded {
				out = append(out, s)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, err
}

// PutSensor stages a sensor update.
func (b *Batch) PutSensor(_ context.Context, s models.Sensor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stage(sensorKey(s.ID), s)
}

// LatestBattery returns the latest battery state, or ErrNotFound.
func (b *Batch) LatestBattery(_ context.Context) (models.BatteryInfo, error) {
	var info models.BatteryInfo
	err := b.s.view(func(txn *badger.Txn) error {
		_, err := getJSON(txn, []byte(keyBattery), &info)
		return err
	})
	return info, err
}

// Cursor returns the committed cursor with staged changes applied.
func (b *Batch) Cursor(ctx context.Context) (models.SyncCursor, error) {
	c, err := b.s.Cursor(ctx)
	if err != nil {
		return c, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range b.cursorOps {
		op(&c)
	}
	return c, nil
}

// UpdateCursor stages fn; it is replayed on the latest cursor at commit.
func (b *Batch) UpdateCursor(_ context.Context, fn func(*models.SyncCursor)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursorOps = append(b.cursorOps, fn)
	metrics.StorePendingWrites.Set(float64(len(b.staged) + len(b.cursorOps)))
	return nil
}

// Commit writes all staged changes in one transaction and resets the batch.
// On error nothing is written and the staged changes are kept.
func (b *Batch) Commit(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.staged) == 0 && len(b.cursorOps) == 0 {
		return nil
	}

	merged := 0
	err := b.s.update(func(txn *badger.Txn) error {
		merged = 0
		for k, raw := range b.staged {
			key := []byte(k)
			current, err := getJSON(txn, key, nil)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			base, hadBase := b.bases[k]
			conflict := hadBase && !bytes.Equal(base, current)

			switch {
			case bytes.HasPrefix(key, []byte(prefixTreatment)):
				if err := commitTreatment(txn, raw, current, conflict); err != nil {
					return err
				}
			case conflict:
				// Sensors: the local producer's version wins.
			default:
				if err := txn.Set(key, raw); err != nil {
					return err
				}
			}
			if conflict {
				merged++
			}
		}

		if len(b.cursorOps) > 0 {
			c, err := readCursor(txn)
			if err != nil {
				return err
			}
			for _, op := range b.cursorOps {
				op(&c)
			}
			if err := setJSON(txn, []byte(keyCursor), c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	if merged > 0 {
		logging.Debug().Int("merged", merged).Msg("Store merged staged writes with concurrent local edits")
	}
	b.staged = make(map[string][]byte)
	b.bases = make(map[string][]byte)
	b.cursorOps = nil
	metrics.StorePendingWrites.Set(0)
	return nil
}

// commitTreatment writes a staged treatment. On conflict the locally edited
// version is kept, but a remote id the pass learned is carried over and the
// entry is flagged not-uploaded so the edit is pushed as an update.
func commitTreatment(txn *badger.Txn, staged, current []byte, conflict bool) error {
	var next models.TreatmentEntry
	if err := json.Unmarshal(staged, &next); err != nil {
		return err
	}

	var prev models.TreatmentEntry
	if current != nil {
		if err := json.Unmarshal(current, &prev); err != nil {
			return err
		}
	}

	if conflict && current != nil {
		edited := prev
		if edited.ID == "" && next.ID != "" {
			edited.ID = next.ID
			edited.Uploaded = false
		}
		return writeTreatment(txn, &edited)
	}
	return writeTreatment(txn, &next)
}
