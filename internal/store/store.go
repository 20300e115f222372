// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
)

// Prefix keys for the record types.
const (
	prefixTreatment   = "treatment:"
	prefixReading     = "reading:"
	prefixCalibration = "calibration:"
	prefixSensor      = "sensor:"
	keyBattery        = "battery"
	keyCursor         = "cursor"
)

// Errors
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// Store is the local record store on top of BadgerDB.
//
// Direct methods (SaveTreatment, SaveReading, UpdateCursor, ...) commit
// immediately and are used by local producers. A sync pass works through a
// Batch instead, which stages its writes and commits them in one
// transaction. All commits are serialized by writeMu, so the store has a
// single writer at any time.
type Store struct {
	db      *badger.DB
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store described by cfg.
func Open(cfg *config.StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
		opts.SyncWrites = cfg.SyncWrites
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Store opened")
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store. Intended for tests.
func OpenInMemory() (*Store, error) {
	return Open(&config.StoreConfig{InMemory: true})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// update runs fn in a read-write transaction under the writer lock.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(fn)
	metrics.RecordStoreCommit(err)
	return err
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// Keys

func treatmentKey(localID string) []byte { return []byte(prefixTreatment + localID) }
func sensorKey(id string) []byte { return []byte(prefixSensor + id) }

// timeKey sorts lexically in time order for non-negative Unix times.
func timeKey(prefix string, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefix, t.UnixNano(), id))
}

// Low-level helpers

func getJSON(txn *badger.Txn, key []byte, dst interface{}) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return raw, nil
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// scanPrefix calls fn for each value under prefix, starting at seek.
func scanPrefix(txn *badger.Txn, prefix, seek []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	if seek == nil {
		seek = prefix
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if err := item.Value(func(val []byte) error {
			return fn(item.KeyCopy(nil), val)
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeTreatment(txn *badger.Txn, e *models.TreatmentEntry) error {
	return setJSON(txn, treatmentKey(e.LocalID), e)
}

func validateTreatment(e *models.TreatmentEntry) error {
	if e.LocalID == "" {
		return fmt.Errorf("%w: treatment without local id", ErrInvalidRecord)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown treatment kind %q", ErrInvalidRecord, e.Kind)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Direct operations

// SaveTreatment creates or replaces a treatment entry.
func (s *Store) SaveTreatment(_ context.Context, e models.TreatmentEntry) error {
	if err := validateTreatment(&e); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return writeTreatment(txn, &e)
	})
}

// Treatment returns the entry with the given local id.
func (s *Store) Treatment(_ context.Context, localID string) (models.TreatmentEntry, error) {
	var e models.TreatmentEntry
	err := s.view(func(txn *badger.Txn) error {
		_, err := getJSON(txn, treatmentKey(localID), &e)
		return err
	})
	return e, err
}

// Treatments returns every treatment entry ordered by timestamp.
func (s *Store) Treatments(_ context.Context) ([]models.TreatmentEntry, error) {
	var out []models.TreatmentEntry
	err := s.view(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixTreatment), nil, func(_, val []byte) error {
			var e models.TreatmentEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	sortTreatments(out)
	return out, err
}

// SaveReading stores a CGM reading.
func (s *Store) SaveReading(_ context.Context, r models.Reading) error {
	if r.ID == "" || r.Timestamp.IsZero() {
		return fmt.Errorf("%w: reading needs id and timestamp", ErrInvalidRecord)
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, timeKey(prefixReading, r.Timestamp, r.ID), r)
	})
}

// SaveCalibration stores a calibration.
func (s *Store) SaveCalibration(_ context.Context, c models.Calibration) error {
	if c.ID == "" || c.Timestamp.IsZero() {
		return fmt.Errorf("%w: calibration needs id and timestamp", ErrInvalidRecord)
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, timeKey(prefixCalibration, c.Timestamp, c.ID), c)
	})
}

// SaveSensor creates or replaces a sensor session.
func (s *Store) SaveSensor(_ context.Context, sensor models.Sensor) error {
	if sensor.ID == "" {
		return fmt.Errorf("%w: sensor needs id", ErrInvalidRecord)
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, sensorKey(sensor.ID), sensor)
	})
}

// SaveBattery records the latest uploader battery state.
func (s *Store) SaveBattery(_ context.Context, b models.BatteryInfo) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(keyBattery), b)
	})
}

// Cursor returns the committed sync cursor.
func (s *Store) Cursor(_ context.Context) (models.SyncCursor, error) {
	var c models.SyncCursor
	err := s.view(func(txn *badger.Txn) error {
		var err error
		c, err = readCursor(txn)
		return err
	})
	return c, err
}

// UpdateCursor applies fn to the latest cursor and commits the result.
func (s *Store) UpdateCursor(_ context.Context, fn func(*models.SyncCursor)) error {
	return s.update(func(txn *badger.Txn) error {
		c, err := readCursor(txn)
		if err != nil {
			return err
		}
		fn(&c)
		return setJSON(txn, []byte(keyCursor), c)
	})
}

func readCursor(txn *badger.Txn) (models.SyncCursor, error) {
	c := models.NewSyncCursor()
	if _, err := getJSON(txn, []byte(keyCursor), &c); err != nil && !errors.Is(err, ErrNotFound) {
		return c, err
	}
	return c, nil
}

// Counts summarizes the store for status reporting.
type Counts struct {
	Treatments        int `json:"treatments"`
	PendingTreatments int `json:"pending_treatments"`
	Tombstones        int `json:"tombstones"`
	Readings          int `json:"readings"`
	Calibrations      int `json:"calibrations"`
}

// Counts returns record counts.
func (s *Store) Counts(_ context.Context) (Counts, error) {
	var c Counts
	err := s.view(func(txn *badger.Txn) error {
		if err := scanPrefix(txn, []byte(prefixTreatment), nil, func(_, val []byte) error {
			var e models.TreatmentEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			c.Treatments++
			if e.NeedsCreate() || e.NeedsUpdate() || e.NeedsDelete() {
				c.PendingTreatments++
			}
			if e.Deleted {
				c.Tombstones++
			}
			return nil
		}); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		for _, p := range []struct {
			prefix string
			n      *int
		}{{prefixReading, &c.Readings}, {prefixCalibration, &c.Calibrations}} {
			opts.Prefix = []byte(p.prefix)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				*p.n++
			}
			it.Close()
		}
		return nil
	})
	return c, err
}

// NewBatch starts a unit of work for one sync pass.
func (s *Store) NewBatch() *Batch {
	return newBatch(s)
}

func sortTreatments(es []models.TreatmentEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Timestamp.Equal(es[j].Timestamp) {
			return es[i].LocalID < es[j].LocalID
		}
		return es[i].Timestamp.Before(es[j].Timestamp)
	})
}
