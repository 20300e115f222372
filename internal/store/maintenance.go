// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
)

// gcDiscardRatio is the value log rewrite threshold passed to badger.
const gcDiscardRatio = 0.5

// PurgeConfirmedDeletes removes treatments whose delete the server has
// confirmed and whose timestamp is older than before. Pending tombstones
// are never touched.
func (s *Store) PurgeConfirmedDeletes(ctx context.Context, before time.Time) (int, error) {
	return s.purgeTreatments(ctx, before, (*models.TreatmentEntry).Purgeable)
}

// PurgeOrphanedDeletes removes tombstones that never received a remote
// identifier and are older than before. Once before lies outside the
// treatment window nothing can match them to a server record any more.
func (s *Store) PurgeOrphanedDeletes(ctx context.Context, before time.Time) (int, error) {
	return s.purgeTreatments(ctx, before, (*models.TreatmentEntry).Orphaned)
}

func (s *Store) purgeTreatments(_ context.Context, before time.Time, match func(*models.TreatmentEntry) bool) (int, error) {
	var n int
	err := s.update(func(txn *badger.Txn) error {
		var keys [][]byte
		if err := scanPrefix(txn, []byte(prefixTreatment), nil, func(key, val []byte) error {
			var e models.TreatmentEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return nil
			}
			if match(&e) && e.Timestamp.Before(before) {
				keys = append(keys, key)
			}
			return nil
		}); err != nil {
			return err
		}

		// Deleted after iterating; badger disallows writes mid-iteration.
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.StorePurged.Add(float64(n))
	return n, nil
}

// RunGC rewrites value log files until badger reports nothing left to do.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if err == nil {
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		return err
	}
}

// Maintainer runs periodic store housekeeping: purging server-confirmed
// deletes past the retention window, purging orphaned tombstones past the
// treatment window, and value log GC.
type Maintainer struct {
	store     *Store
	interval  time.Duration
	retention time.Duration
	orphanAge time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewMaintainer creates a housekeeping loop for s. orphanAge is the
// treatment window; zero keeps orphaned tombstones forever.
func NewMaintainer(s *Store, interval, retention, orphanAge time.Duration) *Maintainer {
	return &Maintainer{
		store:     s,
		interval:  interval,
		retention: retention,
		orphanAge: orphanAge,
		now:       time.Now,
	}
}

// Start begins the background loop. A zero interval disables it.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.interval <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	logging.Info().
		Dur("interval", m.interval).
		Dur("retention", m.retention).
		Msg("Store maintenance started")
	return nil
}

// Stop stops the loop and waits for a running pass to finish.
func (m *Maintainer) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("Store maintenance stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastRun returns the completion time of the latest pass.
func (m *Maintainer) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Maintainer) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(m.ctx)
		}
	}
}

// RunOnce performs one housekeeping pass.
func (m *Maintainer) RunOnce(ctx context.Context) {
	start := time.Now()

	purged := 0
	if m.retention > 0 {
		var err error
		purged, err = m.store.PurgeConfirmedDeletes(ctx, m.now().Add(-m.retention))
		if err != nil {
			logging.Error().Err(err).Msg("Store maintenance failed to purge deletes")
		}
	}
	if m.orphanAge > 0 {
		n, err := m.store.PurgeOrphanedDeletes(ctx, m.now().Add(-m.orphanAge))
		if err != nil {
			logging.Error().Err(err).Msg("Store maintenance failed to purge orphaned deletes")
		}
		purged += n
	}

	if err := m.store.RunGC(); err != nil {
		logging.Error().Err(err).Msg("Store maintenance GC error")
	}

	duration := time.Since(start)
	metrics.StoreMaintenanceDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()

	if purged > 0 {
		logging.Info().
			Int("purged", purged).
			Dur("duration", duration).
			Msg("Store maintenance removed deletes")
	}
}
