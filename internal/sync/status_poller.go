// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
	"github.com/tomtom215/nightsync/internal/nightscout"
)

// StatusAPI is the part of the Nightscout API the poller uses.
type StatusAPI interface {
	FetchProfile(ctx context.Context) (*models.Profile, nightscout.Outcome)
	FetchDeviceStatus(ctx context.Context, since time.Time, count int) ([]nightscout.StatusRecord, nightscout.Outcome)
}

// Poller keeps the cached device status and therapy profile current.
//
// The caches are replaced as whole values through atomic pointers, so
// readers never see a half-applied merge. Merges themselves are serialized.
type Poller struct {
	api     StatusAPI
	cfg     config.PollerConfig
	limiter *rate.Limiter
	now     func() time.Time

	mergeMu sync.Mutex
	status  atomic.Pointer[models.DeviceStatus]
	profile atomic.Pointer[models.Profile]

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller. Profile fetches are limited to one per
// ProfileMinInterval.
func NewPoller(api StatusAPI, cfg *config.PollerConfig) *Poller {
	p := &Poller{
		api:     api,
		cfg:     *cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.ProfileMinInterval), 1),
		now:     time.Now,
	}
	p.status.Store(&models.DeviceStatus{})
	return p
}

// Name implements Step.
func (p *Poller) Name() string { return "status" }

// Run implements Step.
func (p *Poller) Run(ctx context.Context) bool {
	return p.PollOnce(ctx)
}

// Status returns a copy of the cached device status.
func (p *Poller) Status() models.DeviceStatus {
	return *p.status.Load()
}

// Profile returns a copy of the cached profile, if one was accepted.
func (p *Poller) Profile() (models.Profile, bool) {
	cur := p.profile.Load()
	if cur == nil {
		return models.Profile{}, false
	}
	return *cur, true
}

// PollOnce fetches the profile (when the throttle allows) and the device
// status. Errors only touch the last-checked timestamps.
func (p *Poller) PollOnce(ctx context.Context) bool {
	ok := p.pollProfile(ctx)
	return p.pollDeviceStatus(ctx) && ok
}

func (p *Poller) pollProfile(ctx context.Context) bool {
	if !p.limiter.Allow() {
		metrics.RecordPoll("profile", "throttled")
		return true
	}

	fetched, out := p.api.FetchProfile(ctx)

	p.mergeMu.Lock()
	defer p.mergeMu.Unlock()

	now := p.now()
	var cur models.Profile
	if c := p.profile.Load(); c != nil {
		cur = *c
	}
	if cur.ResetFutureDates(now) {
		logging.Ctx(ctx).Warn().Msg("[poller] Cached profile dated in the future, forcing refresh")
	}

	if !out.OK {
		cur.LastChecked = now
		p.profile.Store(&cur)
		metrics.RecordPoll("profile", "error")
		logging.Ctx(ctx).Debug().Err(out.Err).Msg("[poller] Profile fetch failed")
		return false
	}

	if fetched == nil || !fetched.StartDate.After(cur.StartDate) {
		cur.LastChecked = now
		p.profile.Store(&cur)
		result := "stale"
		if fetched == nil {
			result = "unchanged"
		}
		metrics.RecordPoll("profile", result)
		return true
	}

	next := *fetched
	if next.ResetFutureDates(now) {
		logging.Ctx(ctx).Warn().
			Time("start_date", fetched.StartDate).
			Msg("[poller] Fetched profile dated in the future, dates cleared")
	}
	next.UpdatedDate = now
	next.LastChecked = now
	p.profile.Store(&next)
	metrics.RecordPoll("profile", "updated")
	logging.Ctx(ctx).Info().
		Str("profile", next.Name).
		Time("start_date", next.StartDate).
		Msg("[poller] Profile updated")
	return true
}

func (p *Poller) pollDeviceStatus(ctx context.Context) bool {
	since := p.now().Add(-p.cfg.LoopLookback)
	records, out := p.api.FetchDeviceStatus(ctx, since, p.cfg.StatusCount)
	if !out.OK {
		p.mergeMu.Lock()
		cur := *p.status.Load()
		cur.LastChecked = p.now()
		p.status.Store(&cur)
		p.mergeMu.Unlock()

		metrics.RecordPoll("devicestatus", "error")
		logging.Ctx(ctx).Debug().Err(out.Err).Msg("[poller] Device status fetch failed")
		return false
	}

	if p.Merge(records) {
		metrics.RecordPoll("devicestatus", "updated")
	} else {
		metrics.RecordPoll("devicestatus", "unchanged")
	}
	return true
}

// Merge folds status records into the cached device status and reports
// whether anything other than LastChecked changed.
//
// Display fields follow the newest record carrying a decision. The loop
// date follows the newest enacted decision within the look-back window and
// never moves backwards; the dosing system's advisory timestamp can advance
// it further.
func (p *Poller) Merge(records []nightscout.StatusRecord) bool {
	p.mergeMu.Lock()
	defer p.mergeMu.Unlock()

	now := p.now()
	cur := *p.status.Load()
	changed := false

	// (a) newest record with suggested or enacted data
	var latest *nightscout.StatusRecord
	for i := range records {
		r := &records[i]
		if r.HasDecision() && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	if latest != nil && latest.CreatedAt.After(cur.CreatedAt) {
		applyDisplay(&cur, latest)
		changed = true
	}

	// (b) newest enacted decision
	var enacted *nightscout.Decision
	for i := range records {
		e := records[i].Enacted
		if e != nil && (enacted == nil || e.Timestamp.After(enacted.Timestamp)) {
			enacted = e
		}
	}
	if enacted != nil && p.advancesLoop(&cur, enacted.Timestamp, now) {
		cur.LastLoopDate = enacted.Timestamp
		cur.TempBasalRate = enacted.Rate
		cur.TempBasalDuration = enacted.Duration
		cur.BolusVolume = enacted.Bolus
		changed = true
	}

	// (c) advisory timestamps of enacted cycles
	for i := range records {
		r := &records[i]
		if r.Enacted != nil && p.advancesLoop(&cur, r.Advisory, now) {
			cur.LastLoopDate = r.Advisory
			changed = true
		}
	}

	cur.LastChecked = now
	p.status.Store(&cur)
	if !cur.LastLoopDate.IsZero() {
		metrics.LastLoopAge.Set(now.Sub(cur.LastLoopDate).Seconds())
	}
	return changed
}

// advancesLoop reports whether ts is a valid new loop date.
func (p *Poller) advancesLoop(cur *models.DeviceStatus, ts, now time.Time) bool {
	if ts.IsZero() || ts.After(now) || !ts.After(cur.LastLoopDate) {
		return false
	}
	return now.Sub(ts) <= p.cfg.LoopLookback
}

// applyDisplay copies display fields from the suggested decision (falling
// back to enacted) and dosing amounts from the enacted one when present.
func applyDisplay(cur *models.DeviceStatus, r *nightscout.StatusRecord) {
	cur.CreatedAt = r.CreatedAt
	cur.Source = r.Device

	display := r.Suggested
	if display == nil {
		display = r.Enacted
	}
	cur.IOB = display.IOB
	cur.COB = display.COB
	cur.PredictedBG = display.PredictedBG
	cur.EventualBG = display.EventualBG
	cur.Reason = display.Reason
	cur.SensitivityRatio = display.SensitivityRatio
	cur.RecommendedBolus = display.RecommendedBolus

	dosing := display
	if r.Enacted != nil {
		dosing = r.Enacted
	}
	cur.TempBasalRate = dosing.Rate
	cur.TempBasalDuration = dosing.Duration
	cur.BolusVolume = dosing.Bolus

	if r.PumpBattery != nil {
		cur.PumpBattery = *r.PumpBattery
	}
	if r.PumpReservoir != nil {
		cur.PumpReservoir = *r.PumpReservoir
	}
	if r.UploaderBattery != nil {
		cur.UploaderBattery = *r.UploaderBattery
	}
}

// Start begins polling on its own interval, independent of sync passes.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.cfg.Interval <= 0 {
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PollOnce(logging.ContextWithNewCorrelationID(ctx))
			}
		}
	}()

	logging.Info().Dur("interval", p.cfg.Interval).Msg("[poller] Started")
	return nil
}

// Stop stops the polling loop.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info().Msg("[poller] Stopped")
	return nil
}
