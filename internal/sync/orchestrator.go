// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/nightsync/internal/events"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
	"github.com/tomtom215/nightsync/internal/models"
)

// Trigger sources
const (
	SourceStartup  = "startup"
	SourceTimer    = "timer"
	SourceManual   = "manual"
	SourceSettings = "settings"
	SourceFlag     = "flag"
)

// Step is one stage of a sync pass. Run reports whether the stage
// succeeded; a failed stage does not stop later stages.
type Step interface {
	Name() string
	Run(ctx context.Context) bool
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context) bool
}

// Name implements Step.
func (s StepFunc) Name() string { return s.StepName }

// Run implements Step.
func (s StepFunc) Run(ctx context.Context) bool { return s.Fn(ctx) }

// Subscriber is the part of the event bus the orchestrator consumes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// PassResult summarizes one finished pass.
type PassResult struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	OK        bool            `json:"ok"`
	Steps     map[string]bool `json:"steps"`
}

// State is a snapshot of the orchestrator.
type State struct {
	Running      bool        `json:"running"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	RerunPending bool        `json:"rerun_pending"`
	Passes       int64       `json:"passes"`
	LastPass     *PassResult `json:"last_pass,omitempty"`
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	// Interval is the periodic trigger. Zero disables the timer.
	Interval time.Duration

	// MaxPassDuration is how long a pass may run before a new trigger
	// presumes it stuck and starts over. Passes are also cancelled after it.
	MaxPassDuration time.Duration
}

// Orchestrator runs sync passes so that at most one is active at a time.
//
// A trigger while a pass runs sets a rerun flag; any number of such triggers
// collapse into one follow-up pass. A pass older than MaxPassDuration is
// presumed stuck: the next trigger starts a new generation and the old
// goroutine, when it eventually returns, no longer touches shared state.
type Orchestrator struct {
	steps  []Step
	cursor CursorAccessor
	cfg    OrchestratorConfig

	bus             Subscriber
	applySettings   func(events.SettingsChanged)
	onPassCompleted func(PassResult)

	now func() time.Time

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	rerun      bool
	generation uint64
	passes     int64
	lastPass   *PassResult
	baseCtx    context.Context

	// Lifecycle
	lifeMu   sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	passesWG sync.WaitGroup
}

// NewOrchestrator creates an orchestrator running steps in order.
func NewOrchestrator(cursor CursorAccessor, cfg OrchestratorConfig, steps ...Step) *Orchestrator {
	if cfg.MaxPassDuration <= 0 {
		cfg.MaxPassDuration = 5 * time.Minute
	}
	return &Orchestrator{
		steps:   steps,
		cursor:  cursor,
		cfg:     cfg,
		now:     time.Now,
		baseCtx: context.Background(),
	}
}

// SetBus subscribes the orchestrator to sync-required and settings-changed
// events. apply is called with new connection settings before the
// triggered pass.
func (o *Orchestrator) SetBus(bus Subscriber, apply func(events.SettingsChanged)) {
	o.bus = bus
	o.applySettings = apply
}

// SetOnPassCompleted sets a callback invoked after every pass.
func (o *Orchestrator) SetOnPassCompleted(fn func(PassResult)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPassCompleted = fn
}

// Trigger requests a sync pass. It returns true when a new pass was
// started and false when the request was folded into the running one.
func (o *Orchestrator) Trigger(source string) bool {
	o.mu.Lock()
	now := o.now()
	if o.running {
		if now.Sub(o.startedAt) < o.cfg.MaxPassDuration {
			o.rerun = true
			o.mu.Unlock()
			metrics.RecordTrigger(source, "coalesced")
			logging.Debug().Str("source", source).Msg("[orchestrator] Pass running, rerun requested")
			return false
		}
		metrics.RecordTrigger(source, "stuck_restart")
		logging.Warn().
			Str("source", source).
			Time("started_at", o.startedAt).
			Dur("max_pass_duration", o.cfg.MaxPassDuration).
			Msg("[orchestrator] Pass exceeded max duration, starting a new one")
	} else {
		metrics.RecordTrigger(source, "started")
	}

	o.running = true
	o.startedAt = now
	o.rerun = false
	o.generation++
	gen := o.generation
	ctx := o.baseCtx
	o.passesWG.Add(1)
	o.mu.Unlock()

	metrics.SyncRunning.Set(1)
	go o.loop(ctx, gen, source)
	return true
}

// loop runs passes for one generation until no rerun is pending.
func (o *Orchestrator) loop(ctx context.Context, gen uint64, source string) {
	defer o.passesWG.Done()

	for {
		o.runPass(ctx, gen, source)

		o.mu.Lock()
		if o.generation != gen {
			o.mu.Unlock()
			return
		}
		if o.rerun && ctx.Err() == nil {
			o.rerun = false
			o.startedAt = o.now()
			o.mu.Unlock()
			source = "rerun"
			continue
		}
		o.running = false
		o.rerun = false
		o.mu.Unlock()
		metrics.SyncRunning.Set(0)
		return
	}
}

// runPass executes every step once.
func (o *Orchestrator) runPass(parent context.Context, gen uint64, source string) {
	ctx, cancel := context.WithTimeout(logging.ContextWithNewCorrelationID(parent), o.cfg.MaxPassDuration)
	defer cancel()
	log := logging.Ctx(ctx)

	res := PassResult{
		ID:        logging.CorrelationIDFromContext(ctx),
		Source:    source,
		StartedAt: o.now(),
		OK:        true,
		Steps:     make(map[string]bool, len(o.steps)),
	}
	log.Info().Str("source", source).Msg("[orchestrator] Sync pass started")

	// The flag is cleared before any work so a local change made during the
	// pass raises it again and is seen below.
	if err := o.cursor.UpdateCursor(ctx, func(c *models.SyncCursor) { c.SyncRequired = false }); err != nil {
		log.Warn().Err(err).Msg("[orchestrator] Failed to clear sync-required flag")
	}

	for _, step := range o.steps {
		if ctx.Err() != nil {
			res.OK = false
			res.Steps[step.Name()] = false
			continue
		}
		ok := o.runStep(ctx, step)
		res.Steps[step.Name()] = ok
		if !ok {
			res.OK = false
		}
	}

	if c, err := o.cursor.Cursor(ctx); err == nil && c.SyncRequired {
		o.mu.Lock()
		if o.generation == gen {
			o.rerun = true
		}
		o.mu.Unlock()
		log.Debug().Msg("[orchestrator] Sync required raised during pass")
	}

	res.Duration = o.now().Sub(res.StartedAt)
	metrics.RecordSyncPass(res.Duration, res.OK)

	o.mu.Lock()
	current := o.generation == gen
	if current {
		o.passes++
		o.lastPass = &res
	}
	cb := o.onPassCompleted
	o.mu.Unlock()

	log.Info().
		Bool("ok", res.OK).
		Dur("duration", res.Duration).
		Interface("steps", res.Steps).
		Msg("[orchestrator] Sync pass finished")

	if current && cb != nil {
		cb(res)
	}
}

// runStep runs one step and converts a panic into a failed step so the
// orchestrator always returns to idle.
func (o *Orchestrator) runStep(ctx context.Context, step Step) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Ctx(ctx).Error().
				Str("step", step.Name()).
				Str("panic", fmt.Sprint(r)).
				Msg("[orchestrator] Step panicked")
			ok = false
		}
	}()
	return step.Run(ctx)
}

// State returns a snapshot of the orchestrator.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := State{
		Running:      o.running,
		RerunPending: o.rerun,
		Passes:       o.passes,
	}
	if o.running {
		s.StartedAt = o.startedAt
	}
	if o.lastPass != nil {
		p := *o.lastPass
		s.LastPass = &p
	}
	return s
}

// ErrAlreadyRunning is returned by Start on a running orchestrator.
var ErrAlreadyRunning = errors.New("orchestrator is already running")

// Start begins the timer and event loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.started {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)

	var syncCh, settingsCh <-chan *message.Message
	if o.bus != nil {
		var err error
		if syncCh, err = o.bus.Subscribe(ctx, events.TopicSyncRequired); err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", events.TopicSyncRequired, err)
		}
		if settingsCh, err = o.bus.Subscribe(ctx, events.TopicSettingsChanged); err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", events.TopicSettingsChanged, err)
		}
	}

	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	o.started = true
	o.cancel = cancel
	o.wg.Add(1)
	go o.serve(ctx, syncCh, settingsCh)

	logging.Info().
		Dur("interval", o.cfg.Interval).
		Dur("max_pass_duration", o.cfg.MaxPassDuration).
		Int("steps", len(o.steps)).
		Msg("[orchestrator] Started")
	return nil
}

// Stop cancels running passes and waits for them to return.
func (o *Orchestrator) Stop() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if !o.started {
		return nil
	}
	o.cancel()
	o.wg.Wait()
	o.passesWG.Wait()
	o.started = false

	o.mu.Lock()
	o.baseCtx = context.Background()
	o.mu.Unlock()

	logging.Info().Msg("[orchestrator] Stopped")
	return nil
}

func (o *Orchestrator) serve(ctx context.Context, syncCh, settingsCh <-chan *message.Message) {
	defer o.wg.Done()

	var tick <-chan time.Time
	if o.cfg.Interval > 0 {
		ticker := time.NewTicker(o.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	o.Trigger(SourceStartup)

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			o.Trigger(SourceTimer)

		case msg, ok := <-syncCh:
			if !ok {
				syncCh = nil
				continue
			}
			var ev events.SyncRequired
			if err := events.Decode(msg, &ev); err != nil {
				logging.Warn().Err(err).Msg("[orchestrator] Ignoring malformed sync event")
				ev.Source = SourceFlag
			}
			msg.Ack()
			if ev.Source == "" {
				ev.Source = SourceFlag
			}
			o.Trigger(ev.Source)

		case msg, ok := <-settingsCh:
			if !ok {
				settingsCh = nil
				continue
			}
			var ev events.SettingsChanged
			err := events.Decode(msg, &ev)
			msg.Ack()
			if err != nil {
				logging.Warn().Err(err).Msg("[orchestrator] Ignoring malformed settings event")
				continue
			}
			if o.applySettings != nil {
				o.applySettings(ev)
			}
			logging.Info().Str("url", logging.RedactURL(ev.BaseURL)).Msg("[orchestrator] Connection settings changed")
			o.Trigger(SourceSettings)
		}
	}
}
