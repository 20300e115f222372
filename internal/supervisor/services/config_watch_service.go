// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/events"
	"github.com/tomtom215/nightsync/internal/logging"
)

// SettingsPublisher announces new connection settings.
type SettingsPublisher interface {
	PublishSettingsChanged(s events.SettingsChanged) error
}

// ConfigWatchService reloads the config file when it changes. A changed
// server URL or credential is published as a settings-changed event, which
// makes the orchestrator apply it and start a pass. The log level is applied
// directly. Other settings need a restart.
type ConfigWatchService struct {
	path  string
	pub   SettingsPublisher
	load  func(path string) (*config.Config, error)
	watch func(path string, cb func()) (func() error, error)

	mu      sync.Mutex
	current events.SettingsChanged
}

// NewConfigWatchService creates the watcher. initial is the configuration
// the process started with.
func NewConfigWatchService(path string, initial *config.Config, pub SettingsPublisher) *ConfigWatchService {
	return &ConfigWatchService{
		path:    path,
		pub:     pub,
		load:    config.LoadFile,
		watch:   config.WatchConfigFile,
		current: settingsOf(initial),
	}
}

func settingsOf(cfg *config.Config) events.SettingsChanged {
	if cfg == nil {
		return events.SettingsChanged{}
	}
	return events.SettingsChanged{
		BaseURL:   cfg.Nightscout.URL,
		APISecret: cfg.Nightscout.APISecret,
		Token:     cfg.Nightscout.Token,
	}
}

// Serve implements suture.Service.
func (s *ConfigWatchService) Serve(ctx context.Context) error {
	stop, err := s.watch(s.path, s.Reload)
	if err != nil {
		return fmt.Errorf("config watcher start failed: %w", err)
	}
	logging.Info().Str("path", s.path).Msg("Watching config file")

	<-ctx.Done()

	if err := stop(); err != nil {
		return fmt.Errorf("config watcher stop failed: %w", err)
	}
	return ctx.Err()
}

// Reload reads the file and publishes changed connection settings. An
// invalid file is logged and ignored; the running settings stay.
func (s *ConfigWatchService) Reload() {
	cfg, err := s.load(s.path)
	if err != nil {
		logging.Warn().Err(err).Str("path", s.path).Msg("Ignoring invalid config file")
		return
	}
	logging.SetLevelString(cfg.Logging.Level)

	next := settingsOf(cfg)
	s.mu.Lock()
	changed := next != s.current
	s.current = next
	s.mu.Unlock()
	if !changed {
		return
	}

	logging.Info().
		Str("url", logging.RedactURL(next.BaseURL)).
		Msg("Connection settings changed")
	if err := s.pub.PublishSettingsChanged(next); err != nil {
		logging.Error().Err(err).Msg("Failed to publish settings change")
	}
}

// String implements fmt.Stringer.
func (s *ConfigWatchService) String() string {
	return "config-watcher"
}
