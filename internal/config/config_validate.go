// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tomtom215/nightsync/internal/validation"
)

// Validate checks struct tag rules first, then the cross-field rules.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if err := c.validateNightscout(); err != nil {
		return err
	}

	if err := c.validateSync(); err != nil {
		return err
	}

	if err := c.validatePoller(); err != nil {
		return err
	}

	return c.validateStore()
}

// validateNightscout requires a URL only when sync is enabled. Missing
// credentials are not an error here: reads work without them and writes
// short-circuit at the transport with a configuration-missing outcome.
func (c *Config) validateNightscout() error {
	if !c.Nightscout.Enabled {
		return nil
	}
	if c.Nightscout.URL == "" {
		return fmt.Errorf("NIGHTSCOUT_URL is required when NIGHTSCOUT_ENABLED=true")
	}
	if err := validateHTTPURL(c.Nightscout.URL, "NIGHTSCOUT_URL"); err != nil {
		return err
	}
	if c.Nightscout.RequestTimeout <= 0 {
		return fmt.Errorf("NIGHTSCOUT_REQUEST_TIMEOUT must be positive, got %v", c.Nightscout.RequestTimeout)
	}
	return nil
}

// validateHTTPURL accepts http/https URLs with a host. Sub-paths are allowed
// because Nightscout is often hosted behind a reverse proxy prefix.
func validateHTTPURL(rawURL, fieldName string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s failed to parse URL: %w", fieldName, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got: %s", fieldName, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s host is required", fieldName)
	}
	if u.RawQuery != "" {
		return fmt.Errorf("%s should not contain query parameters, use NIGHTSCOUT_TOKEN for tokens", fieldName)
	}
	return nil
}

func (c *Config) validateSync() error {
	s := c.Sync
	if s.Interval < 10*time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 10s, got %v", s.Interval)
	}
	if s.MaxPassDuration <= 0 {
		return fmt.Errorf("SYNC_MAX_PASS_DURATION must be positive, got %v", s.MaxPassDuration)
	}
	if s.TreatmentWindow < time.Hour {
		return fmt.Errorf("SYNC_TREATMENT_WINDOW must be at least 1h, got %v", s.TreatmentWindow)
	}
	if s.MatchTolerance < 0 {
		return fmt.Errorf("SYNC_MATCH_TOLERANCE must not be negative, got %v", s.MatchTolerance)
	}
	if s.ReadingInterval <= 0 || s.FrequentReadingInterval <= 0 {
		return fmt.Errorf("reading intervals must be positive (got %v and %v)", s.ReadingInterval, s.FrequentReadingInterval)
	}
	if s.SpacingSlack < 0 || s.SpacingSlack >= s.FrequentReadingInterval {
		return fmt.Errorf("SYNC_SPACING_SLACK must be in [0, %v), got %v", s.FrequentReadingInterval, s.SpacingSlack)
	}
	if s.ReadingLookback <= 0 {
		return fmt.Errorf("SYNC_READING_LOOKBACK must be positive, got %v", s.ReadingLookback)
	}
	return nil
}

func (c *Config) validatePoller() error {
	if !c.Poller.Enabled {
		return nil
	}
	if c.Poller.Interval < time.Second {
		return fmt.Errorf("POLLER_INTERVAL must be at least 1s, got %v", c.Poller.Interval)
	}
	if c.Poller.ProfileMinInterval < 0 {
		return fmt.Errorf("POLLER_PROFILE_MIN_INTERVAL must not be negative, got %v", c.Poller.ProfileMinInterval)
	}
	if c.Poller.LoopLookback <= 0 {
		return fmt.Errorf("POLLER_LOOP_LOOKBACK must be positive, got %v", c.Poller.LoopLookback)
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required unless STORE_IN_MEMORY=true")
	}
	return nil
}
