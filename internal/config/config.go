// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package config

import "time"

// Config is the complete Nightsync configuration. It is built once by
// LoadWithKoanf and passed explicitly into each component at construction.
type Config struct {
	Nightscout NightscoutConfig `koanf:"nightscout"`
	Sync       SyncConfig       `koanf:"sync"`
	Poller     PollerConfig     `koanf:"poller"`
	Store      StoreConfig      `koanf:"store"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Notify     NotifyConfig     `koanf:"notify"`
}

// NightscoutConfig holds the remote server connection and upload switches.
type NightscoutConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"omitempty,url"`

	// APISecret is sent SHA-1 hashed in the api-secret header.
	APISecret string `koanf:"api_secret"`

	// Token is sent as the token query parameter.
	Token string `koanf:"token"`

	UploadReadings     bool `koanf:"upload_readings"`
	UploadTreatments   bool `koanf:"upload_treatments"`
	DownloadTreatments bool `koanf:"download_treatments"`
	UploadBattery      bool `koanf:"upload_battery"`

	// FrequentUploads shortens the reading spacing filter (Sync.FrequentReadingInterval).
	FrequentUploads bool `koanf:"frequent_uploads"`

	DeviceName string `koanf:"device_name" validate:"required,max=64"`
	EnteredBy  string `koanf:"entered_by" validate:"max=64"`

	// DosingSystem selects the device status dialect: openaps or loop.
	DosingSystem string `koanf:"dosing_system" validate:"oneof=openaps loop"`

	// DuplicateErrorCode is the application error code the server embeds in
	// an HTTP 500 body when a record already exists.
	DuplicateErrorCode int `koanf:"duplicate_error_code"`

	// GroupSeparator splits a treatment identifier into its combo group prefix.
	// Empty disables grouping.
	GroupSeparator string `koanf:"group_separator" validate:"max=4"`

	RequestTimeout    time.Duration `koanf:"request_timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
}

// HasCredentials reports whether an API secret or token is configured.
func (n *NightscoutConfig) HasCredentials() bool {
	return n.APISecret != "" || n.Token != ""
}

// SyncConfig holds orchestrator and pipeline tuning.
type SyncConfig struct {
	Interval        time.Duration `koanf:"interval"`
	MaxPassDuration time.Duration `koanf:"max_pass_duration"`

	// TreatmentWindow bounds both the local in-scope set and the remote download.
	TreatmentWindow time.Duration `koanf:"treatment_window"`
	MatchTolerance  time.Duration `koanf:"match_tolerance"`
	DownloadLimit   int           `koanf:"download_limit" validate:"min=1,max=10000"`

	ReadingLookback         time.Duration `koanf:"reading_lookback"`
	ReadingInterval         time.Duration `koanf:"reading_interval"`
	FrequentReadingInterval time.Duration `koanf:"frequent_reading_interval"`
	SpacingSlack            time.Duration `koanf:"spacing_slack"`
	BatchSize               int           `koanf:"batch_size" validate:"min=1,max=1000"`
}

// PollerConfig holds device status / profile polling settings.
type PollerConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Interval           time.Duration `koanf:"interval"`
	ProfileMinInterval time.Duration `koanf:"profile_min_interval"`
	LoopLookback       time.Duration `koanf:"loop_lookback"`
	StatusCount        int           `koanf:"status_count" validate:"min=1,max=100"`
}

// StoreConfig holds the local Badger store settings.
type StoreConfig struct {
	Path       string `koanf:"path"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`

	// GCInterval is how often value log GC and housekeeping run. Zero disables both.
	GCInterval time.Duration `koanf:"gc_interval"`

	// TombstoneRetention is how long a server-confirmed delete is kept
	// before housekeeping removes it.
	TombstoneRetention time.Duration `koanf:"tombstone_retention"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Enabled bool          `koanf:"enabled"`
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists browser origins allowed to call the admin API.
	// Empty allows none.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitRequests per RateLimitWindow per client IP on mutating routes.
	// Zero disables rate limiting.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level" validate:"oneof=trace debug info warn warning error"`

	// Format is json or console.
	Format string `koanf:"format" validate:"oneof=json console"`

	// Caller includes caller file and line number in logs.
	Caller bool `koanf:"caller"`
}

// NotifyConfig controls where user-facing messages go.
type NotifyConfig struct {
	// Desktop sends messages as desktop notifications in addition to the log.
	Desktop bool   `koanf:"desktop"`
	AppName string `koanf:"app_name"`
}
