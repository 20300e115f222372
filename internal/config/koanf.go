// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
var DefaultConfigPaths = []string{
	"nightsync.yaml",
	"nightsync.yml",
	"/etc/nightsync/config.yaml",
	"/etc/nightsync/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults. Timing constants follow the
// behaviour Nightscout uploaders have converged on: 30s profile throttle,
// 12h loop look-back, 500 readings per request.
func defaultConfig() *Config {
	return &Config{
		Nightscout: NightscoutConfig{
			Enabled:            true,
			UploadReadings:     true,
			UploadTreatments:   true,
			DownloadTreatments: true,
			UploadBattery:      true,
			FrequentUploads:    false,
			DeviceName:         "nightsync",
			EnteredBy:          "nightsync",
			DosingSystem:       "openaps",
			DuplicateErrorCode: 66,
			GroupSeparator:     "-",
			RequestTimeout:     30 * time.Second,
			RequestsPerSecond:  5,
		},
		Sync: SyncConfig{
			Interval:                5 * time.Minute,
			MaxPassDuration:         5 * time.Minute,
			TreatmentWindow:         7 * 24 * time.Hour,
			MatchTolerance:          5 * time.Second,
			DownloadLimit:           1000,
			ReadingLookback:         7 * 24 * time.Hour,
			ReadingInterval:         5 * time.Minute,
			FrequentReadingInterval: time.Minute,
			SpacingSlack:            10 * time.Second,
			BatchSize:               500,
		},
		Poller: PollerConfig{
			Enabled:            true,
			Interval:           time.Minute,
			ProfileMinInterval: 30 * time.Second,
			LoopLookback:       12 * time.Hour,
			StatusCount:        10,
		},
		Store: StoreConfig{
			Path:       "/var/lib/nightsync",
			InMemory:   false,
			SyncWrites: true,

			GCInterval:         10 * time.Minute,
			TombstoneRetention: 30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    17580,
			Timeout: 30 * time.Second,

			CORSOrigins:       []string{},
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Notify: NotifyConfig{
			Desktop: false,
			AppName: "Nightsync",
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. built-in defaults
//  2. optional YAML file (CONFIG_PATH or DefaultConfigPaths)
//  3. environment variables (highest priority)
//
// The result is validated before it is returned.
func LoadWithKoanf() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile loads configuration from an explicit file path, still applying
// defaults below it and environment variables above it. Used on reload.
func LoadFile(path string) (*Config, error) {
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Nightscout.URL = strings.TrimRight(cfg.Nightscout.URL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFilePath returns the config file LoadWithKoanf would use, or "".
func ConfigFilePath() string {
	return findConfigFile()
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Unmapped variables are ignored so the process environment cannot pollute
// the configuration.
var envMappings = map[string]string{
	"nightscout_enabled":             "nightscout.enabled",
	"nightscout_url":                 "nightscout.url",
	"nightscout_api_secret":          "nightscout.api_secret",
	"api_secret":                     "nightscout.api_secret",
	"nightscout_token":               "nightscout.token",
	"nightscout_upload_readings":     "nightscout.upload_readings",
	"nightscout_upload_treatments":   "nightscout.upload_treatments",
	"nightscout_download_treatments": "nightscout.download_treatments",
	"nightscout_upload_battery":      "nightscout.upload_battery",
	"nightscout_frequent_uploads":    "nightscout.frequent_uploads",
	"nightscout_device_name":         "nightscout.device_name",
	"nightscout_entered_by":          "nightscout.entered_by",
	"nightscout_dosing_system":       "nightscout.dosing_system",
	"nightscout_duplicate_code":      "nightscout.duplicate_error_code",
	"nightscout_group_separator":     "nightscout.group_separator",
	"nightscout_request_timeout":     "nightscout.request_timeout",
	"nightscout_requests_per_second": "nightscout.requests_per_second",

	"sync_interval":                  "sync.interval",
	"sync_max_pass_duration":         "sync.max_pass_duration",
	"sync_treatment_window":          "sync.treatment_window",
	"sync_match_tolerance":           "sync.match_tolerance",
	"sync_download_limit":            "sync.download_limit",
	"sync_reading_lookback":          "sync.reading_lookback",
	"sync_reading_interval":          "sync.reading_interval",
	"sync_frequent_reading_interval": "sync.frequent_reading_interval",
	"sync_spacing_slack":             "sync.spacing_slack",
	"sync_batch_size":                "sync.batch_size",

	"poller_enabled":              "poller.enabled",
	"poller_interval":             "poller.interval",
	"poller_profile_min_interval": "poller.profile_min_interval",
	"poller_loop_lookback":        "poller.loop_lookback",
	"poller_status_count":         "poller.status_count",

	"store_path":        "store.path",
	"store_in_memory":   "store.in_memory",
	"store_sync_writes": "store.sync_writes",

	"store_gc_interval":         "store.gc_interval",
	"store_tombstone_retention": "store.tombstone_retention",

	"http_enabled": "server.enabled",
	"http_host":    "server.host",
	"http_port":    "server.port",
	"http_timeout": "server.timeout",

	"http_rate_limit_requests": "server.rate_limit_requests",
	"http_rate_limit_window":   "server.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"notify_desktop":  "notify.desktop",
	"notify_app_name": "notify.app_name",
}

// envTransformFunc maps NIGHTSCOUT_URL -> nightscout.url and drops unknown names.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// WatchConfigFile calls callback whenever the file at path changes.
// The callback runs on the watcher goroutine; it must not block for long.
func WatchConfigFile(path string, callback func()) (stop func() error, err error) {
	provider := file.Provider(path)
	if err := provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	}); err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return provider.Unwatch, nil
}
