// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package config loads and validates the Nightsync configuration.

# Configuration Sources

Sources are layered with koanf, later layers overriding earlier ones:
  - built-in defaults (defaultConfig)
  - an optional YAML file: CONFIG_PATH, ./nightsync.yaml or /etc/nightsync/config.yaml
  - environment variables mapped through envMappings

# Environment Variables

Nightscout connection:
  - NIGHTSCOUT_URL: base URL of the Nightscout site (required when enabled)
  - NIGHTSCOUT_API_SECRET (or API_SECRET): shared secret, sent hashed
  - NIGHTSCOUT_TOKEN: access token, sent as a query parameter
  - NIGHTSCOUT_DOSING_SYSTEM: openaps or loop (default: openaps)
  - NIGHTSCOUT_FREQUENT_UPLOADS: 1 minute reading spacing instead of 5

Sync tuning:
  - SYNC_INTERVAL (default: 5m), SYNC_MAX_PASS_DURATION (default: 5m)
  - SYNC_TREATMENT_WINDOW (default: 168h), SYNC_BATCH_SIZE (default: 500)

Status polling:
  - POLLER_INTERVAL (default: 1m), POLLER_PROFILE_MIN_INTERVAL (default: 30s)
  - POLLER_LOOP_LOOKBACK (default: 12h)

Local store, admin server and logging:
  - STORE_PATH, STORE_IN_MEMORY
  - HTTP_HOST (default: 127.0.0.1), HTTP_PORT (default: 17580)
  - LOG_LEVEL, LOG_FORMAT, LOG_CALLER

# Hot Reload

WatchConfigFile watches the YAML file. cmd/nightsync reloads the file on
change and publishes the new Nightscout connection settings as a
settings-changed event; settings outside the nightscout section require a
restart.
*/
package config
