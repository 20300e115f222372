// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

// Package services adapts nightsync components to suture.Service.
//
//   - LifecycleService: Start/Stop components (orchestrator, poller, store maintainer)
//   - HTTPServerService: the admin API server
//   - ConfigWatchService: config file reloads published as settings changes
package services
