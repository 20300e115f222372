// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

// Package events is the in-process event bus between local producers, the
// admin API and the sync orchestrator. It is a thin layer over Watermill's
// Go channel pub/sub with JSON payloads.
package events
