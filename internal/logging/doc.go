// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

// Package logging provides the zerolog-based structured logger used across Nightsync.
//
// # Overview
//
// The package provides:
//   - A global zerolog logger configured once from main
//   - JSON output for daemons, console output for interactive runs
//   - Per-pass correlation IDs carried through context.Context
//   - An slog.Handler adapter so suture (via sutureslog) logs through zerolog
//   - A watermill.LoggerAdapter so the in-process event bus logs through zerolog
//   - Redaction helpers for Nightscout credentials in URLs and headers
//
// # Quick Start
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//
//	logging.Info().Str("url", logging.RedactURL(u)).Msg("Nightscout configured")
//
//	ctx = logging.ContextWithNewCorrelationID(ctx)
//	logging.Ctx(ctx).Info().Int("uploaded", n).Msg("[uploader] Treatments created")
//
// # Configuration
//
//	LOG_LEVEL   - trace, debug, info, warn, error (default: info)
//	LOG_FORMAT  - json, console (default: json)
//	LOG_CALLER  - include caller file:line (default: false)
//
// Always terminate event chains with Msg or Send; an unterminated chain is
// never written.
package logging
