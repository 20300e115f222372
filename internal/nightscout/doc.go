// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package nightscout talks to a Nightscout server's REST API.

The package is split in three layers:

  - Client performs one authenticated HTTP exchange and classifies the result
    into an Outcome (success with a record count, or failure with a typed
    error). It knows nothing about Nightscout collections.
  - BreakerClient wraps a Client with a sony/gobreaker circuit breaker so a
    dead server is not hammered every sync pass.
  - API builds collection-level calls on top of any Transport: entries,
    treatments, devicestatus, profile, and the credential probe.

Wire formats live next to their endpoints: treatments.go, entries.go,
devicestatus.go and profile.go each own both the request payload builders and
the response decoders for their collection.

# Authentication

A configured API secret is sent SHA-1 hashed in the api-secret header, which
is what Nightscout compares against. A configured access token is appended as
the token query parameter. Both may be present.

# Duplicate submissions

Nightscout answers a duplicate insert with HTTP 500 and a database error code
in the body. When that code matches the configured duplicate code the Client
reports success with zero records, so a retried upload is idempotent.
*/
package nightscout
