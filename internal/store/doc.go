// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package store persists local records in BadgerDB.

It holds treatment entries (including tombstones), CGM readings,
calibrations, sensor sessions, the latest uploader battery state and the
sync cursor. Readings and calibrations are keyed by zero-padded Unix
nanoseconds so a prefix scan returns them in time order:

	treatment:<local id>
	reading:<unix nanos>:<id>
	calibration:<unix nanos>:<id>
	sensor:<id>
	battery
	cursor

Local producers write through the Store directly. A sync pass uses a Batch
so that all of its writes land in one transaction and a local edit made
during the pass is merged rather than overwritten.

Maintainer periodically purges server-confirmed deletes older than the
retention window and runs value log GC.
*/
package store
