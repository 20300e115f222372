// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package models defines the data structures shared by the Nightsync engine.

Key Components:

  - TreatmentEntry: locally owned treatment (insulin, carbs, exercise, BG check,
    sensor start, note) with upload and tombstone flags
  - RemoteTreatmentRecord: one value-bearing field of a treatment decoded from
    the Nightscout server
  - Reading, Calibration, Sensor, BatteryInfo: locally generated CGM data that
    is pushed to the server
  - SyncCursor: upload high-water marks and the "sync required" flag
  - DeviceStatus, Profile: in-memory display models rebuilt from remote polls

Lifecycle of a TreatmentEntry:

	created locally (ID == "", Uploaded == false)
	  -> POST succeeds, server _id assigned (ID != "", Uploaded == true)
	  -> edited locally (Uploaded == false) -> PUT succeeds (Uploaded == true)
	  -> deleted locally (Deleted == true, Uploaded == false)
	  -> DELETE/PUT succeeds (Deleted == true, Uploaded == true), eligible for housekeeping

An entry with Uploaded == true always carries a non-empty ID. Only a
server-confirmed tombstone is ever physically removed, by store housekeeping
once the retention period has passed.
*/
package models
