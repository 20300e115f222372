// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package sync keeps the local store and a Nightscout server in step.

A sync pass runs these steps in order:

  - Uploader: readings (spacing filter, reconnect waiver, batches), calibrations,
    sensor starts and uploader battery, each behind its own cursor or flag.
  - TreatmentUploader: creates, then updates and deletes one combo group at a time.
  - Reconciler: downloads the treatment window once and applies mark-uploaded,
    change detection, local deletion and import against that snapshot.
  - Poller: device status and therapy profile for display.

Orchestrator guarantees at most one active pass. Triggers that arrive
during a pass collapse into a single rerun; a pass older than the maximum
duration is presumed stuck and the next trigger starts over.

Network and decode errors stop at the step boundary: a step only reports
success or failure, and the orchestrator always returns to idle.

Local producers write through LocalWriter, which persists the record,
raises the sync-required flag in the cursor and publishes an event.
*/
package sync
