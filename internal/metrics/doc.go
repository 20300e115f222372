// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package metrics defines the Prometheus instruments exported by Nightsync.

Metrics are registered with the default registry through promauto and
served by the admin server at /metrics:

	curl http://127.0.0.1:17580/metrics

# Available Metrics

Sync passes:
  - nightsync_sync_passes_total{result}
  - nightsync_sync_pass_duration_seconds
  - nightsync_sync_triggers_total{source,disposition}
  - nightsync_sync_running, nightsync_sync_last_success_timestamp

Upload and reconciliation:
  - nightsync_upload_records_total{class}, nightsync_upload_failures_total{class}
  - nightsync_upload_duplicates_total
  - nightsync_reconcile_records_total{category}
  - nightsync_reconcile_download_records

Status poller:
  - nightsync_poller_fetches_total{kind,result}
  - nightsync_last_loop_age_seconds

Transport and resilience:
  - nightsync_transport_requests_total{method,path,outcome}
  - nightsync_transport_request_duration_seconds{method,path}
  - circuit_breaker_state{name}, circuit_breaker_requests_total{name,result}
  - circuit_breaker_consecutive_failures{name}
  - circuit_breaker_state_transitions_total{name,from_state,to_state}

Local store and admin API:
  - nightsync_store_commits_total{result}, nightsync_store_pending_writes
  - nightsync_api_requests_total{method,route,status}
*/
package metrics
