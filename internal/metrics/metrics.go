// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync pass metrics (orchestrator)
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_sync_passes_total",
			Help: "Total number of completed sync passes",
		},
		[]string{"result"}, // "success", "failure"
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nightsync_sync_pass_duration_seconds",
			Help:    "Duration of sync passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_sync_triggers_total",
			Help: "Sync triggers by source and disposition",
		},
		[]string{"source", "disposition"}, // disposition: "started", "coalesced", "stuck_restart"
	)

	SyncRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nightsync_sync_running",
			Help: "1 while a sync pass is in progress",
		},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nightsync_sync_last_success_timestamp",
			Help: "Unix timestamp of the last fully successful sync pass",
		},
	)

	// Upload pipeline metrics
	UploadRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_upload_records_total",
			Help: "Records accepted by the server, by data class",
		},
		[]string{"class"}, // "reading", "calibration", "treatment_create", "treatment_update", "treatment_delete", "sensor", "battery"
	)

	UploadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_upload_failures_total",
			Help: "Failed upload operations, by data class",
		},
		[]string{"class"},
	)

	UploadDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nightsync_upload_duplicates_total",
			Help: "Uploads the server rejected as already existing (treated as success)",
		},
	)

	// Reconciliation metrics
	ReconcileRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_reconcile_records_total",
			Help: "Local treatment changes made by reconciliation, by category",
		},
		[]string{"category"}, // "marked_uploaded", "changed", "tombstoned", "imported"
	)

	ReconcileDownloadSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nightsync_reconcile_download_records",
			Help: "Remote treatment records in the last successful download",
		},
	)

	// Status poller metrics
	PollerFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_poller_fetches_total",
			Help: "Status poller fetches by kind and result",
		},
		[]string{"kind", "result"}, // kind: "profile", "devicestatus"; result: "updated", "unchanged", "stale", "throttled", "error"
	)

	LastLoopAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nightsync_last_loop_age_seconds",
			Help: "Age of the newest enacted loop cycle at the last poll",
		},
	)

	// Transport metrics
	TransportRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_transport_requests_total",
			Help: "Nightscout HTTP requests by method, path and outcome",
		},
		[]string{"method", "path", "outcome"}, // outcome: "success", "duplicate", "http_error", "transport_error", "decode_error", "config_missing"
	)

	TransportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nightsync_transport_request_duration_seconds",
			Help:    "Nightscout HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Local store metrics
	StoreCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_store_commits_total",
			Help: "Local store commits by result",
		},
		[]string{"result"},
	)

	StorePendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nightsync_store_pending_writes",
			Help: "Staged local writes not yet committed",
		},
	)

	StorePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nightsync_store_purged_treatments_total",
			Help: "Confirmed-deleted treatments removed by housekeeping",
		},
	)

	StoreMaintenanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nightsync_store_maintenance_duration_seconds",
			Help:    "Duration of store housekeeping runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Admin API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightsync_api_requests_total",
			Help: "Admin API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordSyncPass records a finished pass.
func RecordSyncPass(duration time.Duration, ok bool) {
	SyncPassDuration.Observe(duration.Seconds())
	if ok {
		SyncPasses.WithLabelValues("success").Inc()
		SyncLastSuccess.Set(float64(time.Now().Unix()))
		return
	}
	SyncPasses.WithLabelValues("failure").Inc()
}

// RecordTrigger records how a sync trigger was handled.
func RecordTrigger(source, disposition string) {
	SyncTriggers.WithLabelValues(source, disposition).Inc()
}

// RecordUpload records an upload sub-operation for a data class.
func RecordUpload(class string, records int, ok bool) {
	if !ok {
		UploadFailures.WithLabelValues(class).Inc()
		return
	}
	if records > 0 {
		UploadRecords.WithLabelValues(class).Add(float64(records))
	}
}

// RecordReconcile adds the per-category counts of one reconciliation pass.
func RecordReconcile(markedUploaded, changed, tombstoned, imported, downloaded int) {
	ReconcileRecords.WithLabelValues("marked_uploaded").Add(float64(markedUploaded))
	ReconcileRecords.WithLabelValues("changed").Add(float64(changed))
	ReconcileRecords.WithLabelValues("tombstoned").Add(float64(tombstoned))
	ReconcileRecords.WithLabelValues("imported").Add(float64(imported))
	ReconcileDownloadSize.Set(float64(downloaded))
}

// RecordPoll records a status poller fetch.
func RecordPoll(kind, result string) {
	PollerFetches.WithLabelValues(kind, result).Inc()
}

// RecordTransport records one Nightscout HTTP request.
func RecordTransport(method, path, outcome string, duration time.Duration) {
	TransportRequests.WithLabelValues(method, path, outcome).Inc()
	TransportDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStoreCommit records a local store commit.
func RecordStoreCommit(err error) {
	if err != nil {
		StoreCommits.WithLabelValues("error").Inc()
		return
	}
	StoreCommits.WithLabelValues("success").Inc()
}
