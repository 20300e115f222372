// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package api provides the admin HTTP API of nightsync.

The API lets an operator or a companion app observe and drive the sync
engine: read the sync state, trigger a pass, verify credentials, purge old
server data and feed locally produced records (treatments, readings,
calibrations, sensor sessions, battery level) into the store.

Routes:

	GET    /healthz                    liveness
	GET    /readyz                     readiness (local store answers)
	GET    /metrics                    Prometheus metrics
	GET    /api/v1/status              sync state, cursor, counts, loop status
	GET    /api/v1/treatments          local treatment log
	GET    /api/v1/treatments/{id}     one treatment by local id
	POST   /api/v1/sync                trigger a pass (202)
	POST   /api/v1/verify              check credentials
	DELETE /api/v1/remote?before=...   purge server data older than before
	POST   /api/v1/treatments          add a treatment
	PUT    /api/v1/treatments/{id}     edit a treatment
	DELETE /api/v1/treatments/{id}     delete a treatment
	POST   /api/v1/readings            add a glucose reading
	POST   /api/v1/calibrations        add a calibration
	POST   /api/v1/sensors             start a sensor session
	PUT    /api/v1/battery             set the transmitter battery level
	POST   /api/v1/reconnect           record a transmitter reconnect

Every JSON response uses the models.APIResponse envelope. Mutating routes are
rate limited per client IP with go-chi/httprate; CORS is handled by
go-chi/cors.

Usage:

	handler := api.NewEngineHandler(engine, breaker, cfg.Nightscout.Enabled)
	router := api.NewRouter(handler, &cfg.Server)
	srv := &http.Server{Addr: addr, Handler: router.Setup()}
*/
package api
