// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/nightsync/internal/config"
)

// Router builds the admin HTTP routes.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router. cfg may be nil for defaults.
func NewRouter(handler *Handler, cfg *config.ServerConfig) *Router {
	return &Router{
		handler:       handler,
		chiMiddleware: NewChiMiddleware(ChiMiddlewareConfigFromServer(cfg)),
	}
}

// Setup configures all routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // global so OPTIONS preflight is answered
	r.Use(RequestMetrics())
	r.Use(AccessLog())

	r.Get("/healthz", router.handler.HealthLive)
	r.Get("/readyz", router.handler.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", router.handler.Status)
		r.Get("/treatments", router.handler.ListTreatments)
		r.Get("/treatments/{id}", router.handler.GetTreatment)

		// Mutating routes touch the server or the store.
		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimit())

			r.Post("/sync", router.handler.TriggerSync)
			r.Post("/verify", router.handler.Verify)
			r.Delete("/remote", router.handler.PurgeRemote)

			r.Post("/treatments", router.handler.CreateTreatment)
			r.Put("/treatments/{id}", router.handler.UpdateTreatment)
			r.Delete("/treatments/{id}", router.handler.DeleteTreatment)

			r.Post("/readings", router.handler.CreateReading)
			r.Post("/calibrations", router.handler.CreateCalibration)
			r.Post("/sensors", router.handler.StartSensor)
			r.Put("/battery", router.handler.SetBattery)
			r.Post("/reconnect", router.handler.RecordReconnect)
		})
	})

	return r
}
