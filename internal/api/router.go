// Package api exposes the settings manager over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/settings-vault/internal/api/handlers"
	"github.com/pysugar/settings-vault/internal/api/middleware"
	"github.com/pysugar/settings-vault/internal/logging"
)

// NewRouter wires the settings routes. Everything under /api is protected by
// basic auth when adminPassword is set.
func NewRouter(store handlers.ConfigStore, defaults map[string]any, adminPassword string) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handlers.HealthHandler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(adminPassword))
		r.Get("/config", handlers.GetConfigHandler(store, defaults))
		r.Put("/config", handlers.SaveConfigHandler(store, defaults))
		r.Post("/config", handlers.SaveConfigHandler(store, defaults))
		r.Get("/status", handlers.StatusHandler(store))
	})
	return r
}
