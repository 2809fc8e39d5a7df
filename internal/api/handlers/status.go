package handlers

import (
	"net/http"

	"github.com/pysugar/settings-vault/internal/version"
)

// StatusHandler reports the manager lifecycle state and last sync outcomes
func StatusHandler(store ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": store.Status(),
			"version": map[string]string{
				"version":    version.Version,
				"commit":     version.Commit,
				"build_time": version.BuildTime,
			},
		})
	}
}

// HealthHandler answers liveness probes
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
