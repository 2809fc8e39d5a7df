package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/pysugar/settings-vault/internal/codec"
	"github.com/pysugar/settings-vault/internal/logging"
	"github.com/pysugar/settings-vault/internal/persist"
)

// maxBodyBytes bounds a single save request.
const maxBodyBytes = 1 << 20

// ConfigStore is the part of persist.Manager the handlers use.
type ConfigStore interface {
	GetAllConfig(defaults map[string]any) (map[string]any, error)
	SaveConfig(ctx context.Context, entries map[string]any) error
	Status() persist.Status
}

// GetConfigHandler returns stored settings merged over defaults
func GetConfigHandler(store ConfigStore, defaults map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		config, err := store.GetAllConfig(defaults)
		if err != nil {
			log.Printf("❌ [%s] read config failed: %v", logging.GetRequestID(r.Context()), err)
			writeError(w, http.StatusInternalServerError, "Failed to read settings")
			return
		}
		writeJSON(w, http.StatusOK, config)
	}
}

// SaveConfigHandler stores a JSON object of settings and returns the merged view
func SaveConfigHandler(store ConfigStore, defaults map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := logging.GetRequestID(r.Context())

		entries, err := decodeEntries(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := store.SaveConfig(r.Context(), entries); err != nil {
			log.Printf("❌ [%s] save config failed: %v", requestID, err)
			if errors.Is(err, codec.ErrUnsupported) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
		log.Printf("✅ [%s] saved %d settings", requestID, len(entries))

		config, err := store.GetAllConfig(defaults)
		if err != nil {
			log.Printf("❌ [%s] read config failed: %v", requestID, err)
			writeError(w, http.StatusInternalServerError, "Failed to read settings")
			return
		}
		writeJSON(w, http.StatusOK, config)
	}
}

func decodeEntries(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()

	var entries map[string]any
	if err := dec.Decode(&entries); err != nil {
		return nil, errors.New("Invalid request body: expected a JSON object")
	}
	if entries == nil {
		return nil, errors.New("Invalid request body: expected a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("Invalid request body: unexpected data after JSON object")
	}
	return entries, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
