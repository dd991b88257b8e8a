package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to write response", zap.Error(err))
	}
}

// statusOf maps cache and store errors onto HTTP statuses.
func statusOf(err error) int {
	var fetchErr *cache.FetchError
	var writeErr *cache.WriteError
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &fetchErr), errors.As(err, &writeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}
