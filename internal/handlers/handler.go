// Package handlers holds the small HTTP surface next to the duplex channel:
// health, stats, and a root info endpoint. All chat traffic goes over /ws.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talkline/talkline/internal/presence"
	"github.com/talkline/talkline/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store     store.Store
	redis     *redis.Client
	registry  *presence.Registry
	startedAt time.Time
}

// NewHandler creates a new Handler with the given dependencies. redis may be
// nil when rate limiting is not configured.
func NewHandler(st store.Store, rdb *redis.Client, registry *presence.Registry) *Handler {
	return &Handler{store: st, redis: rdb, registry: registry, startedAt: time.Now()}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
