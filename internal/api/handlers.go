// Package api exposes the engine's pipeline operations as a JSON HTTP API.
// Every route under /api is tenant scoped via the X-Tenant-ID header.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/audience"
	"github.com/corredorhq/decision-engine/internal/client"
	"github.com/corredorhq/decision-engine/internal/notify"
	"github.com/corredorhq/decision-engine/internal/scoring"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	clients        *client.Store
	audiences      *audience.Store
	audienceRunner *audience.Runner
	ruleSets       *scoring.Store
	scorer         *scoring.Runner
	notifications  *notify.Store
	matcher        *notify.Matcher
	processor      *notify.Processor
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	clients *client.Store,
	audiences *audience.Store,
	audienceRunner *audience.Runner,
	ruleSets *scoring.Store,
	scorer *scoring.Runner,
	notifications *notify.Store,
	matcher *notify.Matcher,
	processor *notify.Processor,
) *Handlers {
	return &Handlers{
		clients:        clients,
		audiences:      audiences,
		audienceRunner: audienceRunner,
		ruleSets:       ruleSets,
		scorer:         scorer,
		notifications:  notifications,
		matcher:        matcher,
		processor:      processor,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON parses the request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// parsePagination extracts limit/offset query params clamped to sane bounds.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// parseAsOf reads an optional as_of_date field ("2006-01-02" or RFC3339).
// Zero time means "now"; the runners apply that default.
func parseAsOf(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func pathUUID(r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chiURLParam(r, param))
	return id, err == nil
}
