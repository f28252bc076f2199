// Package handlers implements the Quarry HTTP API endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quarryhq/quarry/cmd/quarry-api/middleware"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
	"github.com/quarryhq/quarry/pkg/engine"
)

// Handlers carries the engine into each endpoint.
type Handlers struct {
	eng *engine.Engine
	log *observability.Logger

	healthMu sync.Mutex
	healthAt time.Time
	health   map[string]any
}

// New creates the handler set.
func New(eng *engine.Engine, log *observability.Logger) *Handlers {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Handlers{eng: eng, log: log.WithComponent("api")}
}

func tenantID(r *http.Request) string {
	return middleware.TenantFromContext(r.Context())
}

// docIDsParam parses the {doc_id} path segment, accepting a single UUID or a
// comma-separated list.
func docIDsParam(r *http.Request) []string {
	raw := chi.URLParam(r, "doc_id")
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func jobIDParam(r *http.Request) string {
	return chi.URLParam(r, "job_id")
}

func intFormValue(r *http.Request, key string, fallback int) int {
	if raw := r.FormValue(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func intQuery(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps storage errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
