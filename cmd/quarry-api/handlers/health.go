package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
)

const healthProbeTimeout = 2 * time.Second

// Healthz handles GET /healthz. Probe results are cached for the configured
// TTL so load balancers polling every second don't hammer the backends.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ttl := h.eng.Cfg.Server.HealthzTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}

	h.healthMu.Lock()
	if h.health != nil && time.Since(h.healthAt) < ttl {
		payload := h.health
		h.healthMu.Unlock()
		writeJSON(w, http.StatusOK, payload)
		return
	}
	h.healthMu.Unlock()

	payload := h.probe(r.Context())

	h.healthMu.Lock()
	h.health = payload
	h.healthAt = time.Now()
	h.healthMu.Unlock()

	status := http.StatusOK
	if ok, _ := payload["ok"].(bool); !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (h *Handlers) probe(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	services := map[string]bool{
		"db":           h.eng.DB.PingContext(ctx) == nil,
		"object_store": h.eng.Blobs.Ping(ctx) == nil,
		"vector":       h.eng.Index.Ping(ctx) == nil,
	}
	ok := services["db"] && services["object_store"] && services["vector"]

	version := h.eng.Cfg.AppVersion
	if version == "" {
		version = engine.Version
	}
	return map[string]any{
		"ok":            ok,
		"services":      services,
		"version":       version,
		"env":           h.eng.Cfg.AppEnv,
		"region":        h.eng.Cfg.ObjectStore.Region,
		"collection":    h.eng.Cfg.Vector.Collection,
		"embedding_dim": h.eng.Cfg.Embedding.Dimension,
	}
}
