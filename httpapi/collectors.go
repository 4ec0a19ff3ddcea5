package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/collector"
)

// CollectorHandler handles collector registry management operations:
// listing configured collectors, inspecting a single collector's
// lifecycle state, and stopping/restarting one without a full process
// restart.
type CollectorHandler struct {
	logger   zerolog.Logger
	registry *collector.Registry
}

// NewCollectorHandler creates a new collector management handler.
func NewCollectorHandler(logger zerolog.Logger, registry *collector.Registry) *CollectorHandler {
	return &CollectorHandler{
		logger:   logger,
		registry: registry,
	}
}

// CollectorInfo represents a collector's publicly visible status.
type CollectorInfo struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
	CheckedAt string `json:"checked_at"`
}

// ListCollectors handles GET /v1/collectors: lists every registered collector.
func (h *CollectorHandler) ListCollectors(w http.ResponseWriter, r *http.Request) {
	statuses := h.registry.StatusAll()
	out := make([]CollectorInfo, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, CollectorInfo{
			Name:      s.Name,
			State:     string(s.State),
			LastError: s.LastError,
			CheckedAt: s.CheckedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
		"total":  len(out),
	})
}

// GetCollector handles GET /v1/collectors/{name}: gets a single collector's state.
func (h *CollectorHandler) GetCollector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := h.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{
				"type":    "not_found",
				"message": "collector '" + name + "' not found",
			},
		})
		return
	}

	info := CollectorInfo{
		Name:      c.Name(),
		State:     string(c.State()),
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.LastError(); err != nil {
		info.LastError = err.Error()
	}

	writeJSON(w, http.StatusOK, info)
}

// StopCollector handles POST /v1/collectors/{name}/stop.
func (h *CollectorHandler) StopCollector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := h.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{
				"type":    "not_found",
				"message": "collector '" + name + "' not found",
			},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := c.Stop(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]string{
				"type":    "stop_failed",
				"message": err.Error(),
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  name,
		"state": string(c.State()),
	})
}

// StartCollector handles POST /v1/collectors/{name}/start: restarts a
// stopped or errored collector in place.
func (h *CollectorHandler) StartCollector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := h.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{
				"type":    "not_found",
				"message": "collector '" + name + "' not found",
			},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]string{
				"type":    "start_failed",
				"message": err.Error(),
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  name,
		"state": string(c.State()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
