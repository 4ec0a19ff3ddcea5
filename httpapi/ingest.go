package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/collector"
	"github.com/coriolis-labs/ingestor/middleware"
	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/parser"
)

// IngestHandler handles the HTTP bridge collector's push endpoint:
// external agents and forwarders without a dedicated protocol adapter
// POST events here directly.
type IngestHandler struct {
	logger     zerolog.Logger
	sink       collector.Sink
	dispatcher *parser.Dispatcher
	maxBody    int64
}

// NewIngestHandler creates a new HTTP bridge ingest handler.
func NewIngestHandler(logger zerolog.Logger, sink collector.Sink, dispatcher *parser.Dispatcher, maxBody int64) *IngestHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1MiB default cap, matches the collector protocol adapters
	}
	return &IngestHandler{
		logger:     logger,
		sink:       sink,
		dispatcher: dispatcher,
		maxBody:    maxBody,
	}
}

// ingestRequest is the HTTP bridge's wire shape for a single pushed event.
type ingestRequest struct {
	Source         string            `json:"source"`
	Payload        string            `json:"payload"`
	Fields         map[string]string `json:"fields,omitempty"`
	CollectorName  string            `json:"collector_name,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Timestamp      *time.Time        `json:"timestamp,omitempty"`
}

// Ingest handles POST /v1/ingest: accepts one event pushed over HTTP
// and hands it to the Buffer Manager. Set X-Ingestor-DryRun: true to
// run the event through the parser dispatcher and return the
// normalized form without buffering it, for collector onboarding and
// parser debugging.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-ID")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}

	if req.Source == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "source field is required")
		return
	}
	if req.Payload == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "payload field is required")
		return
	}

	orgID := req.OrganizationID
	if orgID == "" {
		orgID = middleware.GetOrganizationID(r.Context())
	}

	md := model.Metadata{
		IngestionID:      reqID,
		CollectorName:    req.CollectorName,
		OrganizationID:   orgID,
		Environment:      req.Environment,
		Protocol:         "http_bridge",
		SourceAddress:    r.RemoteAddr,
	}
	if md.CollectorName == "" {
		md.CollectorName = "http_bridge"
	}

	raw := model.NewRawEvent(req.Source, []byte(req.Payload), md, req.Priority)
	raw.Fields = req.Fields
	if req.Timestamp != nil {
		raw.Timestamp = *req.Timestamp
	}

	if r.Header.Get("X-Ingestor-DryRun") == "true" {
		h.handleDryRun(w, raw)
		return
	}

	if err := h.sink.AddEvent(raw, req.Priority); err != nil {
		h.logger.Error().Err(err).Str("req_id", reqID).Str("source", req.Source).Msg("failed to enqueue ingested event")
		h.writeError(w, http.StatusServiceUnavailable, "buffer_unavailable", "unable to accept event: "+err.Error())
		return
	}

	h.logger.Debug().
		Str("req_id", reqID).
		Str("event_id", raw.ID).
		Str("source", req.Source).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("event accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"event_id": raw.ID,
	})
}

// handleDryRun runs the event through the parser dispatcher without
// buffering it, returning the normalized form and per-parser
// confidence attempts for onboarding/debugging.
func (h *IngestHandler) handleDryRun(w http.ResponseWriter, raw model.RawEvent) {
	if h.dispatcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "dry_run_unavailable", "parser dispatcher not configured")
		return
	}

	result := h.dispatcher.Dispatch(raw)

	attempts := make([]map[string]interface{}, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		entry := map[string]interface{}{
			"parser_id":  a.ParserID,
			"validated":  a.Validated,
			"confidence": a.Confidence,
		}
		if a.Err != nil {
			entry["error"] = a.Err.Error()
		}
		attempts = append(attempts, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"dry_run":    true,
		"parsed":     result.Parsed,
		"normalized": result.Normalized,
		"attempts":   attempts,
	})
}

func (h *IngestHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}

// GetIngestKeyFromRequest extracts the ingest key from the request
// context, falling back to the raw header if middleware wasn't applied.
func GetIngestKeyFromRequest(r *http.Request) string {
	key := middleware.GetIngestKey(r.Context())
	if key != "" {
		return key
	}
	return r.Header.Get("X-Ingest-Key")
}
