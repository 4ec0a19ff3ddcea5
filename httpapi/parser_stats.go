package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/parser"
)

// ParserHandler provides HTTP handlers over the parser registry: listing
// registered parsers with their declared priority/confidence ceiling,
// and a classify endpoint that scores a raw payload against every
// candidate parser without touching the Buffer Manager.
type ParserHandler struct {
	registry   *parser.Registry
	dispatcher *parser.Dispatcher
	logger     zerolog.Logger
}

// NewParserHandler creates a new parser introspection handler.
func NewParserHandler(registry *parser.Registry, dispatcher *parser.Dispatcher, logger zerolog.Logger) *ParserHandler {
	return &ParserHandler{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger.With().Str("handler", "parser").Logger(),
	}
}

// ParserInfo is a registered parser's publicly visible configuration.
type ParserInfo struct {
	ID             string  `json:"id"`
	Source         string  `json:"source"`
	Category       string  `json:"category,omitempty"`
	Priority       int     `json:"priority"`
	BaseConfidence float64 `json:"base_confidence"`
}

// ListParsers handles GET /v1/parsers: lists every registered parser
// for a given (source, category) candidate set, or every parser known
// to the registry when no query params are given.
func (h *ParserHandler) ListParsers(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	category := r.URL.Query().Get("category")

	var candidates []parser.Parser
	if source != "" {
		candidates = h.registry.Candidates(source, category)
	} else {
		candidates = h.registry.Candidates("", "")
	}

	out := make([]ParserInfo, 0, len(candidates))
	for _, p := range candidates {
		out = append(out, ParserInfo{
			ID:             p.ID(),
			Source:         p.Source(),
			Category:       p.Category(),
			Priority:       p.Priority(),
			BaseConfidence: p.BaseConfidence(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
		"total":  len(out),
	})
}

// classifyRequest is the request body for a classification dry run.
type classifyRequest struct {
	Source   string `json:"source"`
	Category string `json:"category,omitempty"`
	Payload  string `json:"payload"`
}

// Classify handles POST /v1/parsers/classify: runs a raw payload
// through every candidate parser for the given source and returns the
// ranked confidence scores without enqueueing anything.
func (h *ParserHandler) Classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Source == "" || req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source and payload are required"})
		return
	}

	raw := model.NewRawEvent(req.Source, []byte(req.Payload), model.Metadata{}, 0)
	if req.Category != "" {
		raw.Fields = map[string]string{"category": req.Category}
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

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parsed":     result.Parsed,
		"normalized": result.Normalized,
		"attempts":   attempts,
	})
}
