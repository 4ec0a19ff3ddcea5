package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	policy "github.com/coriolis-labs/ingestor/policyengine"
)

// PolicyHandler provides HTTP handlers for governance policy management:
// CRUD over the in-memory/OPA-synced policy set, evaluation, and the
// evaluation log.
type PolicyHandler struct {
	client *policy.OPAClient
	logger zerolog.Logger
}

// NewPolicyHandler creates a new policy handler.
func NewPolicyHandler(client *policy.OPAClient, logger zerolog.Logger) *PolicyHandler {
	return &PolicyHandler{client: client, logger: logger.With().Str("handler", "policy").Logger()}
}

// ListPolicies handles GET /v1/policies.
func (h *PolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.ListPolicies())
}

// CreatePolicy handles POST /v1/policies.
func (h *PolicyHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var pol policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid policy JSON: " + err.Error()})
		return
	}

	if err := h.client.CreatePolicy(&pol); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h.logger.Info().Str("id", pol.ID).Str("name", pol.Name).Msg("policy created")
	writeJSON(w, http.StatusCreated, pol)
}

// GetPolicy handles GET /v1/policies/{id}.
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pol, err := h.client.GetPolicy(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// UpdatePolicy handles PUT /v1/policies/{id}.
func (h *PolicyHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Module string `json:"module"`
		Active bool   `json:"active"`
		DryRun bool   `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid policy JSON: " + err.Error()})
		return
	}

	if err := h.client.UpdatePolicy(id, body.Module, body.Active, body.DryRun); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h.logger.Info().Str("id", id).Msg("policy updated")
	pol, _ := h.client.GetPolicy(id)
	writeJSON(w, http.StatusOK, pol)
}

// DeletePolicy handles DELETE /v1/policies/{id}.
func (h *PolicyHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.client.DeletePolicy(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info().Str("id", id).Msg("policy deleted")
	w.WriteHeader(http.StatusNoContent)
}

// EvaluatePolicy handles POST /v1/policies/evaluate.
func (h *PolicyHandler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var input policy.PolicyInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid policy input JSON: " + err.Error()})
		return
	}

	decision, err := h.client.Evaluate(r.Context(), input)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// GetEvaluationLog handles GET /v1/policies/evaluations.
func (h *PolicyHandler) GetEvaluationLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePriority(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.client.GetEvaluationLog(limit))
}

// ListTemplates handles GET /v1/policies/templates: the built-in
// governance policy templates available to clone into a new policy.
func (h *PolicyHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, policy.BuiltInPolicies())
}

// ToggleDryRun handles POST /v1/policies/{id}/dry-run.
func (h *PolicyHandler) ToggleDryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		DryRun bool `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	pol, err := h.client.GetPolicy(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := h.client.UpdatePolicy(id, pol.Module, pol.Active, body.DryRun); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pol)
}
