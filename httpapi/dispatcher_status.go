package handler

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/producerpool"
)

// CircuitStatus narrows circuitbreaker.Breaker[dispatcher.SendResult]
// down to the read-only accessors this handler needs, avoiding a
// direct dependency on the generic instantiation main.go wires.
type CircuitStatus interface {
	State() string
	Counts() gobreaker.Counts
}

// DispatcherHandler exposes the producer pool, circuit breaker, and
// flow controller state that governs how fast the dispatch loop drains
// the Buffer Manager toward the downstream bus.
type DispatcherHandler struct {
	pool    *producerpool.Pool
	breaker CircuitStatus
	flow    *flowcontrol.Controller
	logger  zerolog.Logger
}

// NewDispatcherHandler creates a new dispatcher status handler.
func NewDispatcherHandler(pool *producerpool.Pool, breaker CircuitStatus, flow *flowcontrol.Controller, logger zerolog.Logger) *DispatcherHandler {
	return &DispatcherHandler{
		pool:    pool,
		breaker: breaker,
		flow:    flow,
		logger:  logger.With().Str("handler", "dispatcher").Logger(),
	}
}

// Status handles GET /v1/dispatcher/status: circuit breaker state,
// flow controller emergency mode, and per-client producer pool metrics.
func (h *DispatcherHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	if h.breaker != nil {
		counts := h.breaker.Counts()
		resp["circuit_state"] = h.breaker.State()
		resp["circuit_counts"] = map[string]interface{}{
			"requests":              counts.Requests,
			"total_successes":       counts.TotalSuccesses,
			"total_failures":        counts.TotalFailures,
			"consecutive_successes": counts.ConsecutiveSuccesses,
			"consecutive_failures":  counts.ConsecutiveFailures,
		}
	}

	if h.flow != nil {
		resp["flow_emergency"] = h.flow.Emergency()
	}

	if h.pool != nil {
		resp["producer_clients"] = h.pool.Metrics()
	}

	writeJSON(w, http.StatusOK, resp)
}
