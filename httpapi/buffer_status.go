package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/model"
)

// BufferHandler handles REST endpoints over the Buffer Manager: queue
// depth, disk backlog, dead-letter inspection, and flow state.
type BufferHandler struct {
	manager *buffermanager.Manager
	monitor *backpressure.Monitor
	batcher *batcher.Batcher
	logger  zerolog.Logger
}

// NewBufferHandler creates a new buffer management handler.
func NewBufferHandler(manager *buffermanager.Manager, monitor *backpressure.Monitor, b *batcher.Batcher, logger zerolog.Logger) *BufferHandler {
	return &BufferHandler{
		manager: manager,
		monitor: monitor,
		batcher: b,
		logger:  logger.With().Str("handler", "buffer").Logger(),
	}
}

// Stats handles GET /v1/buffer/stats: queue depth, disk backlog,
// dead-letter totals, backpressure state, and current batch size.
func (h *BufferHandler) Stats(w http.ResponseWriter, r *http.Request) {
	topic, dlTotal := h.manager.DeadLetterStats()

	stats := map[string]interface{}{
		"memory_size":        h.manager.GetSize(),
		"total_size":         h.manager.GetTotalSize(),
		"disk_backlog_bytes": h.manager.DiskBacklogBytes(),
		"dead_letter_topic":  topic,
		"dead_letter_total":  dlTotal,
	}
	if h.monitor != nil {
		stats["backpressure_state"] = h.monitor.State().String()
	}
	if h.batcher != nil {
		stats["batch_size"] = h.batcher.GetBatchSize()
	}

	writeJSON(w, http.StatusOK, stats)
}

// DeadLetters handles GET /v1/buffer/dead-letters: returns the most
// recently dead-lettered events for inspection or manual replay.
func (h *BufferHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	recent := h.manager.RecentDeadLetters()
	out := make([]map[string]interface{}, 0, len(recent))
	for _, dl := range recent {
		out = append(out, map[string]interface{}{
			"event_id":  dl.Event.ID,
			"source":    dl.Event.Source,
			"reason":    dl.Reason,
			"routed_at": dl.RoutedAt.Format(time.RFC3339),
			"attempts":  dl.Attempts,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
		"total":  len(out),
	})
}

// Requeue handles POST /v1/buffer/dead-letters/requeue: replays the
// current dead-letter snapshot back into the memory buffer at the
// given priority. The dead-letter ring itself is not cleared; entries
// age out naturally as new failures push them past maxDepth.
func (h *BufferHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	priorityParam := r.URL.Query().Get("priority")
	priority := 0
	if priorityParam != "" {
		if v, err := parsePriority(priorityParam); err == nil {
			priority = v
		}
	}

	recent := h.manager.RecentDeadLetters()
	events := make([]model.RawEvent, 0, len(recent))
	for _, dl := range recent {
		events = append(events, dl.Event)
	}
	h.manager.RequeueEvents(events, priority)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": len(events),
		"priority": priority,
	})
}

func parsePriority(s string) (int, error) {
	var v int
	_, err := fmt.Sscan(s, &v)
	return v, err
}
