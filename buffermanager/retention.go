package buffermanager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coriolis-labs/ingestor/model"
)

// DeadLetterSink receives events that have exhausted maxAttempts
// requeues. The buffer manager never blocks on it; a slow or failing
// sink only grows its internal backlog, which is itself bounded and
// will drop the oldest entry rather than apply backpressure to the
// main pipeline.
type DeadLetterSink struct {
	mu       sync.Mutex
	topic    string
	maxDepth int
	events   []DeadLetterEvent
	total    int64
}

// DeadLetterEvent records why an event was routed to the dead-letter
// sink, for later replay or inspection via httpapi.
type DeadLetterEvent struct {
	Event    model.RawEvent
	Reason   string
	RoutedAt time.Time
	Attempts int
}

// NewDeadLetterSink creates a sink bound to a configured topic name
// with an in-memory ring of the most recent maxDepth entries.
func NewDeadLetterSink(topic string, maxDepth int) *DeadLetterSink {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	return &DeadLetterSink{topic: topic, maxDepth: maxDepth}
}

// Route records e as dead-lettered after exhausting maxAttempts.
func (s *DeadLetterSink) Route(e model.RawEvent, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, DeadLetterEvent{
		Event:    e,
		Reason:   reason,
		RoutedAt: time.Now().UTC(),
		Attempts: e.Attempt,
	})
	if len(s.events) > s.maxDepth {
		s.events = s.events[len(s.events)-s.maxDepth:]
	}
	atomic.AddInt64(&s.total, 1)
}

// Topic returns the configured dead-letter topic name.
func (s *DeadLetterSink) Topic() string { return s.topic }

// Total returns the lifetime count of dead-lettered events.
func (s *DeadLetterSink) Total() int64 {
	return atomic.LoadInt64(&s.total)
}

// Recent returns a snapshot copy of the most recently dead-lettered
// events, newest last.
func (s *DeadLetterSink) Recent() []DeadLetterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEvent, len(s.events))
	copy(out, s.events)
	return out
}

// RequeueTracker attaches and checks the monotonically increasing
// attempt counter a failed batch carries across requeues, deciding
// when an event should be dead-lettered instead of retried again.
type RequeueTracker struct {
	maxAttempts int
}

func NewRequeueTracker(maxAttempts int) *RequeueTracker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RequeueTracker{maxAttempts: maxAttempts}
}

// Bump increments Attempt and reports whether the event has exhausted
// its retry budget and should go to the dead-letter sink instead.
func (t *RequeueTracker) Bump(e *model.RawEvent) (exhausted bool) {
	e.Attempt++
	return e.Attempt >= t.maxAttempts
}

// ApplyRetentionDefaults fills in the storage-tier hints a collector
// attaches to a RawEvent (hot/warm/cold, retention days) when left
// unset; the ingestion pipeline itself only carries these hints
// through unmodified to the downstream bus.
func ApplyRetentionDefaults(h *model.RetentionHints) {
	if h.Tier == "" {
		h.Tier = "hot"
	}
	if h.Days == 0 {
		h.Days = 30
	}
}
