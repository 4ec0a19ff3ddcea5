// Package membuffer implements the Memory Buffer: a bounded set of
// per-priority FIFO queues with high/low watermarks that spill into a
// disk buffer when full and drain back once the backlog subsides. It
// holds a single mutex across enqueue/dequeue arithmetic only, never
// across I/O, matching the pipeline's lock discipline.
package membuffer

import (
	"container/list"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// Config controls capacity and watermark thresholds.
type Config struct {
	Capacity      int     // max events held in memory
	HighWaterMark float64 // fraction of Capacity that triggers spill-to-disk
	LowWaterMark  float64 // fraction of Capacity that triggers drain-from-disk
}

// DefaultConfig returns conservative defaults; callers should derive
// this from config.BufferConfig instead in production wiring.
func DefaultConfig() Config {
	return Config{Capacity: 100_000, HighWaterMark: 0.8, LowWaterMark: 0.3}
}

// Buffer is the in-memory half of the Buffer Manager. It is safe for
// concurrent use by multiple producers and a single drain loop.
type Buffer struct {
	mu     sync.Mutex
	logger zerolog.Logger
	config Config

	queues     map[int]*list.List // priority -> FIFO of model.RawEvent
	priorities []int              // kept sorted ascending (lower = higher priority)
	size       int
}

// New creates an empty memory buffer.
func New(logger zerolog.Logger, cfg Config) *Buffer {
	return &Buffer{
		logger: logger.With().Str("component", "membuffer").Logger(),
		config: cfg,
		queues: make(map[int]*list.List),
	}
}

// Add enqueues a single event at the given priority. Returns false if
// the buffer is at or above capacity; the caller (Buffer Manager) is
// expected to spill to disk on false.
func (b *Buffer) Add(e model.RawEvent, priority int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size >= b.config.Capacity {
		return false
	}
	b.enqueueLocked(e, priority)
	return true
}

// AddBatch enqueues as many events as fit before crossing the
// high-water mark and returns the remainder that the caller must spill
// to disk. It stops well short of the hard capacity: once memory
// occupancy reaches HighWaterMark*Capacity, every further event in the
// batch is handed back as overflow rather than accepted.
func (b *Buffer) AddBatch(events []model.RawEvent, priority int) (accepted int, overflow []model.RawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range events {
		if b.aboveHighWaterMarkLocked() {
			return i, events[i:]
		}
		b.enqueueLocked(e, priority)
	}
	return len(events), nil
}

func (b *Buffer) enqueueLocked(e model.RawEvent, priority int) {
	q, ok := b.queues[priority]
	if !ok {
		q = list.New()
		b.queues[priority] = q
		b.priorities = append(b.priorities, priority)
		sort.Ints(b.priorities)
	}
	q.PushBack(e)
	b.size++
}

// Drain removes up to n events, priority-ordered (lower number first)
// then FIFO within priority.
func (b *Buffer) Drain(n int) []model.RawEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked(n)
}

func (b *Buffer) drainLocked(n int) []model.RawEvent {
	out := make([]model.RawEvent, 0, n)
	for _, p := range b.priorities {
		q := b.queues[p]
		for q.Len() > 0 && len(out) < n {
			front := q.Front()
			out = append(out, front.Value.(model.RawEvent))
			q.Remove(front)
			b.size--
		}
		if len(out) >= n {
			break
		}
	}
	b.compactLocked()
	return out
}

// compactLocked drops empty priority levels from the sorted index so
// Drain does not keep scanning dead queues.
func (b *Buffer) compactLocked() {
	kept := b.priorities[:0]
	for _, p := range b.priorities {
		if b.queues[p].Len() == 0 {
			delete(b.queues, p)
			continue
		}
		kept = append(kept, p)
	}
	b.priorities = kept
}

// Requeue reinserts events at their original priority, preserving their
// relative order at the head of that priority's queue so a failed batch
// is retried before newer arrivals.
func (b *Buffer) Requeue(events []model.RawEvent, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[priority]
	if !ok {
		q = list.New()
		b.queues[priority] = q
		b.priorities = append(b.priorities, priority)
		sort.Ints(b.priorities)
	}
	for i := len(events) - 1; i >= 0; i-- {
		q.PushFront(events[i])
		b.size++
	}
}

// Size returns the number of events currently buffered in memory.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// AboveHighWaterMark reports whether memory occupancy has crossed the
// spill-to-disk threshold.
func (b *Buffer) AboveHighWaterMark() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aboveHighWaterMarkLocked()
}

func (b *Buffer) aboveHighWaterMarkLocked() bool {
	return float64(b.size) >= b.config.HighWaterMark*float64(b.config.Capacity)
}

// BelowLowWaterMark reports whether memory occupancy has fallen below
// the drain-from-disk threshold.
func (b *Buffer) BelowLowWaterMark() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.size) <= b.config.LowWaterMark*float64(b.config.Capacity)
}

// Flush drains every event regardless of n, used on shutdown.
func (b *Buffer) Flush() []model.RawEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked(b.size)
}

// HasCapacity reports whether at least one more event fits.
func (b *Buffer) HasCapacity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size < b.config.Capacity
}
