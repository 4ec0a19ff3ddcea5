// Package batcher implements the Adaptive Batcher: it tracks a
// per-interval EWMA of latency and throughput and adjusts the
// Dispatcher's batch size toward a target latency using standard
// exponential smoothing.
package batcher

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/healthbus"
)

// Config holds the static tunables for the batcher.
type Config struct {
	MinBatchSize       int
	MaxBatchSize       int
	InitialBatchSize   int
	TargetLatency      time.Duration
	ThroughputTarget    float64 // events/sec
	AdjustmentFactor    float64 // fraction to grow/shrink by, e.g. 0.2
	EvaluationInterval time.Duration
	EWMAAlpha          float64 // smoothing factor for latency/throughput, e.g. 0.3
	HysteresisWindow   int     // number of past decisions retained for oscillation rejection
}

type decision int

const (
	decisionNone decision = iota
	decisionIncrease
	decisionDecrease
)

// Batcher adapts batch size to observed latency and throughput.
type Batcher struct {
	mu  sync.Mutex
	cfg Config

	batchSize int

	ewmaLatencyMs float64
	ewmaThroughput float64

	history []decision

	backpressureActive bool

	logger zerolog.Logger
}

// New creates a Batcher seeded at cfg.InitialBatchSize.
func New(logger zerolog.Logger, cfg Config, bus *healthbus.Bus) *Batcher {
	if cfg.EWMAAlpha <= 0 {
		cfg.EWMAAlpha = 0.3
	}
	if cfg.HysteresisWindow <= 0 {
		cfg.HysteresisWindow = 4
	}
	size := cfg.InitialBatchSize
	if size <= 0 {
		size = cfg.MinBatchSize
	}
	b := &Batcher{
		logger:    logger.With().Str("component", "adaptive_batcher").Logger(),
		cfg:       cfg,
		batchSize: size,
	}
	if bus != nil {
		ch, _ := bus.Subscribe(16)
		go b.watchBackpressure(ch)
	}
	return b
}

func (b *Batcher) watchBackpressure(ch <-chan healthbus.Event) {
	for ev := range ch {
		if ev.Component != "backpressure" {
			continue
		}
		b.mu.Lock()
		switch {
		case ev.Detail == "inactive->active" || ev.Detail == "active->emergency" || ev.Detail == "inactive->emergency":
			b.backpressureActive = true
		case ev.Detail == "active->inactive" || ev.Detail == "emergency->inactive":
			b.backpressureActive = false
		}
		b.mu.Unlock()
	}
}

// RecordInterval feeds one evaluationInterval's observed latency and
// throughput into the EWMA trackers and re-evaluates the batch size.
func (b *Batcher) RecordInterval(latency time.Duration, throughput float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	latMs := float64(latency.Milliseconds())
	if b.ewmaLatencyMs == 0 {
		b.ewmaLatencyMs = latMs
	} else {
		b.ewmaLatencyMs = b.cfg.EWMAAlpha*latMs + (1-b.cfg.EWMAAlpha)*b.ewmaLatencyMs
	}
	if b.ewmaThroughput == 0 {
		b.ewmaThroughput = throughput
	} else {
		b.ewmaThroughput = b.cfg.EWMAAlpha*throughput + (1-b.cfg.EWMAAlpha)*b.ewmaThroughput
	}

	targetMs := float64(b.cfg.TargetLatency.Milliseconds())

	next := decisionNone
	switch {
	case b.ewmaLatencyMs > targetMs || b.backpressureActive:
		next = decisionDecrease
	case b.ewmaLatencyMs < targetMs*0.7 && b.ewmaThroughput < b.cfg.ThroughputTarget:
		next = decisionIncrease
	}

	if next != decisionNone && b.oscillatingLocked(next) {
		b.logger.Debug().Msg("rejecting adaptive batch size oscillation")
		next = decisionNone
	}

	switch next {
	case decisionIncrease:
		b.batchSize = clamp(int(float64(b.batchSize)*(1+b.cfg.AdjustmentFactor)), b.cfg.MinBatchSize, b.cfg.MaxBatchSize)
	case decisionDecrease:
		b.batchSize = clamp(int(float64(b.batchSize)*(1-b.cfg.AdjustmentFactor)), b.cfg.MinBatchSize, b.cfg.MaxBatchSize)
	}

	b.history = append(b.history, next)
	if len(b.history) > b.cfg.HysteresisWindow {
		b.history = b.history[len(b.history)-b.cfg.HysteresisWindow:]
	}

	return b.batchSize
}

// oscillatingLocked rejects a decision that reverses one made within
// the last two intervals (decisionIncrease immediately followed by
// decisionDecrease, or vice versa).
func (b *Batcher) oscillatingLocked(next decision) bool {
	n := len(b.history)
	if n == 0 {
		return false
	}
	last := b.history[n-1]
	opposite := (last == decisionIncrease && next == decisionDecrease) ||
		(last == decisionDecrease && next == decisionIncrease)
	if opposite {
		return true
	}
	if n >= 2 {
		prev := b.history[n-2]
		opposite = (prev == decisionIncrease && next == decisionDecrease) ||
			(prev == decisionDecrease && next == decisionIncrease)
		return opposite
	}
	return false
}

// GetBatchSize returns the Dispatcher's current pull size.
func (b *Batcher) GetBatchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchSize
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
