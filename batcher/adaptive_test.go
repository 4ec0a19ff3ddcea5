package batcher_test

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/batcher"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() batcher.Config {
	return batcher.Config{
		MinBatchSize:       10,
		MaxBatchSize:       1000,
		InitialBatchSize:   100,
		TargetLatency:      50 * time.Millisecond,
		ThroughputTarget:   10000,
		AdjustmentFactor:   0.2,
		EvaluationInterval: time.Second,
		EWMAAlpha:          0.5,
		HysteresisWindow:   4,
	}
}

func TestBatchSizeGrowsWhenLatencyLowAndThroughputBelowTarget(t *testing.T) {
	b := batcher.New(testLogger(), testConfig(), nil)

	size := b.RecordInterval(10*time.Millisecond, 1000)
	if size <= 100 {
		t.Fatalf("expected batch size to grow from 100, got %d", size)
	}
}

func TestBatchSizeShrinksWhenLatencyExceedsTarget(t *testing.T) {
	b := batcher.New(testLogger(), testConfig(), nil)

	size := b.RecordInterval(200*time.Millisecond, 1000)
	if size >= 100 {
		t.Fatalf("expected batch size to shrink from 100, got %d", size)
	}
}

func TestBatchSizeNeverExceedsMax(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBatchSize = cfg.MaxBatchSize
	b := batcher.New(testLogger(), cfg, nil)

	for i := 0; i < 10; i++ {
		size := b.RecordInterval(1*time.Millisecond, 1)
		if size > cfg.MaxBatchSize {
			t.Fatalf("batch size %d exceeded max %d", size, cfg.MaxBatchSize)
		}
	}
}

func TestBatchSizeNeverBelowMin(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBatchSize = cfg.MinBatchSize
	b := batcher.New(testLogger(), cfg, nil)

	for i := 0; i < 10; i++ {
		size := b.RecordInterval(time.Second, 1)
		if size < cfg.MinBatchSize {
			t.Fatalf("batch size %d below min %d", size, cfg.MinBatchSize)
		}
	}
}

func TestHysteresisRejectsImmediateReversal(t *testing.T) {
	b := batcher.New(testLogger(), testConfig(), nil)

	grown := b.RecordInterval(10*time.Millisecond, 1000)
	if grown <= 100 {
		t.Fatalf("expected growth, got %d", grown)
	}

	// an immediate reversal in the opposite direction should be rejected
	// by the hysteresis window, leaving the batch size unchanged.
	afterReversal := b.RecordInterval(200*time.Millisecond, 1000)
	if afterReversal != grown {
		t.Fatalf("expected oscillation rejection to hold batch size at %d, got %d", grown, afterReversal)
	}
}

func TestGetBatchSizeReflectsLastRecordedValue(t *testing.T) {
	b := batcher.New(testLogger(), testConfig(), nil)
	recorded := b.RecordInterval(10*time.Millisecond, 1000)
	if got := b.GetBatchSize(); got != recorded {
		t.Fatalf("expected GetBatchSize %d to match last recorded %d", got, recorded)
	}
}
