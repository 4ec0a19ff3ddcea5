package circuitbreaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coriolis-labs/ingestor/circuitbreaker"
	"github.com/coriolis-labs/ingestor/healthbus"
	"github.com/coriolis-labs/ingestor/pipelineerrors"
)

func testConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		Name:             "test-breaker",
		MinRequests:      3,
		FailureRate:      0.5,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenRequests: 1,
	}
}

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	b := circuitbreaker.New[int](testConfig(), nil)

	failingOp := func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	}

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(context.Background(), failingOp); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	if b.State() != "open" {
		t.Fatalf("expected breaker open after repeated failures, got %s", b.State())
	}

	_, err := b.Execute(context.Background(), func(ctx context.Context) (int, error) {
		t.Fatal("op must not run while breaker is open")
		return 0, nil
	})
	if !errors.Is(err, pipelineerrors.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	cfg := testConfig()
	b := circuitbreaker.New[int](cfg, nil)

	failingOp := func(ctx context.Context) (int, error) { return 0, errors.New("boom") }
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), failingOp)
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)

	result, err := b.Execute(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected the half-open probe to succeed, got %v", err)
	}
	if result != 42 {
		t.Fatalf("expected probe result 42, got %d", result)
	}
	if b.State() != "closed" {
		t.Fatalf("expected breaker to close after a successful probe, got %s", b.State())
	}
}

// TestBreakerTripsOnInterleavedFailures reproduces 15 failures in 20
// sends where no single run of consecutive failures is long: the
// breaker must still open once the failure ratio crosses FailureRate,
// without requiring a run of consecutive failures to reach any count.
func TestBreakerTripsOnInterleavedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MinRequests = 20
	cfg.FailureRate = 0.5
	b := circuitbreaker.New[int](cfg, nil)

	// 5 successes and 15 failures, arranged so no run of failures
	// exceeds length 3 and failures never appear 5-in-a-row.
	pattern := []bool{}
	for i := 0; i < 5; i++ {
		pattern = append(pattern, false, true, true, true)
	}

	opened := false
	for _, fail := range pattern {
		op := func(ctx context.Context) (int, error) {
			if fail {
				return 0, errors.New("boom")
			}
			return 1, nil
		}
		b.Execute(context.Background(), op)
		if b.State() == "open" {
			opened = true
			break
		}
	}

	if !opened {
		t.Fatal("expected breaker to open on a 15-failures-in-20-sends pattern with no long consecutive run")
	}
}

func TestBreakerPublishesStateChangeOnBus(t *testing.T) {
	bus := healthbus.New()
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	b := circuitbreaker.New[int](testConfig(), bus)
	failingOp := func(ctx context.Context) (int, error) { return 0, errors.New("boom") }
	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), failingOp)
	}

	select {
	case ev := <-events:
		if ev.Kind != healthbus.StateChange {
			t.Fatalf("expected a StateChange event, got kind %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for circuit state change event")
	}
}
