package flowcontrol_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/healthbus"
)

func testConfig() flowcontrol.Config {
	return flowcontrol.Config{
		Capacity:           10,
		FillRate:           10,
		MaxEventsPerSecond: 10,
		TriggerThreshold:   0.8,
		ThrottleRate:       0.5,
		MaintenanceTick:    10 * time.Millisecond,
	}
}

// TestNeverAdmitsMoreThanMaxEventsPerSecond drives far more demand than
// the sliding-window ceiling allows within one second and asserts the
// controller never lets the running total exceed it, regardless of how
// large the token bucket capacity is.
func TestNeverAdmitsMoreThanMaxEventsPerSecond(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 1000
	cfg.FillRate = 1000
	cfg.MaxEventsPerSecond = 10
	c := flowcontrol.New(zerolog.Nop(), cfg, nil)

	admitted := 0
	for i := 0; i < 100; i++ {
		if c.RequestPermission(1, 5) {
			admitted++
		}
	}

	if admitted > int(cfg.MaxEventsPerSecond) {
		t.Fatalf("expected at most %d admissions within the one-second window, got %d", cfg.MaxEventsPerSecond, admitted)
	}
}

func TestRequestPermissionRejectsOnceBucketIsEmpty(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 5
	cfg.FillRate = 0
	cfg.MaxEventsPerSecond = 1000
	c := flowcontrol.New(zerolog.Nop(), cfg, nil)

	for i := 0; i < 5; i++ {
		if !c.RequestPermission(1, 0) {
			t.Fatalf("expected admission %d to succeed within bucket capacity", i)
		}
	}
	if c.RequestPermission(1, 0) {
		t.Fatal("expected admission to fail once the bucket is drained and not refilling")
	}
}

// TestLowerPriorityYieldsToPendingHigherPriorityHold exercises
// admission under real contention, not just post-rejection retry
// ordering: with tokens available and a higher priority request
// already parked on the held queue, a lower priority caller must still
// be rejected so the tokens remain for the higher priority retry.
func TestLowerPriorityYieldsToPendingHigherPriorityHold(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 5
	cfg.FillRate = 0
	cfg.MaxEventsPerSecond = 1000
	c := flowcontrol.New(zerolog.Nop(), cfg, nil)

	// Priority 0 is waiting on the held queue for tokens to free up.
	c.Hold(0, func() {})

	if c.RequestPermission(1, 10) {
		t.Fatal("expected a lower priority (10) request to yield to the pending higher priority (0) hold")
	}

	// The priority that is itself waiting is not blocked by its own hold.
	if !c.RequestPermission(1, 0) {
		t.Fatal("expected the pending priority's own request to be admitted once tokens are available")
	}
}

func TestEmergencyModeArmsFromBackpressureEvent(t *testing.T) {
	bus := healthbus.New()
	c := flowcontrol.New(zerolog.Nop(), testConfig(), bus)
	if c.Emergency() {
		t.Fatal("expected controller to start outside emergency mode")
	}

	bus.Publish(healthbus.Event{Kind: healthbus.ThresholdCrossed, Component: "backpressure", Detail: "inactive->active"})
	deadline := time.Now().Add(time.Second)
	for !c.Emergency() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Emergency() {
		t.Fatal("expected emergency mode to arm after an inactive->active backpressure event")
	}
}
