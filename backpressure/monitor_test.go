package backpressure_test

import (
	"testing"
	"time"

	"github.com/coriolis-labs/ingestor/backpressure"
)

func testConfig() backpressure.Config {
	return backpressure.Config{
		WindowSize:          1, // collapse the rolling window to the latest sample
		QueueDepthThreshold: 100,
		LatencyThreshold:    50 * time.Millisecond,
		ErrorRateThreshold:  0.1,
		RecoveryFactor:      0.5,
		EmergencyThreshold:  2.0,
	}
}

func TestMonitorStartsInactive(t *testing.T) {
	m := backpressure.New(testConfig(), nil)
	if m.State() != backpressure.Inactive {
		t.Fatalf("expected Inactive initial state, got %v", m.State())
	}
}

func TestMonitorTransitionsToActiveOnThresholdBreach(t *testing.T) {
	m := backpressure.New(testConfig(), nil)
	state := m.Sample(150, 10*time.Millisecond, 0, 0)
	if state != backpressure.Active {
		t.Fatalf("expected Active after queue depth breach, got %v", state)
	}
}

func TestMonitorEscalatesToEmergency(t *testing.T) {
	m := backpressure.New(testConfig(), nil)
	state := m.Sample(300, 10*time.Millisecond, 0, 0)
	if state != backpressure.Emergency {
		t.Fatalf("expected Emergency at 2x+ threshold, got %v", state)
	}
}

func TestMonitorRecoversToInactive(t *testing.T) {
	m := backpressure.New(testConfig(), nil)
	m.Sample(150, 10*time.Millisecond, 0, 0)
	if m.State() != backpressure.Active {
		t.Fatal("expected Active before recovery")
	}
	state := m.Sample(10, time.Millisecond, 0, 0)
	if state != backpressure.Inactive {
		t.Fatalf("expected recovery to Inactive once below RecoveryFactor*threshold, got %v", state)
	}
}

func TestMonitorStaysActiveBetweenThresholdAndRecoveryBand(t *testing.T) {
	m := backpressure.New(testConfig(), nil)
	m.Sample(150, 10*time.Millisecond, 0, 0)
	// 60 is above RecoveryFactor*threshold (50) but below the exceed
	// threshold (100): neither exceeded nor recovered should hold, so
	// the monitor must remain in its previous Active state.
	state := m.Sample(60, 10*time.Millisecond, 0, 0)
	if state != backpressure.Active {
		t.Fatalf("expected monitor to remain Active in the hysteresis band, got %v", state)
	}
}
