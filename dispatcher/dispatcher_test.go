package dispatcher_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/circuitbreaker"
	"github.com/coriolis-labs/ingestor/dispatcher"
	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/membuffer"
	"github.com/coriolis-labs/ingestor/model"
)

func newTestDispatcher(t *testing.T, send dispatcher.ProducerFunc) (*dispatcher.Dispatcher, *buffermanager.Manager) {
	t.Helper()

	buf, err := buffermanager.New(zerolog.Nop(), buffermanager.Config{
		Memory:      membuffer.Config{Capacity: 1000, HighWaterMark: 0.9, LowWaterMark: 0.3},
		DiskPath:    filepath.Join(t.TempDir(), "spill.seg"),
		DiskMaxSize: 1 << 20,
		MaxAttempts: 3,
	}, nil)
	if err != nil {
		t.Fatalf("new buffer manager: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	flow := flowcontrol.New(zerolog.Nop(), flowcontrol.Config{
		Capacity:           1000,
		FillRate:           1000,
		MaxEventsPerSecond: 1000,
		TriggerThreshold:   0.8,
		ThrottleRate:       0.5,
	}, nil)

	breaker := circuitbreaker.New[dispatcher.SendResult](circuitbreaker.Config{
		Name:             "test",
		MinRequests:      1000,
		FailureRate:      0.99,
		ResetTimeout:     time.Second,
		HalfOpenRequests: 1,
	}, nil)

	batch := batcher.New(zerolog.Nop(), batcher.Config{
		MinBatchSize:       1,
		MaxBatchSize:       100,
		InitialBatchSize:   10,
		TargetLatency:      100 * time.Millisecond,
		ThroughputTarget:   1000,
		AdjustmentFactor:   0.2,
		EvaluationInterval: time.Second,
	}, nil)

	backp := backpressure.New(backpressure.Config{
		WindowSize:          10,
		SampleInterval:      100 * time.Millisecond,
		QueueDepthThreshold: 10000,
		LatencyThreshold:    time.Second,
		ErrorRateThreshold:  0.5,
		RecoveryFactor:      0.5,
		EmergencyThreshold:  2,
	}, nil)

	d := dispatcher.New(zerolog.Nop(), dispatcher.Config{
		Topic:         "test-topic",
		EmptyPollWait: 5 * time.Millisecond,
		DeniedWait:    5 * time.Millisecond,
	}, buf, flow, breaker, batch, backp, send, nil)

	return d, buf
}

func TestDispatcherSendsAndDrainsBuffer(t *testing.T) {
	var mu sync.Mutex
	var sent []model.RawEvent

	send := func(topic string, events []model.RawEvent) (dispatcher.SendResult, error) {
		mu.Lock()
		sent = append(sent, events...)
		mu.Unlock()
		return dispatcher.SendResult{PartitionCount: 1}, nil
	}

	d, buf := newTestDispatcher(t, send)

	for i := 0; i < 25; i++ {
		e := model.NewRawEvent(model.SourceSyslog, []byte("e"), model.Metadata{}, 0)
		if err := buf.AddEvent(e, 0); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	d.Start()
	defer d.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n == 25 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("expected all 25 events to be sent, got %d", len(sent))
}

func TestDispatcherRequeuesOnSendFailure(t *testing.T) {
	var attempts int
	var mu sync.Mutex

	send := func(topic string, events []model.RawEvent) (dispatcher.SendResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return dispatcher.SendResult{}, context.DeadlineExceeded
	}

	d, buf := newTestDispatcher(t, send)
	e := model.NewRawEvent(model.SourceSyslog, []byte("e"), model.Metadata{}, 0)
	if err := buf.AddEvent(e, 0); err != nil {
		t.Fatalf("add event: %v", err)
	}

	d.Start()
	defer d.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the failed batch to be requeued and retried at least twice")
}
