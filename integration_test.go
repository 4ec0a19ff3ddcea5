package integration_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/circuitbreaker"
	"github.com/coriolis-labs/ingestor/config"
	"github.com/coriolis-labs/ingestor/dispatcher"
	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/membuffer"
	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/router"
)

// TestIntegrationSkipByDefault is the placeholder for a run against
// live services (a reachable Redis and Kafka broker). It is skipped
// unless RUN_INGESTOR_INTEGRATION=1 is set, and skips even then: no
// live-service path is exercised here. The in-process path is covered
// by TestIngestFlowsThroughBufferToDispatcher below.
func TestIntegrationSkipByDefault(t *testing.T) {
	if os.Getenv("RUN_INGESTOR_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_INGESTOR_INTEGRATION=1 to run")
	}
	t.Skip("external redis/Kafka wiring not implemented in this environment")
}

// TestIngestFlowsThroughBufferToDispatcher drives a real HTTP request
// through router.NewRouter's /v1/ingest route and asserts the event
// reaches a dispatcher send, proving out the collector-to-bus path
// end to end without a live broker: dispatcher.ProducerFunc here is a
// plain closure rather than producerpool.Pool backed by a live sarama
// client, the same substitution producerpool's own tests make via
// sarama/mocks.
func TestIngestFlowsThroughBufferToDispatcher(t *testing.T) {
	buf, err := buffermanager.New(zerolog.Nop(), buffermanager.Config{
		Memory:      membuffer.Config{Capacity: 1000, HighWaterMark: 0.9, LowWaterMark: 0.3},
		DiskPath:    filepath.Join(t.TempDir(), "spill.seg"),
		DiskMaxSize: 1 << 20,
		MaxAttempts: 3,
	}, nil)
	if err != nil {
		t.Fatalf("new buffer manager: %v", err)
	}
	defer buf.Close()

	flow := flowcontrol.New(zerolog.Nop(), flowcontrol.Config{
		Capacity:           1000,
		FillRate:           1000,
		MaxEventsPerSecond: 1000,
	}, nil)

	breaker := circuitbreaker.New[dispatcher.SendResult](circuitbreaker.Config{
		Name:             "integration-test",
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

	received := make(chan model.RawEvent, 1)
	send := func(topic string, events []model.RawEvent) (dispatcher.SendResult, error) {
		for _, e := range events {
			received <- e
		}
		return dispatcher.SendResult{PartitionCount: 1}, nil
	}

	d := dispatcher.New(zerolog.Nop(), dispatcher.Config{
		Topic:         "security-events",
		EmptyPollWait: 5 * time.Millisecond,
		DeniedWait:    5 * time.Millisecond,
	}, buf, flow, breaker, batch, backp, send, nil)
	d.Start()
	defer d.Stop()

	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		APIKeyHeader:     "X-Ingest-Key",
		MaxBodyBytes:     1 << 20,
	}
	handler := router.NewRouter(cfg, zerolog.Nop(), router.Deps{Buffer: buf, Flow: flow})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"source":  "syslog",
		"payload": "<34>Oct 11 22:14:15 host app: integration test event",
	})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingest-Key", "test-key")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post ingest: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d: %s", resp.StatusCode, respBody)
	}

	select {
	case e := <-received:
		if e.Source != "syslog" {
			t.Fatalf("expected source 'syslog', got %q", e.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the dispatcher loop to pull, gate, and send the ingested event")
	}
}
