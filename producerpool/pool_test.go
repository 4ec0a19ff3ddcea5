package producerpool

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/coriolis-labs/ingestor/model"
)

// newTestPool builds a Pool around sarama's own mock SyncProducer so
// SendBatch can be exercised without a live broker.
func newTestPool(t *testing.T, size int, maxQueueSize int) *Pool {
	t.Helper()
	p := &Pool{cfg: Config{Size: size, MaxQueueSize: maxQueueSize}}
	for i := 0; i < size; i++ {
		mp := mocks.NewSyncProducer(t, nil)
		mp.ExpectSendMessageAndSucceed()
		p.clients = append(p.clients, mp)
		p.metrics = append(p.metrics, &clientMetrics{})
	}
	return p
}

func testBatch(n int) []model.RawEvent {
	out := make([]model.RawEvent, n)
	for i := range out {
		out[i] = model.NewRawEvent(model.SourceSyslog, []byte("e"), model.Metadata{}, 0)
	}
	return out
}

func TestSendBatchRoundRobinsAcrossClients(t *testing.T) {
	p := newTestPool(t, 3, 100)
	defer p.Close()

	for i := 0; i < 3; i++ {
		if err := p.SendBatch("topic", testBatch(1)); err != nil {
			t.Fatalf("send batch %d: %v", i, err)
		}
	}

	metrics := p.Metrics()
	for i, m := range metrics {
		if m["total_sent"] != 1 {
			t.Fatalf("expected client %d to have sent exactly 1 message via round robin, got %d", i, m["total_sent"])
		}
	}
}

func TestSendBatchRejectsOnceQueueIsFull(t *testing.T) {
	// No expectations queued: a rejected send must never reach the
	// client, so the mock producer would fail the test on Close if it did.
	mp := mocks.NewSyncProducer(t, nil)
	p := &Pool{cfg: Config{Size: 1, MaxQueueSize: 1}, clients: []sarama.SyncProducer{mp}, metrics: []*clientMetrics{{}}}
	defer p.Close()
	p.inflight.Store(1)

	if err := p.SendBatch("topic", testBatch(1)); err == nil {
		t.Fatal("expected SendBatch to reject once MaxQueueSize in-flight sends is reached")
	}
}

func TestReapIdleResetsStaleClientMetrics(t *testing.T) {
	p := newTestPool(t, 1, 100)
	defer p.Close()
	p.cfg.IdleTimeout = time.Millisecond

	if err := p.SendBatch("topic", testBatch(1)); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	p.ReapIdle()

	if p.metrics[0].totalSent != 0 {
		t.Fatalf("expected idle client metrics to be reset, got totalSent=%d", p.metrics[0].totalSent)
	}
}
