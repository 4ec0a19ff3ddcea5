// Package producerpool manages a pool of downstream Kafka-compatible
// bus clients (built on sarama's SyncProducer): shared, eagerly-dialed,
// metrics-tracked clients with idempotent-producer semantics.
package producerpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/pipelineerrors"
)

// Config configures the pool and the underlying sarama client.
type Config struct {
	Brokers      []string
	Size         int           // number of pooled producer clients
	MaxQueueSize int           // admission-control ceiling on in-flight sends
	IdleTimeout  time.Duration // reaps a client's metrics entry after this long unused
	Idempotent   bool          // enable sarama's idempotent producer (monotonic sequence per partition)
	RequiredAcks sarama.RequiredAcks
}

// DefaultConfig returns production defaults.
func DefaultConfig(brokers []string) Config {
	return Config{
		Brokers:      brokers,
		Size:         8,
		MaxQueueSize: 10_000,
		IdleTimeout:  5 * time.Minute,
		Idempotent:   true,
		RequiredAcks: sarama.WaitForAll,
	}
}

// clientMetrics tracks per-client utilization the way the HTTP pool
// tracked per-provider connection reuse.
type clientMetrics struct {
	totalSent   int64
	totalErrors int64
	lastUsed    atomic.Int64 // unix nanos
}

// Pool is the Producer Pool: size clients to a downstream bus, admission
// controlled by MaxQueueSize in-flight sends.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	clients  []sarama.SyncProducer
	metrics  []*clientMetrics
	next     int
	inflight atomic.Int64
}

// New builds the pool's saramaConfig and dials cfg.Size producer
// clients eagerly (sarama handles broker reconnection internally, so
// there is no lazy-dial path to mirror from the HTTP pool).
func New(cfg Config) (*Pool, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = cfg.RequiredAcks
	saramaCfg.Producer.Idempotent = cfg.Idempotent
	if cfg.Idempotent {
		saramaCfg.Net.MaxOpenRequests = 1
		saramaCfg.Producer.Retry.Max = 10
	}
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner

	p := &Pool{cfg: cfg}
	for i := 0; i < cfg.Size; i++ {
		client, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
		if err != nil {
			p.Close()
			return nil, pipelineerrors.Wrap(pipelineerrors.ErrTransientNetwork, "dial producer client", err)
		}
		p.clients = append(p.clients, client)
		p.metrics = append(p.metrics, &clientMetrics{})
	}
	return p, nil
}

// SendBatch serializes each event with the organization id as the
// message key (so bus partition ordering is preserved per tenant) and
// sends the batch via a round-robin idle client.
func (p *Pool) SendBatch(topic string, events []model.RawEvent) error {
	if p.inflight.Load() >= int64(p.cfg.MaxQueueSize) {
		return pipelineerrors.Wrap(pipelineerrors.ErrTransientNetwork, "producer pool queue full", nil)
	}
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	client, metrics := p.pick()
	metrics.lastUsed.Store(time.Now().UnixNano())

	messages := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		headers := make([]sarama.RecordHeader, 0, len(e.Fields)+2)
		headers = append(headers,
			sarama.RecordHeader{Key: []byte("collector"), Value: []byte(e.Metadata.CollectorName)},
			sarama.RecordHeader{Key: []byte("source"), Value: []byte(e.Source)},
		)
		messages = append(messages, &sarama.ProducerMessage{
			Topic:     topic,
			Key:       sarama.StringEncoder(e.Metadata.OrganizationID),
			Value:     sarama.ByteEncoder(e.Payload),
			Headers:   headers,
			Timestamp: e.Timestamp,
		})
	}

	if err := client.SendMessages(messages); err != nil {
		atomic.AddInt64(&metrics.totalErrors, int64(len(events)))
		return pipelineerrors.Wrap(pipelineerrors.ErrTransientNetwork, "send batch to downstream bus", err)
	}
	atomic.AddInt64(&metrics.totalSent, int64(len(events)))
	return nil
}

// pick round-robins across the pool's clients.
func (p *Pool) pick() (sarama.SyncProducer, *clientMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.next
	p.next = (p.next + 1) % len(p.clients)
	return p.clients[i], p.metrics[i]
}

// Metrics returns per-client send/error counters for the metrics
// collector and httpapi introspection.
func (p *Pool) Metrics() []map[string]int64 {
	out := make([]map[string]int64, len(p.metrics))
	for i, m := range p.metrics {
		out[i] = map[string]int64{
			"total_sent":   atomic.LoadInt64(&m.totalSent),
			"total_errors": atomic.LoadInt64(&m.totalErrors),
		}
	}
	return out
}

// ReapIdle resets the send/error counters of any client unused for
// longer than cfg.IdleTimeout. Sarama clients are long-lived TCP
// connections, so no client is closed or removed; the client set size
// is fixed at pool construction.
func (p *Pool) ReapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout).UnixNano()
	for _, m := range p.metrics {
		if m.lastUsed.Load() != 0 && m.lastUsed.Load() < cutoff {
			atomic.StoreInt64(&m.totalSent, 0)
			atomic.StoreInt64(&m.totalErrors, 0)
		}
	}
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		_ = c.Close()
	}
}
