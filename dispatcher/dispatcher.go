// Package dispatcher runs the pull-from-buffer, gate, send, requeue
// loop: BufferManager.getBatch -> FlowController.requestPermission ->
// CircuitBreaker.execute(ProducerPool.sendBatch) -> record or requeue.
// Its background-loop/cancel/Start-Stop shape follows the health
// poller's goroutine lifecycle idiom.
package dispatcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/circuitbreaker"
	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/model"
)

// SendResult is the opaque success value a bus send returns; the
// circuit breaker is generic over it so a future non-Kafka bus only
// needs a different ProducerFunc, not a different Breaker type.
type SendResult struct {
	PartitionCount int
}

// ProducerFunc sends a batch and returns a SendResult or an error; it
// is satisfied by producerpool.Pool.SendBatch wrapped to match this
// signature, keeping the Dispatcher free of a direct sarama import.
type ProducerFunc func(topic string, events []model.RawEvent) (SendResult, error)

// Config holds the static tunables for one Dispatcher instance.
type Config struct {
	Topic         string
	EmptyPollWait time.Duration // sleep when getBatch returns nothing
	DeniedWait    time.Duration // sleep when the Flow Controller denies admission
}

// Dispatcher is a single logical task; run several instances (see
// Shard) for higher parallelism.
type Dispatcher struct {
	logger zerolog.Logger
	cfg    Config

	buffer  *buffermanager.Manager
	flow    *flowcontrol.Controller
	breaker *circuitbreaker.Breaker[SendResult]
	batch   *batcher.Batcher
	backp   *backpressure.Monitor
	send    ProducerFunc
	ordering *KeyedOrdering

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a Dispatcher from its collaborating components. ordering
// may be nil if this Dispatcher is not sharded (see shard.go).
func New(
	logger zerolog.Logger,
	cfg Config,
	buffer *buffermanager.Manager,
	flow *flowcontrol.Controller,
	breaker *circuitbreaker.Breaker[SendResult],
	batch *batcher.Batcher,
	backp *backpressure.Monitor,
	send ProducerFunc,
	ordering *KeyedOrdering,
) *Dispatcher {
	if cfg.EmptyPollWait <= 0 {
		cfg.EmptyPollWait = 50 * time.Millisecond
	}
	if cfg.DeniedWait <= 0 {
		cfg.DeniedWait = 25 * time.Millisecond
	}
	return &Dispatcher{
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		cfg:      cfg,
		buffer:   buffer,
		flow:     flow,
		breaker:  breaker,
		batch:    batch,
		backp:    backp,
		send:     send,
		ordering: ordering,
		done:     make(chan struct{}),
	}
}

// Start begins the dispatch loop in a background goroutine.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight iteration to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.step(ctx)
	}
}

// step runs one iteration of §4.8's five-step loop.
func (d *Dispatcher) step(ctx context.Context) {
	size := d.batch.GetBatchSize()
	events := d.buffer.GetBatch(size)
	if len(events) == 0 {
		sleep(ctx, d.cfg.EmptyPollWait)
		return
	}

	priority := lowestPriority(events)
	if !d.flow.RequestPermission(len(events), priority) {
		d.buffer.RequeueEvents(events, priority)
		sleep(ctx, d.cfg.DeniedWait)
		return
	}

	var unlock func()
	if d.ordering != nil {
		unlock = d.ordering.Lock(events[0].OrderingKey())
		defer unlock()
	}

	start := time.Now()
	_, err := d.breaker.Execute(ctx, func(ctx context.Context) (SendResult, error) {
		return d.send(d.cfg.Topic, events)
	})
	latency := time.Since(start)
	throughput := float64(len(events)) / latency.Seconds()

	if err != nil {
		d.logger.Warn().Err(err).Int("batch_size", len(events)).Msg("send failed, requeueing batch")
		d.buffer.RequeueEvents(events, priority)
		d.backp.Sample(d.buffer.GetSize(), latency, 1.0, 0)
		return
	}

	d.backp.Sample(d.buffer.GetSize(), latency, 0.0, throughput)
	d.batch.RecordInterval(latency, throughput)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func lowestPriority(events []model.RawEvent) int {
	lowest := events[0].Priority
	for _, e := range events[1:] {
		if e.Priority < lowest {
			lowest = e.Priority
		}
	}
	return lowest
}

// KeyedOrdering wraps buffermanager.KeyedMutex under the name the
// Dispatcher's ordering guarantee documentation uses.
type KeyedOrdering struct {
	km *buffermanager.KeyedMutex
}

// NewKeyedOrdering creates an ordering guard shared across every
// Dispatcher shard so two shards never interleave sends for the same
// (collector, organizationId) key.
func NewKeyedOrdering() *KeyedOrdering {
	return &KeyedOrdering{km: buffermanager.NewKeyedMutex()}
}

func (k *KeyedOrdering) Lock(key string) func() {
	return k.km.Lock(key)
}
