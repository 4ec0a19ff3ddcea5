package dispatcher

import (
	"hash/fnv"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/circuitbreaker"
	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/model"
)

// ShardGroup runs N Dispatcher instances sharing one KeyedOrdering
// guard so every shard honors the per-(collector, organizationId)
// ordering guarantee even though each shard pulls from the Buffer
// Manager independently.
type ShardGroup struct {
	shards []*Dispatcher
}

// NewShardGroup builds count Dispatcher shards, all wired to the same
// buffer/flow/breaker/batcher/backpressure collaborators, differing
// only in which events they happen to dequeue.
func NewShardGroup(
	count int,
	logger zerolog.Logger,
	cfg Config,
	buffer *buffermanager.Manager,
	flow *flowcontrol.Controller,
	breaker *circuitbreaker.Breaker[SendResult],
	batch *batcher.Batcher,
	backp *backpressure.Monitor,
	send ProducerFunc,
) *ShardGroup {
	ordering := NewKeyedOrdering()
	g := &ShardGroup{}
	for i := 0; i < count; i++ {
		g.shards = append(g.shards, New(logger, cfg, buffer, flow, breaker, batch, backp, send, ordering))
	}
	return g
}

// Start launches every shard's dispatch loop.
func (g *ShardGroup) Start() {
	for _, s := range g.shards {
		s.Start()
	}
}

// Stop stops every shard and waits for each to exit.
func (g *ShardGroup) Stop() {
	for _, s := range g.shards {
		s.Stop()
	}
}

// ShardFor returns the shard index a key-hash would route to, exposed
// for callers that want to pin a collector's pulls to one shard rather
// than letting shards race on buffermanager.Manager.GetBatch.
func ShardFor(key string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % shardCount
}

// ShardForEvent is a convenience wrapper over ShardFor using a
// RawEvent's ordering key.
func ShardForEvent(e model.RawEvent, shardCount int) int {
	return ShardFor(e.OrderingKey(), shardCount)
}
