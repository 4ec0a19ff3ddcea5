// Package circuitbreaker guards Producer Pool sends with a three-state
// gate, built on sony/gobreaker/v2 rather than hand-rolling the state
// machine: gobreaker already implements the Closed/Open/Half-Open
// transitions and the sliding counter window this component needs.
package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/coriolis-labs/ingestor/healthbus"
	"github.com/coriolis-labs/ingestor/pipelineerrors"
)

// Config mirrors the pipeline's own tunables onto gobreaker's settings.
type Config struct {
	Name             string
	MinRequests      uint32        // totalRequests required before FailureRate applies
	FailureRate      float64       // failures/totalRequests ratio required to trip
	ResetTimeout     time.Duration // Open -> Half-Open delay
	HalfOpenRequests uint32        // consecutive successes required to close from Half-Open
}

// Breaker wraps gobreaker.CircuitBreaker[T] for the producer pool's
// send path (T = sarama's partition/offset pair, but Execute is
// generic over any producer-send return shape).
type Breaker[T any] struct {
	cb   *gobreaker.CircuitBreaker[T]
	bus  *healthbus.Bus
	name string
}

// New builds a breaker that publishes a StateChange health event on
// every gobreaker state transition.
func New[T any](cfg Config, bus *healthbus.Bus) *Breaker[T] {
	b := &Breaker[T]{bus: bus, name: cfg.Name}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if bus == nil {
				return
			}
			bus.Publish(healthbus.Event{
				Kind:      healthbus.StateChange,
				Component: "circuitbreaker." + name,
				Detail:    from.String() + "->" + to.String(),
			})
		},
	}

	b.cb = gobreaker.NewCircuitBreaker[T](settings)
	return b
}

// Execute runs op through the breaker. In the Open state it returns
// ErrCircuitOpen immediately without invoking op; in Half-Open it
// admits at most HalfOpenRequests concurrent probes (enforced by
// gobreaker's MaxRequests).
func (b *Breaker[T]) Execute(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (T, error) {
		return op(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		var zero T
		return zero, pipelineerrors.Wrap(pipelineerrors.ErrCircuitOpen, b.name, err)
	}
	return result, err
}

// State reports the breaker's current state name for health endpoints.
func (b *Breaker[T]) State() string {
	return b.cb.State().String()
}

// Counts exposes the rolling request/failure counters for metrics.
func (b *Breaker[T]) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
