package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthPoller continuously monitors every registered collector's
// lifecycle state in the background and fires a callback whenever an
// already-seen collector's state differs from the previous poll, polling
// immediately on Start then on a fixed tick thereafter.
type HealthPoller struct {
	registry *Registry
	logger   zerolog.Logger
	interval time.Duration

	mu             sync.RWMutex
	lastState      map[string]Lifecycle
	statusChangeCB func(name string, state Lifecycle, status Status)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller that checks every collector at the
// given interval (minimum 5 seconds).
func NewHealthPoller(registry *Registry, logger zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		registry:  registry,
		logger:    logger.With().Str("component", "health_poller").Logger(),
		interval:  interval,
		lastState: make(map[string]Lifecycle),
		done:      make(chan struct{}),
	}
}

// OnStatusChange registers a callback invoked when a collector's
// lifecycle state transitions.
func (hp *HealthPoller) OnStatusChange(cb func(name string, state Lifecycle, status Status)) {
	hp.statusChangeCB = cb
}

// Start begins the background polling loop. Call Stop() to shut it
// down gracefully.
func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel

	hp.logger.Info().Dur("interval", hp.interval).Msg("starting collector health poller")

	go hp.pollLoop(ctx)
}

// Stop gracefully shuts down the poller and waits for it to finish.
func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
	hp.logger.Info().Msg("health poller stopped")
}

func (hp *HealthPoller) pollLoop(ctx context.Context) {
	defer close(hp.done)

	hp.poll()

	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll()
		}
	}
}

func (hp *HealthPoller) poll() {
	statuses := hp.registry.StatusAll()

	hp.mu.Lock()
	defer hp.mu.Unlock()

	active, errored := 0, 0
	for _, status := range statuses {
		prev, known := hp.lastState[status.Name]
		if known && prev != status.State {
			hp.logger.Warn().
				Str("collector", status.Name).
				Str("from", string(prev)).
				Str("to", string(status.State)).
				Str("last_error", status.LastError).
				Msg("collector state change")

			if hp.statusChangeCB != nil {
				hp.statusChangeCB(status.Name, status.State, status)
			}
		}
		hp.lastState[status.Name] = status.State

		switch status.State {
		case Active:
			active++
		case Error:
			errored++
		}
	}

	hp.logger.Debug().
		Int("active", active).
		Int("errored", errored).
		Int("total", len(statuses)).
		Msg("health poll complete")
}

// Status returns the latest lifecycle status for every collector.
func (hp *HealthPoller) Status() []Status {
	return hp.registry.StatusAll()
}

// IsActive returns whether a specific collector was Active at last check.
func (hp *HealthPoller) IsActive(name string) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	state, ok := hp.lastState[name]
	return ok && state == Active
}
