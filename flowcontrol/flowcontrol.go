// Package flowcontrol implements the Flow Controller: a token bucket
// with burst capacity, layered under a sliding-window hard ceiling on
// maxEventsPerSecond, with priority lanes and an emergency-throttle
// mode driven by the Backpressure Monitor. The sliding window is a
// clean-as-you-go windowed counter, the same style used for per-key
// HTTP request counting but generalized to a single pipeline-wide
// ceiling.
package flowcontrol

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/healthbus"
)

// Config holds the static tunables for the controller.
type Config struct {
	Capacity           float64       // token bucket capacity
	FillRate           float64       // tokens/sec refill rate
	MaxEventsPerSecond int64         // hard sliding-window ceiling
	TriggerThreshold   float64       // not read: emergency mode arms on any backpressure transition into active or emergency
	ThrottleRate       float64       // fillRate multiplier while in emergency mode
	MaintenanceTick    time.Duration // cadence the held queues are retried at
}

// bucket holds the token-bucket state.
type bucket struct {
	tokens    float64
	lastFill  time.Time
}

// Controller is the Flow Controller. A single mutex protects the
// bucket, sliding window and priority queues; none of its methods
// perform I/O, only the maintenance goroutine's wait-for-token
// suspension point does.
type Controller struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	cfg      Config
	bucket   bucket
	fillRate float64 // current, may be throttled
	window   []time.Time
	held     map[int][]func() // per-priority held admission callbacks
	emergency bool
}

// New creates a Controller with a full bucket.
func New(logger zerolog.Logger, cfg Config, bus *healthbus.Bus) *Controller {
	c := &Controller{
		logger:   logger.With().Str("component", "flowcontrol").Logger(),
		cfg:      cfg,
		bucket:   bucket{tokens: cfg.Capacity, lastFill: time.Now()},
		fillRate: cfg.FillRate,
		held:     make(map[int][]func()),
	}
	if bus != nil {
		ch, _ := bus.Subscribe(16)
		go c.watchBackpressure(ch)
	}
	return c
}

// watchBackpressure arms/disarms emergency mode from backpressure
// transition events published on the health bus.
func (c *Controller) watchBackpressure(ch <-chan healthbus.Event) {
	for ev := range ch {
		if ev.Component != "backpressure" {
			continue
		}
		c.mu.Lock()
		switch {
		case ev.Detail == "inactive->active" || ev.Detail == "active->emergency" || ev.Detail == "inactive->emergency":
			c.emergency = true
			c.fillRate = c.cfg.FillRate * c.cfg.ThrottleRate
		case ev.Detail == "active->inactive" || ev.Detail == "emergency->inactive":
			c.emergency = false
			c.fillRate = c.cfg.FillRate
		}
		c.mu.Unlock()
	}
}

// RequestPermission admits count events at the given priority (lower
// number = higher priority). On rejection, the request is NOT dropped:
// the caller should re-invoke it on the next maintenance tick, or the
// caller may pass a retry callback to Hold for the controller to
// invoke once the ceiling relaxes.
func (c *Controller) RequestPermission(count int, priority int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitLocked(count, priority)
}

func (c *Controller) admitLocked(count int, priority int) bool {
	now := time.Now()

	// Sliding window hard ceiling, independent of the bucket.
	oneSecAgo := now.Add(-time.Second)
	idx := sort.Search(len(c.window), func(i int) bool { return c.window[i].After(oneSecAgo) })
	c.window = c.window[idx:]
	if int64(len(c.window))+int64(count) > c.cfg.MaxEventsPerSecond {
		return false
	}

	// Token bucket refill.
	elapsed := now.Sub(c.bucket.lastFill).Seconds()
	c.bucket.tokens = min(c.cfg.Capacity, c.bucket.tokens+elapsed*c.fillRate)
	c.bucket.lastFill = now

	if c.bucket.tokens < float64(count) {
		return false
	}

	// Under contention, a strictly higher priority caller already
	// waiting on the held queue gets first claim on the tokens that
	// just became available: this request yields so its tokens aren't
	// drained out from under the pending higher-priority retry.
	if c.higherPriorityPendingLocked(priority) {
		return false
	}

	c.bucket.tokens -= float64(count)

	for i := 0; i < count; i++ {
		c.window = append(c.window, now)
	}
	return true
}

func (c *Controller) higherPriorityPendingLocked(priority int) bool {
	for p, callbacks := range c.held {
		if p < priority && len(callbacks) > 0 {
			return true
		}
	}
	return false
}

// Hold registers retry for a rejected admission at the given priority;
// the maintenance loop invokes held callbacks in priority order,
// highest priority (lowest number) first.
func (c *Controller) Hold(priority int, retry func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[priority] = append(c.held[priority], retry)
}

// RunMaintenance retries held callbacks on cfg.MaintenanceTick until
// the stop channel is closed.
func (c *Controller) RunMaintenance(stop <-chan struct{}) {
	tick := c.cfg.MaintenanceTick
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.retryHeld()
		}
	}
}

func (c *Controller) retryHeld() {
	c.mu.Lock()
	priorities := make([]int, 0, len(c.held))
	for p := range c.held {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	c.mu.Unlock()

	for _, p := range priorities {
		c.mu.Lock()
		callbacks := c.held[p]
		delete(c.held, p)
		c.mu.Unlock()
		for _, cb := range callbacks {
			cb()
		}
	}
}

// Emergency reports whether the controller is currently throttled.
func (c *Controller) Emergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}
