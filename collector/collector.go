// Package collector defines the Collector interface every per-protocol
// adapter (syslog, Windows, file watcher, cloud poller, ...)
// implements, plus the Registry that tracks them: an RWMutex-guarded
// map with a concurrent fan-out health check.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coriolis-labs/ingestor/model"
)

// Sink is the handoff point every collector pushes RawEvents through;
// buffermanager.Manager satisfies it without an explicit import cycle.
type Sink interface {
	AddEvent(e model.RawEvent, priority int) error
}

// Lifecycle is the state every Collector moves through. restartLoop
// spaces auto-restarts by RestartPolicy.RestartDelay and counts failed
// runs toward RestartPolicy.MaxAttempts; the count resets only when a
// run returns without error, not when a restarted collector goes back
// to Active.
type Lifecycle string

const (
	Configuring Lifecycle = "configuring"
	Active      Lifecycle = "active"
	Error       Lifecycle = "error"
	Inactive    Lifecycle = "inactive"
)

// Filters holds the per-collector event filters every collector is
// constructed with. NetworkSecurityCollector checks Ports before
// handing events to the Buffer Manager; no collector in this package
// calls Match, so the other dimensions are not applied on ingest.
type Filters struct {
	EventIDs  []string
	Levels    []string
	Providers []string
	Ports     []int
	Severities []int
}

// Match reports whether a candidate passes the configured filters. An
// empty slice for a dimension means "no restriction" on that dimension.
func (f Filters) Match(eventID, level, provider string, port int, severity int) bool {
	if len(f.EventIDs) > 0 && !containsString(f.EventIDs, eventID) {
		return false
	}
	if len(f.Levels) > 0 && !containsString(f.Levels, level) {
		return false
	}
	if len(f.Providers) > 0 && !containsString(f.Providers, provider) {
		return false
	}
	if len(f.Ports) > 0 && !containsInt(f.Ports, port) {
		return false
	}
	if len(f.Severities) > 0 && !containsInt(f.Severities, severity) {
		return false
	}
	return true
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Collector is the interface every per-protocol adapter implements.
type Collector interface {
	// Name returns the collector's configured instance name.
	Name() string
	// Start begins collecting; it must return once Configuring ->
	// Active succeeds and continue running in the background.
	Start(ctx context.Context) error
	// Stop gracefully halts collection, transitioning to Inactive.
	Stop(ctx context.Context) error
	// State returns the current lifecycle state.
	State() Lifecycle
	// LastError returns the error that caused the last Error
	// transition, or nil if none occurred since the last Active.
	LastError() error
}

// Status is a snapshot of a collector's health for httpapi reporting.
type Status struct {
	Name      string    `json:"name"`
	State     Lifecycle `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Registry tracks every configured Collector instance.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
}

// NewRegistry creates an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds a collector under its own Name().
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Name()] = c
}

// Get returns a collector by name.
func (r *Registry) Get(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	return c, ok
}

// List returns every registered collector's name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered collector concurrently and returns
// the first error encountered, if any. A collector whose Start failed
// is not retried here, and the health poller only reports state changes.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	collectors := make([]Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		collectors = append(collectors, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(collectors))
	for _, c := range collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				errs <- fmt.Errorf("collector %s: %w", c.Name(), err)
			}
		}(c)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}

// StopAll stops every registered collector.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	collectors := make([]Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		collectors = append(collectors, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			_ = c.Stop(ctx)
		}(c)
	}
	wg.Wait()
}

// StatusAll returns a point-in-time Status snapshot for every
// registered collector.
func (r *Registry) StatusAll() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.collectors))
	for _, c := range r.collectors {
		s := Status{Name: c.Name(), State: c.State(), CheckedAt: time.Now().UTC()}
		if err := c.LastError(); err != nil {
			s.LastError = err.Error()
		}
		out = append(out, s)
	}
	return out
}

// RestartPolicy governs auto-restart spacing and the attempt ceiling
// shared by every Collector implementation's internal retry loop.
type RestartPolicy struct {
	MaxAttempts  int
	RestartDelay time.Duration
}

// DefaultRestartPolicy returns conservative defaults.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxAttempts: 10, RestartDelay: 5 * time.Second}
}
