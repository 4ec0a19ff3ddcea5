// Package backpressure implements the Backpressure Monitor: a rolling
// window over queue depth, latency, error rate and throughput that
// declares Active/Inactive transitions consumed by the Flow Controller
// and Adaptive Batcher over the health bus.
package backpressure

import (
	"sort"
	"sync"
	"time"

	"github.com/coriolis-labs/ingestor/healthbus"
)

// State is the monitor's declared backpressure state.
type State int

const (
	Inactive State = iota
	Active
	Emergency
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Emergency:
		return "emergency"
	default:
		return "inactive"
	}
}

// Config holds the static thresholds and window parameters.
type Config struct {
	WindowSize         int           // number of samples retained for the rolling window
	SampleInterval     time.Duration // cadence the dispatcher/buffer feed samples at
	QueueDepthThreshold int
	LatencyThreshold    time.Duration
	ErrorRateThreshold  float64 // fraction, 0..1
	RecoveryFactor      float64 // Inactive once metric <= RecoveryFactor*threshold sustained
	EmergencyThreshold  float64 // multiple of threshold that escalates Active -> Emergency
	AdaptiveThresholds  bool    // track a moving percentile instead of the static threshold
	AdaptivePercentile  float64 // e.g. 0.95
}

// sample is one rolling-window observation.
type sample struct {
	queueDepth int
	latency    time.Duration
	errorRate  float64
	throughput float64
}

// Monitor tracks the rolling window and current state under a single
// mutex; sampling and state derivation are pure arithmetic, never I/O.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	samples []sample
	state   State
	bus     *healthbus.Bus
}

// New creates a Monitor in the Inactive state.
func New(cfg Config, bus *healthbus.Bus) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 60
	}
	if cfg.RecoveryFactor <= 0 {
		cfg.RecoveryFactor = 0.5
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = 2.0
	}
	return &Monitor{cfg: cfg, bus: bus}
}

// Sample adds an observation and re-derives the state, publishing a
// ThresholdCrossed health event on any transition.
func (m *Monitor) Sample(queueDepth int, latency time.Duration, errorRate, throughput float64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{queueDepth, latency, errorRate, throughput})
	if len(m.samples) > m.cfg.WindowSize {
		m.samples = m.samples[len(m.samples)-m.cfg.WindowSize:]
	}

	avgDepth, avgLatency, avgErr := m.rollingAverages()

	qThresh := float64(m.cfg.QueueDepthThreshold)
	lThresh := float64(m.cfg.LatencyThreshold)
	eThresh := m.cfg.ErrorRateThreshold
	if m.cfg.AdaptiveThresholds {
		qThresh = m.percentile(func(s sample) float64 { return float64(s.queueDepth) })
		lThresh = m.percentile(func(s sample) float64 { return float64(s.latency) })
	}

	exceeded := avgDepth > qThresh || float64(avgLatency) > lThresh || avgErr > eThresh
	emergency := avgDepth > qThresh*m.cfg.EmergencyThreshold ||
		float64(avgLatency) > lThresh*m.cfg.EmergencyThreshold ||
		avgErr > eThresh*m.cfg.EmergencyThreshold

	recovered := avgDepth <= qThresh*m.cfg.RecoveryFactor &&
		float64(avgLatency) <= lThresh*m.cfg.RecoveryFactor &&
		avgErr <= eThresh*m.cfg.RecoveryFactor

	prev := m.state
	switch {
	case emergency:
		m.state = Emergency
	case exceeded:
		m.state = Active
	case recovered:
		m.state = Inactive
	}

	if m.state != prev && m.bus != nil {
		m.bus.Publish(healthbus.Event{
			Kind:      healthbus.ThresholdCrossed,
			Component: "backpressure",
			Detail:    prev.String() + "->" + m.state.String(),
			Value:     avgErr,
		})
	}
	return m.state
}

func (m *Monitor) rollingAverages() (avgDepth float64, avgLatency time.Duration, avgErr float64) {
	if len(m.samples) == 0 {
		return 0, 0, 0
	}
	var depthSum, errSum float64
	var latSum time.Duration
	for _, s := range m.samples {
		depthSum += float64(s.queueDepth)
		latSum += s.latency
		errSum += s.errorRate
	}
	n := float64(len(m.samples))
	return depthSum / n, time.Duration(float64(latSum) / n), errSum / n
}

// percentile computes the AdaptivePercentile-th value of extract(sample)
// across the current window, used when AdaptiveThresholds is enabled.
func (m *Monitor) percentile(extract func(sample) float64) float64 {
	if len(m.samples) == 0 {
		return 0
	}
	values := make([]float64, len(m.samples))
	for i, s := range m.samples {
		values[i] = extract(s)
	}
	sort.Float64s(values)
	p := m.cfg.AdaptivePercentile
	if p <= 0 || p > 1 {
		p = 0.95
	}
	idx := int(p * float64(len(values)-1))
	return values[idx]
}

// State returns the monitor's current declared state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
