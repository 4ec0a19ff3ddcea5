package metrics

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DatadogConfig holds Datadog Agent connection settings.
type DatadogConfig struct {
	// Address of the DogStatsD agent (default: "127.0.0.1:8125")
	Address string
	// Namespace prefix for all metrics (default: "ingestor")
	Namespace string
	// Global tags added to every metric
	GlobalTags []string
	// FlushInterval controls how often buffered metrics ship (default: 10s)
	FlushInterval time.Duration
	// BufferSize is the max number of metrics buffered before flush (default: 256)
	BufferSize int
	// Enabled controls whether metrics are sent at all
	Enabled bool
}

// DefaultDatadogConfig returns sane defaults.
func DefaultDatadogConfig() DatadogConfig {
	return DatadogConfig{
		Address:       "127.0.0.1:8125",
		Namespace:     "ingestor",
		GlobalTags:    nil,
		FlushInterval: 10 * time.Second,
		BufferSize:    256,
		Enabled:       false,
	}
}

// DatadogExporter sends metrics to a DogStatsD agent over UDP,
// complementing the Prometheus pull surface with a push path for
// environments whose observability stack is Datadog-native.
type DatadogExporter struct {
	cfg    DatadogConfig
	conn   net.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	buffer []string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDatadogExporter creates and starts a Datadog exporter.
// The exporter is a no-op if cfg.Enabled is false.
func NewDatadogExporter(cfg DatadogConfig, logger zerolog.Logger) (*DatadogExporter, error) {
	dd := &DatadogExporter{
		cfg:    cfg,
		logger: logger.With().Str("component", "datadog").Logger(),
		buffer: make([]string, 0, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}

	if !cfg.Enabled {
		dd.logger.Info().Msg("datadog exporter disabled: metrics will not be sent")
		return dd, nil
	}

	conn, err := net.Dial("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("datadog: cannot connect to %s: %w", cfg.Address, err)
	}
	dd.conn = conn

	dd.wg.Add(1)
	go dd.flushLoop()

	dd.logger.Info().
		Str("address", cfg.Address).
		Str("namespace", cfg.Namespace).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("datadog exporter started")

	return dd, nil
}

// Stop gracefully shuts down the exporter.
func (dd *DatadogExporter) Stop() {
	if !dd.cfg.Enabled {
		return
	}
	close(dd.stopCh)
	dd.wg.Wait()

	dd.flush()
	if dd.conn != nil {
		dd.conn.Close()
	}
	dd.logger.Info().Msg("datadog exporter stopped")
}

// ─── Public API ─────────────────────────────────────────────

func (dd *DatadogExporter) Count(name string, value int64, tags ...string) {
	dd.send(name, fmt.Sprintf("%d", value), "c", tags)
}

func (dd *DatadogExporter) Gauge(name string, value float64, tags ...string) {
	dd.send(name, fmt.Sprintf("%f", value), "g", tags)
}

func (dd *DatadogExporter) Histogram(name string, value float64, tags ...string) {
	dd.send(name, fmt.Sprintf("%f", value), "h", tags)
}

func (dd *DatadogExporter) Timing(name string, duration time.Duration, tags ...string) {
	dd.send(name, fmt.Sprintf("%f", float64(duration.Milliseconds())), "ms", tags)
}

// ServiceCheck sends a Datadog service check.
// status: 0=OK, 1=WARNING, 2=CRITICAL, 3=UNKNOWN
func (dd *DatadogExporter) ServiceCheck(name string, status int, tags ...string) {
	if !dd.cfg.Enabled {
		return
	}
	fullName := dd.namespaced(name)
	tagStr := dd.formatTags(tags)
	line := fmt.Sprintf("_sc|%s|%d%s", fullName, status, tagStr)
	dd.bufferLine(line)
}

// ─── Convenience wrappers for pipeline metrics ──────────────

// RecordIngestion records one collector accepting a batch of events.
func (dd *DatadogExporter) RecordIngestion(source, collector string, count int) {
	tags := []string{"source:" + source, "collector:" + collector}
	dd.Count("events.ingested", int64(count), tags...)
}

// RecordParse records one parser dispatch outcome.
func (dd *DatadogExporter) RecordParse(source, parserID string, confidence float64, latency time.Duration) {
	tags := []string{"source:" + source, "parser:" + parserID}
	dd.Gauge("parse.confidence", confidence, tags...)
	dd.Timing("parse.latency_ms", latency, tags...)
}

// RecordDispatch records one dispatcher send-or-requeue cycle.
func (dd *DatadogExporter) RecordDispatch(topic string, batchSize int, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	tags := []string{"topic:" + topic, "status:" + status}
	dd.Count("dispatch.batches", 1, tags...)
	dd.Count("dispatch.events", int64(batchSize), tags...)
	dd.Timing("dispatch.latency_ms", latency, tags...)
}

// RecordBackpressure records a backpressure state transition.
func (dd *DatadogExporter) RecordBackpressure(state string) {
	dd.Count("backpressure.transitions", 1, "state:"+state)
}

// ─── Internal ───────────────────────────────────────────────

func (dd *DatadogExporter) send(name, value, metricType string, tags []string) {
	if !dd.cfg.Enabled {
		return
	}
	fullName := dd.namespaced(name)
	tagStr := dd.formatTags(tags)
	line := fmt.Sprintf("%s:%s|%s%s", fullName, value, metricType, tagStr)
	dd.bufferLine(line)
}

func (dd *DatadogExporter) namespaced(name string) string {
	if dd.cfg.Namespace != "" {
		return dd.cfg.Namespace + "." + name
	}
	return name
}

func (dd *DatadogExporter) formatTags(tags []string) string {
	allTags := make([]string, 0, len(dd.cfg.GlobalTags)+len(tags))
	allTags = append(allTags, dd.cfg.GlobalTags...)
	allTags = append(allTags, tags...)
	if len(allTags) == 0 {
		return ""
	}
	return "|#" + strings.Join(allTags, ",")
}

func (dd *DatadogExporter) bufferLine(line string) {
	dd.mu.Lock()
	dd.buffer = append(dd.buffer, line)
	shouldFlush := len(dd.buffer) >= dd.cfg.BufferSize
	dd.mu.Unlock()

	if shouldFlush {
		dd.flush()
	}
}

func (dd *DatadogExporter) flushLoop() {
	defer dd.wg.Done()
	ticker := time.NewTicker(dd.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dd.flush()
		case <-dd.stopCh:
			return
		}
	}
}

func (dd *DatadogExporter) flush() {
	dd.mu.Lock()
	if len(dd.buffer) == 0 {
		dd.mu.Unlock()
		return
	}
	lines := dd.buffer
	dd.buffer = make([]string, 0, dd.cfg.BufferSize)
	dd.mu.Unlock()

	if dd.conn == nil {
		return
	}

	payload := strings.Join(lines, "\n")
	if _, err := dd.conn.Write([]byte(payload)); err != nil {
		dd.logger.Warn().Err(err).Int("lines", len(lines)).Msg("failed to send metrics to datadog")
	}
}
