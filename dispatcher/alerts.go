package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/healthbus"
)

// PagerDutyConfig holds configuration for PagerDuty Events API v2,
// used to page on-call when the circuit breaker trips or the
// backpressure monitor escalates to Emergency.
type PagerDutyConfig struct {
	RoutingKey  string
	Enabled     bool
	SourceName  string
	HTTPTimeout time.Duration
}

func DefaultPagerDutyConfig() PagerDutyConfig {
	return PagerDutyConfig{
		RoutingKey:  "",
		Enabled:     false,
		SourceName:  "ingestor",
		HTTPTimeout: 10 * time.Second,
	}
}

type PagerDutySeverity string

const (
	PDSeverityCritical PagerDutySeverity = "critical"
	PDSeverityError    PagerDutySeverity = "error"
	PDSeverityWarning  PagerDutySeverity = "warning"
	PDSeverityInfo     PagerDutySeverity = "info"
)

// PagerDutyClient sends incidents to PagerDuty Events API v2.
type PagerDutyClient struct {
	cfg    PagerDutyConfig
	client *http.Client
	logger zerolog.Logger
}

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func NewPagerDutyClient(cfg PagerDutyConfig, logger zerolog.Logger) *PagerDutyClient {
	return &PagerDutyClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "pagerduty").Logger(),
	}
}

func (pd *PagerDutyClient) TriggerAlert(severity PagerDutySeverity, summary, dedupKey string, details map[string]interface{}) error {
	if !pd.cfg.Enabled || pd.cfg.RoutingKey == "" {
		pd.logger.Debug().Str("summary", summary).Msg("pagerduty disabled: alert suppressed")
		return nil
	}

	payload := map[string]interface{}{
		"routing_key":  pd.cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]interface{}{
			"summary":        summary,
			"severity":       string(severity),
			"source":         pd.cfg.SourceName,
			"component":      "ingestor",
			"group":          "data-platform",
			"class":          "infrastructure",
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
			"custom_details": details,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal failed: %w", err)
	}

	resp, err := pd.client.Post(pagerDutyEventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		pd.logger.Error().Err(err).Str("dedup_key", dedupKey).Msg("pagerduty api call failed")
		return fmt.Errorf("pagerduty: api call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		pd.logger.Error().Int("status", resp.StatusCode).Str("dedup_key", dedupKey).Msg("pagerduty api error")
		return fmt.Errorf("pagerduty: http %d", resp.StatusCode)
	}
	pd.logger.Info().Str("dedup_key", dedupKey).Str("severity", string(severity)).Msg("pagerduty alert triggered")
	return nil
}

func (pd *PagerDutyClient) ResolveAlert(dedupKey string) error {
	if !pd.cfg.Enabled || pd.cfg.RoutingKey == "" {
		return nil
	}
	payload := map[string]interface{}{
		"routing_key":  pd.cfg.RoutingKey,
		"event_action": "resolve",
		"dedup_key":    dedupKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal failed: %w", err)
	}
	resp, err := pd.client.Post(pagerDutyEventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: resolve call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	pd.logger.Info().Str("dedup_key", dedupKey).Msg("pagerduty alert resolved")
	return nil
}

// AlertCircuitOpen fires when a downstream bus circuit trips open.
func (pd *PagerDutyClient) AlertCircuitOpen(breakerName string) error {
	return pd.TriggerAlert(
		PDSeverityCritical,
		fmt.Sprintf("ingestor: circuit breaker %s is OPEN", breakerName),
		fmt.Sprintf("ingestor-circuit-open-%s", breakerName),
		map[string]interface{}{"breaker": breakerName},
	)
}

// AlertCircuitClosed resolves a previously triggered open-circuit page.
func (pd *PagerDutyClient) AlertCircuitClosed(breakerName string) error {
	return pd.ResolveAlert(fmt.Sprintf("ingestor-circuit-open-%s", breakerName))
}

// AlertBackpressureEmergency fires when the Backpressure Monitor
// escalates to Emergency, indicating the buffer and flow control
// layers alone are no longer containing the load.
func (pd *PagerDutyClient) AlertBackpressureEmergency(detail string) error {
	return pd.TriggerAlert(
		PDSeverityError,
		fmt.Sprintf("ingestor: backpressure escalated to emergency (%s)", detail),
		"ingestor-backpressure-emergency",
		map[string]interface{}{"detail": detail},
	)
}

// AlertDeadLetterGrowth pages with the dead-letter topic's current
// total. It applies no threshold of its own, and Watcher does not call
// it.
func (pd *PagerDutyClient) AlertDeadLetterGrowth(topic string, total int64) error {
	return pd.TriggerAlert(
		PDSeverityWarning,
		fmt.Sprintf("ingestor: dead-letter topic %s has %d events", topic, total),
		fmt.Sprintf("ingestor-dead-letter-%s", topic),
		map[string]interface{}{"topic": topic, "total": total},
	)
}

// Watcher subscribes to the health bus and translates StateChange and
// ThresholdCrossed events into PagerDuty pages, matching the
// health-poller's OnStatusChange callback pattern but over a broadcast
// channel instead of a single registered function.
type Watcher struct {
	pd     *PagerDutyClient
	bus    *healthbus.Bus
	cancel func()
}

// NewWatcher subscribes to bus and starts translating events in the
// background.
func NewWatcher(pd *PagerDutyClient, bus *healthbus.Bus) *Watcher {
	ch, unsubscribe := bus.Subscribe(64)
	w := &Watcher{pd: pd, bus: bus, cancel: unsubscribe}
	go w.run(ch)
	return w
}

func (w *Watcher) run(ch <-chan healthbus.Event) {
	for ev := range ch {
		switch {
		case ev.Kind == healthbus.StateChange && ev.Component != "":
			if containsSuffix(ev.Detail, "->open") {
				_ = w.pd.AlertCircuitOpen(ev.Component)
			} else if containsSuffix(ev.Detail, "->closed") {
				_ = w.pd.AlertCircuitClosed(ev.Component)
			}
		case ev.Kind == healthbus.ThresholdCrossed && ev.Component == "backpressure":
			if containsSuffix(ev.Detail, "->emergency") {
				_ = w.pd.AlertBackpressureEmergency(ev.Detail)
			}
		}
	}
}

// Stop unsubscribes from the health bus.
func (w *Watcher) Stop() { w.cancel() }

func containsSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
