package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ─── OPA Sidecar Integration ─────────────────────────────────

type OPAConfig struct {
	Enabled    bool          `json:"enabled"`
	Address    string        `json:"address"` // e.g., "http://localhost:8181"
	Timeout    time.Duration `json:"timeout"`
	DryRun     bool          `json:"dry_run"` // evaluate but don't enforce
	LogEnabled bool          `json:"log_enabled"`
}

type OPAClient struct {
	config   OPAConfig
	client   *http.Client
	mu       sync.RWMutex
	policies map[string]*Policy       // in-memory policy store
	evalLog  []PolicyEvaluationResult // evaluation log
}

type Policy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Module      string    `json:"module"` // Rego source code
	Active      bool      `json:"active"`
	DryRun      bool      `json:"dry_run"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PolicyInput mirrors the normalized-event context a policy decides over:
// retention tier, redaction, and routing decisions all key off these
// fields rather than the event payload itself.
type PolicyInput struct {
	Source         string            `json:"source"`
	Category       string            `json:"category"`
	OrganizationID string            `json:"organization_id"`
	Severity       int               `json:"severity"`
	Confidence     float64           `json:"confidence"`
	ContainsPII    bool              `json:"contains_pii"`
	RetentionTier  string            `json:"retention_tier"`
	EventTime      time.Time         `json:"event_time"`
	Metadata       map[string]string `json:"metadata"`
	SourceIP       string            `json:"source_ip"`
}

// PolicyDecision is the OPA decision response. Route carries the name
// of a retention/sink tier (e.g. "hot", "cold", "redact-then-hot") when
// a policy rewrites how an event should be stored or forwarded.
type PolicyDecision struct {
	Allow  bool     `json:"allow"`
	Deny   []string `json:"deny"`
	Route  []string `json:"route"`
	Warn   []string `json:"warn"`
	Redact []string `json:"redact"` // field paths to redact before storage
	DryRun bool     `json:"dry_run"`
}

// ─── Policy Evaluation Logging ───────────────────────────────

type PolicyEvaluationResult struct {
	PolicyID   string         `json:"policy_id"`
	PolicyName string         `json:"policy_name"`
	Decision   PolicyDecision `json:"decision"`
	Input      PolicyInput    `json:"input"`
	Timestamp  time.Time      `json:"timestamp"`
	LatencyMs  float64        `json:"latency_ms"`
	DryRun     bool           `json:"dry_run"`
}

func NewOPAClient(config OPAConfig) *OPAClient {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Address == "" {
		config.Address = "http://localhost:8181"
	}

	return &OPAClient{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		policies: make(map[string]*Policy),
		evalLog:  make([]PolicyEvaluationResult, 0, 1024),
	}
}

// ─── Policy CRUD ──────────────────────────────────────────────

func (c *OPAClient) CreatePolicy(p *Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.policies[p.ID]; exists {
		return fmt.Errorf("policy %s already exists", p.ID)
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	c.policies[p.ID] = p

	if c.config.Enabled {
		return c.uploadToOPA(p)
	}
	return nil
}

func (c *OPAClient) UpdatePolicy(id string, module string, active bool, dryRun bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.policies[id]
	if !ok {
		return fmt.Errorf("policy %s not found", id)
	}

	p.Module = module
	p.Active = active
	p.DryRun = dryRun
	p.UpdatedAt = time.Now()

	if c.config.Enabled {
		return c.uploadToOPA(p)
	}
	return nil
}

func (c *OPAClient) DeletePolicy(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.policies[id]; !ok {
		return fmt.Errorf("policy %s not found", id)
	}

	delete(c.policies, id)

	if c.config.Enabled {
		return c.deleteFromOPA(id)
	}
	return nil
}

func (c *OPAClient) GetPolicy(id string) (*Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s not found", id)
	}
	return p, nil
}

func (c *OPAClient) ListPolicies() []*Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Policy, 0, len(c.policies))
	for _, p := range c.policies {
		result = append(result, p)
	}
	return result
}

// uploadToOPA pushes a Rego module to the OPA REST API.
func (c *OPAClient) uploadToOPA(p *Policy) error {
	url := fmt.Sprintf("%s/v1/policies/%s", c.config.Address, p.ID)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewBufferString(p.Module))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload to OPA: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("OPA upload failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *OPAClient) deleteFromOPA(id string) error {
	url := fmt.Sprintf("%s/v1/policies/%s", c.config.Address, id)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete from OPA: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// ─── Policy Evaluation ──────────────────────────────────────

// Evaluate runs all active policies against a normalized event's
// policy-relevant fields, combining deny/redact/route decisions across
// every policy so the caller sees one merged verdict per event.
func (c *OPAClient) Evaluate(ctx context.Context, input PolicyInput) (*PolicyDecision, error) {
	c.mu.RLock()
	activePolicies := make([]*Policy, 0)
	for _, p := range c.policies {
		if p.Active {
			activePolicies = append(activePolicies, p)
		}
	}
	c.mu.RUnlock()

	combined := &PolicyDecision{Allow: true}

	for _, p := range activePolicies {
		start := time.Now()
		decision, err := c.evaluatePolicy(ctx, p, input)
		elapsed := time.Since(start)

		if err != nil {
			// Log but don't block ingestion on OPA errors
			if c.config.LogEnabled {
				c.logEvaluation(p, input, &PolicyDecision{Allow: true}, elapsed, p.DryRun || c.config.DryRun)
			}
			continue
		}

		isDryRun := p.DryRun || c.config.DryRun
		decision.DryRun = isDryRun

		if c.config.LogEnabled {
			c.logEvaluation(p, input, decision, elapsed, isDryRun)
		}

		if isDryRun {
			combined.Warn = append(combined.Warn, decision.Deny...)
			combined.Warn = append(combined.Warn, decision.Warn...)
			continue
		}

		combined.Deny = append(combined.Deny, decision.Deny...)
		combined.Warn = append(combined.Warn, decision.Warn...)
		combined.Route = append(combined.Route, decision.Route...)
		combined.Redact = append(combined.Redact, decision.Redact...)
		if len(decision.Deny) > 0 {
			combined.Allow = false
		}
	}

	return combined, nil
}

func (c *OPAClient) evaluatePolicy(ctx context.Context, p *Policy, input PolicyInput) (*PolicyDecision, error) {
	if !c.config.Enabled {
		// Local evaluation stub: in production, this calls OPA's Data API.
		return &PolicyDecision{Allow: true}, nil
	}

	payload := map[string]interface{}{
		"input": input,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	url := fmt.Sprintf("%s/v1/data/ingestor/%s", c.config.Address, p.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OPA query: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Result struct {
			Deny   []string `json:"deny"`
			Route  []string `json:"route"`
			Warn   []string `json:"warn"`
			Redact []string `json:"redact"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode OPA response: %w", err)
	}

	decision := &PolicyDecision{
		Allow:  len(result.Result.Deny) == 0,
		Deny:   result.Result.Deny,
		Route:  result.Result.Route,
		Warn:   result.Result.Warn,
		Redact: result.Result.Redact,
	}
	return decision, nil
}

func (c *OPAClient) logEvaluation(p *Policy, input PolicyInput, decision *PolicyDecision, latency time.Duration, dryRun bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := PolicyEvaluationResult{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Decision:   *decision,
		Input:      input,
		Timestamp:  time.Now(),
		LatencyMs:  float64(latency.Microseconds()) / 1000.0,
		DryRun:     dryRun,
	}

	c.evalLog = append(c.evalLog, entry)

	// Ring buffer: keep last 10K entries.
	if len(c.evalLog) > 10000 {
		c.evalLog = c.evalLog[len(c.evalLog)-10000:]
	}
}

// GetEvaluationLog returns recent policy evaluation log entries.
func (c *OPAClient) GetEvaluationLog(limit int) []PolicyEvaluationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.evalLog) {
		limit = len(c.evalLog)
	}

	start := len(c.evalLog) - limit
	result := make([]PolicyEvaluationResult, limit)
	copy(result, c.evalLog[start:])
	return result
}

// ─── Built-in Policy Templates ───────────────────────────────

// BuiltInPolicies returns pre-built Rego policy templates covering the
// pipeline's common governance decisions: redaction, retention routing,
// and drop rules for low-value or malformed traffic.
func BuiltInPolicies() []*Policy {
	return []*Policy{
		{
			ID:          "pii_redaction",
			Name:        "PII Field Redaction",
			Description: "Redact user/authentication fields on events flagged as containing PII",
			Active:      false,
			Module: `package ingestor.pii_redaction

redact[field] {
    input.contains_pii
    field := "user.name"
}

redact[field] {
    input.contains_pii
    field := "authentication.name"
}
`,
		},
		{
			ID:          "low_confidence_drop",
			Name:        "Low Confidence Drop",
			Description: "Deny events whose parser confidence falls below the trust threshold",
			Active:      false,
			Module: `package ingestor.low_confidence_drop

deny[reason] {
    input.confidence < 0.2
    reason := sprintf("confidence %.2f below minimum trust threshold", [input.confidence])
}
`,
		},
		{
			ID:          "retention_tier_routing",
			Name:        "Severity-Based Retention Routing",
			Description: "Route high-severity events to hot storage, everything else to cold",
			Active:      false,
			Module: `package ingestor.retention_tier_routing

route[target] {
    input.severity <= 2
    target := "hot"
}

route[target] {
    input.severity > 2
    target := "cold"
}
`,
		},
		{
			ID:          "org_quota",
			Name:        "Per-Organization Volume Warning",
			Description: "Warn when an organization's ingestion rate exceeds its provisioned quota",
			Active:      false,
			Module: `package ingestor.org_quota

warn[reason] {
    input.metadata.events_last_minute
    to_number(input.metadata.events_last_minute) > 100000
    reason := sprintf("organization %s exceeding 100k events/minute", [input.organization_id])
}
`,
		},
		{
			ID:          "geo_retention",
			Name:        "Geographic Retention Residency",
			Description: "Deny storing EU-origin events outside the EU retention tier",
			Active:      false,
			Module: `package ingestor.geo_retention

import future.keywords.in

eu_tiers := {"eu-hot", "eu-cold"}

deny[reason] {
    input.metadata.region == "EU"
    not input.retention_tier in eu_tiers
    reason := sprintf("EU-origin event must use an EU retention tier, not %s", [input.retention_tier])
}
`,
		},
		{
			ID:          "noisy_source_throttle",
			Name:        "Noisy Source Downgrade",
			Description: "Downgrade verbose/default-category traffic from known noisy sources to cold storage",
			Active:      false,
			Module: `package ingestor.noisy_source_throttle

import future.keywords.in

noisy_sources := {"network_security", "syslog"}

route[target] {
    input.source in noisy_sources
    input.category == "default"
    input.severity >= 4
    target := "cold"
}
`,
		},
		{
			ID:          "malformed_source_ip_drop",
			Name:        "Malformed Source Drop",
			Description: "Deny events missing a resolvable source IP when one is required for correlation",
			Active:      false,
			Module: `package ingestor.malformed_source_ip_drop

deny[reason] {
    input.source == "network_security"
    input.source_ip == ""
    reason := "network security event missing source_ip"
}
`,
		},
	}
}
