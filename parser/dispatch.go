// Package parser's dispatch ties the Registry's candidate set to
// per-candidate confidence scoring: every candidate for a (source,
// category) hint is validated and parsed, and the highest-confidence
// successful result wins. A raw event no candidate can parse is
// preserved verbatim and tagged parse_failed rather than dropped.
package parser

import (
	"time"

	"github.com/coriolis-labs/ingestor/model"
)

// Result is what Dispatch returns for one raw event: the normalized
// form (if any candidate succeeded), the full ranked attempt list for
// observability, and whether normalization succeeded at all.
type Result struct {
	Normalized model.NormalizedEvent
	Attempts   []Attempt
	Parsed     bool
}

// Dispatcher selects and runs the best-fit parser for each raw event.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher wires a Dispatcher to a Registry of parsers.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch runs every candidate parser for e's (source, category hint)
// and returns the best result. The category hint is read from
// e.Fields["category"] if the collector supplied one, falling back to
// the source's wildcard candidate set.
func (d *Dispatcher) Dispatch(e model.RawEvent) Result {
	category := e.Fields["category"]
	candidates := d.registry.Candidates(e.Source, category)

	attempts := make([]Attempt, 0, len(candidates))
	var bestNormalized *model.NormalizedEvent
	bestConfidence := -1.0

	for _, p := range candidates {
		attempt, normalized := scoreCandidate(p, e.Payload, e)
		attempts = append(attempts, attempt)
		if normalized != nil && attempt.Confidence > bestConfidence {
			bestConfidence = attempt.Confidence
			bestNormalized = normalized
		}
	}

	if bestNormalized != nil {
		return Result{Normalized: *bestNormalized, Attempts: rankAttempts(attempts), Parsed: true}
	}

	return Result{Normalized: fallbackNormalize(e), Attempts: rankAttempts(attempts), Parsed: false}
}

// fallbackNormalize preserves a raw event no parser could validate or
// parse: it keeps the original payload as Message and RawData, tags
// provenance parse_failed, and assigns the lowest-confidence floor
// rather than dropping the event outright.
func fallbackNormalize(e model.RawEvent) model.NormalizedEvent {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return model.NormalizedEvent{
		Timestamp: ts,
		Severity:  model.SeverityMedium,
		Event: model.EventInfo{
			Category: e.Source,
			Action:   "unparsed",
		},
		Message: string(e.Payload),
		RawData: e.Payload,
		Provenance: model.Provenance{
			ParserID:   "fallback",
			Confidence: 0,
			Tags:       []string{"parse_failed"},
		},
	}
}
