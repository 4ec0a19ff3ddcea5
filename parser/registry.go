// Package parser implements the Parser/Normalizer dispatch: a registry
// keyed by (source, category hint) returning ranked candidate parsers,
// each validated then run through parse -> normalize. Uses the same
// RWMutex-guarded registry shape as collector.Registry.
package parser

import (
	"sort"
	"sync"

	"github.com/coriolis-labs/ingestor/model"
)

// ParsedEvent is the intermediate structured representation a Parser
// produces before Normalize shapes it into an ECS model.NormalizedEvent.
type ParsedEvent struct {
	Fields       map[string]interface{}
	DeclaredTotal int     // total fields this parser declares it can extract
	FieldQuality float64  // 0..1, parser's own confidence in what it extracted
	Tags         []string
}

// Parser is implemented by every source-specific parser (syslog, json,
// csv, windows event, ...).
type Parser interface {
	// ID uniquely identifies this parser for provenance and tie-breaking.
	ID() string
	// Source and Category report the hint this parser matches against
	// in the registry; Category may be empty to match any category for
	// the given source.
	Source() string
	Category() string
	// Priority breaks ties among parsers that both validate the same
	// raw log; lower is tried first.
	Priority() int
	// BaseConfidence is the parser's own ceiling on confidence,
	// multiplied by coverage and field quality.
	BaseConfidence() float64
	// Validate performs a cheap structural check before the more
	// expensive Parse is attempted.
	Validate(raw []byte) bool
	// Parse extracts structured fields from a raw log. Returns nil with
	// an error (never panics) on malformed input; the caller preserves
	// the raw message and tags it parse_failed.
	Parse(raw []byte) (*ParsedEvent, error)
	// Normalize shapes a ParsedEvent into the ECS-style NormalizedEvent.
	Normalize(parsed *ParsedEvent, e model.RawEvent) model.NormalizedEvent
}

// Registry holds every registered Parser, indexed by "source/category".
type Registry struct {
	mu      sync.RWMutex
	parsers map[string][]Parser // "source/category" -> parsers, sorted by Priority
	all     []Parser            // every registered parser, for the wildcard fallback
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string][]Parser)}
}

// Register adds p under its own Source()/Category().
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.Source() + "/" + p.Category()
	r.parsers[key] = append(r.parsers[key], p)
	sort.Slice(r.parsers[key], func(i, j int) bool {
		return r.parsers[key][i].Priority() < r.parsers[key][j].Priority()
	})

	r.all = append(r.all, p)
	sort.Slice(r.all, func(i, j int) bool { return r.all[i].Priority() < r.all[j].Priority() })
}

// Candidates returns the ranked candidate set for a (source, category)
// hint: parsers matching exactly, then parsers registered for the
// source with an empty Category() (source-wide match), falling back to
// every enabled parser ordered by priority when neither set matches.
func (r *Registry) Candidates(source, category string) []Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exact, ok := r.parsers[source+"/"+category]; ok && len(exact) > 0 {
		return exact
	}
	if wide, ok := r.parsers[source+"/"]; ok && len(wide) > 0 {
		return wide
	}
	return r.all
}
