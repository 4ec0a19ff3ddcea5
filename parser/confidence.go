package parser

import (
	"sort"

	"github.com/coriolis-labs/ingestor/model"
)

// Attempt records one candidate parser's outcome against a raw log,
// including failures, so Dispatch can report why every candidate was
// rejected rather than only which one won.
type Attempt struct {
	ParserID   string
	Validated  bool
	Err        error
	Confidence float64
}

// rankAttempts orders attempts by confidence descending, treating
// validation failures and parse errors as confidence 0 without
// discarding them from the returned slice, so the caller can still log
// every candidate considered.
func rankAttempts(attempts []Attempt) []Attempt {
	ranked := make([]Attempt, len(attempts))
	copy(ranked, attempts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked
}

// best returns the highest-confidence successful attempt, or false if
// every candidate failed to validate or parse.
func best(attempts []Attempt) (Attempt, bool) {
	ranked := rankAttempts(attempts)
	if len(ranked) == 0 || !ranked[0].Validated || ranked[0].Err != nil {
		return Attempt{}, false
	}
	return ranked[0], true
}

// scoreCandidate runs validate -> parse -> provenance for a single
// candidate parser, producing an Attempt and, on success, the
// NormalizedEvent it would yield.
func scoreCandidate(p Parser, raw []byte, e model.RawEvent) (Attempt, *model.NormalizedEvent) {
	if !p.Validate(raw) {
		return Attempt{ParserID: p.ID(), Validated: false}, nil
	}
	parsed, err := p.Parse(raw)
	if err != nil {
		return Attempt{ParserID: p.ID(), Validated: true, Err: err}, nil
	}
	prov := buildProvenance(p.ID(), p.BaseConfidence(), parsed)
	normalized := p.Normalize(parsed, e)
	normalized.Provenance = prov
	return Attempt{ParserID: p.ID(), Validated: true, Confidence: prov.Confidence}, &normalized
}
