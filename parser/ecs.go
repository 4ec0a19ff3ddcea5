package parser

import (
	"fmt"

	"github.com/coriolis-labs/ingestor/model"
)

// intField and stringField pull a typed value out of a ParsedEvent's
// loosely-typed Fields map, tolerating the int/float64/string variance
// that comes from mixing json.Unmarshal output with regex-extracted
// strings in the same map.
func intField(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

func stringField(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// stringFieldMap flattens a ParsedEvent's Fields into the label map
// NormalizedEvent.Labels carries, skipping internal bookkeeping keys
// (prefixed with "__") and anything already promoted into a named ECS
// namespace by the calling parser's Normalize.
func stringFieldMap(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if len(k) >= 2 && k[:2] == "__" {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// buildProvenance stamps the Provenance namespace per §3: confidence is
// the product of the parser's base confidence, field coverage (fields
// actually extracted over the parser's declared total) and the
// field-level extraction quality the parser itself reported.
func buildProvenance(parserID string, baseConfidence float64, parsed *ParsedEvent) model.Provenance {
	coverage := 1.0
	if parsed.DeclaredTotal > 0 {
		coverage = float64(len(parsed.Fields)) / float64(parsed.DeclaredTotal)
		if coverage > 1.0 {
			coverage = 1.0
		}
	}
	confidence := baseConfidence * coverage * parsed.FieldQuality
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return model.Provenance{
		ParserID:      parserID,
		ParserVersion: "1",
		Confidence:    confidence,
		Tags:          parsed.Tags,
	}
}
