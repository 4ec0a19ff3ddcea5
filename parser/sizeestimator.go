package parser

import "strings"

// EstimationStrategy selects how a raw event's effective byte cost is
// computed before it is weighed by batcher.PriorityTable's ByteWeight.
// Different sources compress and transport differently (syslog is
// mostly ASCII text, JSON cloud-audit logs carry heavy key repetition),
// so a flat len(payload) undercounts or overcounts depending on shape.
type EstimationStrategy int

const (
	// StrategyRaw counts the payload verbatim.
	StrategyRaw EstimationStrategy = iota
	// StrategyJSONRepetitive discounts JSON payloads for expected
	// downstream key-dictionary compression.
	StrategyJSONRepetitive
	// StrategyStructuredText applies a small premium for structured
	// syslog data blocks, which expand during ECS normalization.
	StrategyStructuredText
)

// SizeEstimator estimates the cost-weighted size of a raw log line for
// a given source, used by the dispatcher to decide how many events fit
// a batch under the adaptive batcher's byte ceiling.
type SizeEstimator struct {
	strategy EstimationStrategy
}

// EstimatorForSource returns the strategy matching how a source's
// payloads are typically shaped.
func EstimatorForSource(source string) SizeEstimator {
	switch source {
	case "json", "cloud_trail":
		return SizeEstimator{strategy: StrategyJSONRepetitive}
	case "syslog", "windows_event":
		return SizeEstimator{strategy: StrategyStructuredText}
	default:
		return SizeEstimator{strategy: StrategyRaw}
	}
}

// Estimate returns the weighted byte cost of message.
func (e SizeEstimator) Estimate(message string) int {
	raw := len(message)
	switch e.strategy {
	case StrategyJSONRepetitive:
		// JSON key names repeat across every record in a batch; assume
		// roughly a third of the payload is compressible key overhead.
		return raw - raw/3
	case StrategyStructuredText:
		if strings.Contains(message, "[") && strings.Contains(message, "]") {
			return raw + raw/10
		}
		return raw
	default:
		return raw
	}
}

// FieldQuality scores how typable a slice of extracted values is,
// averaged to produce a single ParsedEvent.FieldQuality. A parser with
// its own per-field confidence from ExtractFields should prefer that;
// this is the fallback used by format parsers (csv, windows) that
// extract positionally rather than via ExtractFields.
func FieldQuality(values []string) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += typabilityScore(v)
	}
	return total / float64(len(values))
}
