package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coriolis-labs/ingestor/model"
)

var jsonTimestampKeys = []string{"timestamp", "@timestamp", "time", "eventTime", "event_time"}

// JSONParser handles line-delimited JSON payloads, as produced by cloud
// audit log collectors and JSON file-watcher sources.
type JSONParser struct {
	category string
}

func NewJSONParser(category string) *JSONParser {
	return &JSONParser{category: category}
}

func (p *JSONParser) ID() string             { return "json/" + p.category }
func (p *JSONParser) Source() string         { return model.SourceJSON }
func (p *JSONParser) Category() string       { return p.category }
func (p *JSONParser) Priority() int          { return 20 }
func (p *JSONParser) BaseConfidence() float64 { return 0.85 }

func (p *JSONParser) Validate(raw []byte) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

func (p *JSONParser) Parse(raw []byte) (*ParsedEvent, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	values := make([]string, 0, len(fields))
	for _, v := range fields {
		values = append(values, fmt.Sprint(v))
	}

	return &ParsedEvent{
		Fields:        fields,
		DeclaredTotal: declaredFieldCount(p.Source(), p.category),
		FieldQuality:  FieldQuality(values),
		Tags:          []string{"json"},
	}, nil
}

func (p *JSONParser) Normalize(parsed *ParsedEvent, e model.RawEvent) model.NormalizedEvent {
	ts := e.Timestamp
	for _, k := range jsonTimestampKeys {
		if v, ok := parsed.Fields[k]; ok {
			if parsedTs, ok := parseAnyTimestamp(fmt.Sprint(v)); ok {
				ts = parsedTs
				break
			}
		}
	}

	n := model.NormalizedEvent{
		Timestamp: ts,
		Severity:  model.SeverityMedium,
		Event: model.EventInfo{
			Category: stringField(parsed.Fields, "eventCategory"),
			Action:   firstNonEmpty(stringField(parsed.Fields, "eventName"), stringField(parsed.Fields, "action")),
		},
		Host:    model.HostIdentity{Name: stringField(parsed.Fields, "host")},
		User:    model.UserIdentity{Name: stringField(parsed.Fields, "user")},
		Network: model.NetworkTuple{SourceIP: firstNonEmpty(stringField(parsed.Fields, "sourceIPAddress"), stringField(parsed.Fields, "source_ip"))},
		Message: string(e.Payload),
		Labels:  stringFieldMap(parsed.Fields),
	}
	if n.Event.Category == "" && n.Event.Action == "" {
		n.Event.Category = "json"
	}
	n.Provenance = buildProvenance(p.ID(), p.BaseConfidence(), parsed)
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseAnyTimestamp(s string) (time.Time, bool) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
