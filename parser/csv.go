package parser

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/coriolis-labs/ingestor/model"
)

// CSVParser handles delimited file-watcher input. Header is supplied at
// construction time since file collectors read it once per file rather
// than per line.
type CSVParser struct {
	category string
	header   []string
}

func NewCSVParser(category string, header []string) *CSVParser {
	return &CSVParser{category: category, header: header}
}

func (p *CSVParser) ID() string              { return "csv/" + p.category }
func (p *CSVParser) Source() string          { return model.SourceCSV }
func (p *CSVParser) Category() string        { return p.category }
func (p *CSVParser) Priority() int           { return 30 }
func (p *CSVParser) BaseConfidence() float64 { return 0.8 }

func (p *CSVParser) Validate(raw []byte) bool {
	return strings.Contains(string(raw), ",")
}

func (p *CSVParser) Parse(raw []byte) (*ParsedEvent, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}

	fields := make(map[string]interface{}, len(record))
	for i, v := range record {
		key := fmt.Sprintf("col%d", i)
		if i < len(p.header) {
			key = p.header[i]
		}
		fields[key] = v
	}

	return &ParsedEvent{
		Fields:        fields,
		DeclaredTotal: maxInt(len(p.header), declaredFieldCount(p.Source(), p.category)),
		FieldQuality:  FieldQuality(record),
		Tags:          []string{"csv"},
	}, nil
}

func (p *CSVParser) Normalize(parsed *ParsedEvent, e model.RawEvent) model.NormalizedEvent {
	n := model.NormalizedEvent{
		Timestamp: e.Timestamp,
		Severity:  model.SeverityMedium,
		Event:     model.EventInfo{Category: "csv"},
		Message:   string(e.Payload),
		Labels:    stringFieldMap(parsed.Fields),
	}
	n.Provenance = buildProvenance(p.ID(), p.BaseConfidence(), parsed)
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
