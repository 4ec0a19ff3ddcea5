package parser

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coriolis-labs/ingestor/model"
)

// winEventXML mirrors the subset of the Windows Event Log XML schema
// (System/EventData) the collector's EVTX reader and poller both
// produce once translated to XML.
type winEventXML struct {
	System struct {
		Provider struct {
			Name string `xml:"Name,attr"`
		} `xml:"Provider"`
		EventID     int    `xml:"EventID"`
		Level       int    `xml:"Level"`
		Computer    string `xml:"Computer"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	EventData struct {
		Data []struct {
			Name  string `xml:"Name,attr"`
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"EventData"`
}

// WindowsEventParser handles Windows Event Log XML as produced by the
// EVTX reader and the Windows event poller.
type WindowsEventParser struct {
	category string
}

func NewWindowsEventParser(category string) *WindowsEventParser {
	return &WindowsEventParser{category: category}
}

func (p *WindowsEventParser) ID() string              { return "windows_event/" + p.category }
func (p *WindowsEventParser) Source() string          { return model.SourceWindowsEvent }
func (p *WindowsEventParser) Category() string        { return p.category }
func (p *WindowsEventParser) Priority() int           { return 15 }
func (p *WindowsEventParser) BaseConfidence() float64 { return 0.88 }

func (p *WindowsEventParser) Validate(raw []byte) bool {
	return strings.Contains(string(raw), "<Event") && strings.Contains(string(raw), "<System>")
}

func (p *WindowsEventParser) Parse(raw []byte) (*ParsedEvent, error) {
	var ev winEventXML
	if err := xml.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("windows_event: %w", err)
	}

	fields := map[string]interface{}{
		"event_id": ev.System.EventID,
		"provider": ev.System.Provider.Name,
		"level":    ev.System.Level,
		"host":     ev.System.Computer,
	}
	values := []string{strconv.Itoa(ev.System.EventID), ev.System.Provider.Name, ev.System.Computer}
	for _, d := range ev.EventData.Data {
		if d.Name == "" {
			continue
		}
		fields[strings.ToLower(d.Name)] = d.Value
		values = append(values, d.Value)
	}
	if ts, err := time.Parse(time.RFC3339Nano, ev.System.TimeCreated.SystemTime); err == nil {
		fields["__timestamp"] = ts
	}

	return &ParsedEvent{
		Fields:        fields,
		DeclaredTotal: declaredFieldCount(p.Source(), p.category),
		FieldQuality:  FieldQuality(values),
		Tags:          []string{"windows_event"},
	}, nil
}

func (p *WindowsEventParser) Normalize(parsed *ParsedEvent, e model.RawEvent) model.NormalizedEvent {
	ts, _ := parsed.Fields["__timestamp"].(time.Time)
	if ts.IsZero() {
		ts = e.Timestamp
	}

	n := model.NormalizedEvent{
		Timestamp: ts,
		Severity:  windowsLevelToECS(intField(parsed.Fields, "level")),
		Event: model.EventInfo{
			Category: "windows_event",
			Action:   fmt.Sprintf("event_id_%d", intField(parsed.Fields, "event_id")),
		},
		Host:    model.HostIdentity{Name: stringField(parsed.Fields, "host")},
		User:    model.UserIdentity{Name: firstNonEmpty(stringField(parsed.Fields, "targetusername"), stringField(parsed.Fields, "subjectusername"))},
		Message: string(e.Payload),
		Labels:  stringFieldMap(parsed.Fields),
	}
	n.Provenance = buildProvenance(p.ID(), p.BaseConfidence(), parsed)
	return n
}

func windowsLevelToECS(level int) model.Severity {
	switch level {
	case 1:
		return model.SeverityCritical
	case 2:
		return model.SeverityHigh
	case 3:
		return model.SeverityMedium
	case 4:
		return model.SeverityLow
	default:
		return model.SeverityVerbose
	}
}
