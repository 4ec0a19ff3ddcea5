package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coriolis-labs/ingestor/model"
)

// rfc5424Re detects the RFC 5424 header shape: <PRI>VERSION SP, e.g.
// "<34>1 2026-07-30T...". RFC 3164 carries no version digit after PRI.
var rfc5424Re = regexp.MustCompile(`^<\d{1,3}>\d\s`)
var priRe = regexp.MustCompile(`^<(\d{1,3})>`)

var structuredDataRe = regexp.MustCompile(`\[([^\]=]+)((?:\s+[^\]=]+="(?:[^"\\]|\\.)*")*)\]`)
var sdParamRe = regexp.MustCompile(`([^\s=]+)="((?:[^"\\]|\\.)*)"`)

const (
	rfc3164Stamp = "Jan _2 15:04:05"
)

// SyslogParser handles both RFC 3164 (BSD) and RFC 5424 (IETF) syslog
// framing, auto-detecting the variant from the header shape before
// PRI/timestamp/structured-data extraction.
type SyslogParser struct {
	category string
	now      func() time.Time
}

// NewSyslogParser builds a parser for the given category hint (e.g.
// "auth", "default"); now is overridable in tests to pin the
// year-rollback heuristic's reference clock.
func NewSyslogParser(category string, now func() time.Time) *SyslogParser {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SyslogParser{category: category, now: now}
}

func (p *SyslogParser) ID() string       { return "syslog/" + p.category }
func (p *SyslogParser) Source() string   { return model.SourceSyslog }
func (p *SyslogParser) Category() string { return p.category }
func (p *SyslogParser) Priority() int    { return 10 }
func (p *SyslogParser) BaseConfidence() float64 { return 0.9 }

// Validate requires a leading PRI byte "<N>"; everything else is left
// to Parse since RFC 3164 messages vary widely past the priority value.
func (p *SyslogParser) Validate(raw []byte) bool {
	return priRe.Match(raw)
}

type syslogFields struct {
	facility  int
	severity  int
	version   int
	timestamp time.Time
	host      string
	appName   string
	procID    string
	msgID     string
	sd        map[string]map[string]string
	message   string
}

func (p *SyslogParser) Parse(raw []byte) (*ParsedEvent, error) {
	line := string(raw)
	m := priRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("syslog: no priority header")
	}
	pri, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("syslog: invalid priority %q: %w", m[1], err)
	}
	rest := line[len(m[0]):]

	sf := syslogFields{facility: pri / 8, severity: pri % 8}

	if rfc5424Re.MatchString(line) {
		if err := p.parse5424(rest, &sf); err != nil {
			return nil, err
		}
	} else {
		p.parse3164(rest, &sf)
	}

	fields := map[string]interface{}{
		"facility": sf.facility,
		"severity": sf.severity,
		"host":     sf.host,
		"app_name": sf.appName,
		"proc_id":  sf.procID,
		"msg_id":   sf.msgID,
		"message":  sf.message,
	}
	for sdID, params := range sf.sd {
		for k, v := range params {
			fields[sdID+"."+k] = v
		}
	}
	extracted := ExtractFields(sf.message)
	total := 0.0
	for _, f := range extracted {
		fields[f.Key] = f.Value
		total += f.Confidence
	}
	quality := 0.6
	if len(extracted) > 0 {
		quality = total / float64(len(extracted))
	}

	declared := declaredFieldCount(p.Source(), p.category)

	parsed := &ParsedEvent{
		Fields:        fields,
		DeclaredTotal: declared,
		FieldQuality:  quality,
		Tags:          []string{"syslog"},
	}
	parsed.Fields["__timestamp"] = sf.timestamp
	return parsed, nil
}

// parse5424 handles "<PRI>VERSION TIMESTAMP HOST APP-NAME PROCID MSGID
// [STRUCTURED-DATA] MSG".
func (p *SyslogParser) parse5424(rest string, sf *syslogFields) error {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 6)
	if len(parts) < 6 {
		return fmt.Errorf("syslog: malformed rfc5424 header")
	}
	sf.version, _ = strconv.Atoi(parts[0])
	sf.timestamp = parseTimestampOrZero(parts[1])
	sf.host = nilDash(parts[2])
	sf.appName = nilDash(parts[3])
	sf.procID = nilDash(parts[4])

	remainder := parts[5]
	fields := strings.SplitN(remainder, " ", 2)
	sf.msgID = nilDash(fields[0])
	tail := ""
	if len(fields) > 1 {
		tail = fields[1]
	}

	sf.sd, tail = parseStructuredData(tail)
	sf.message = strings.TrimPrefix(tail, " ")
	if sf.timestamp.IsZero() {
		sf.timestamp = p.now()
	}
	return nil
}

// parse3164 handles the legacy BSD form "Mon _2 HH:MM:SS host tag:
// msg", whose timestamp carries no year; the year is inferred by
// rolling back from now() when the parsed month/day would otherwise
// land in the future.
func (p *SyslogParser) parse3164(rest string, sf *syslogFields) {
	rest = strings.TrimLeft(rest, " ")
	if len(rest) >= len(rfc3164Stamp) {
		stampStr := rest[:len(rfc3164Stamp)]
		if t, err := time.Parse(rfc3164Stamp, stampStr); err == nil {
			now := p.now()
			year := now.Year()
			candidate := time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
			if candidate.After(now.Add(24 * time.Hour)) {
				candidate = time.Date(year-1, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
			}
			sf.timestamp = candidate
			rest = strings.TrimLeft(rest[len(rfc3164Stamp):], " ")
		}
	}
	if sf.timestamp.IsZero() {
		sf.timestamp = p.now()
	}

	fields := strings.SplitN(rest, " ", 2)
	sf.host = fields[0]
	tail := ""
	if len(fields) > 1 {
		tail = fields[1]
	}

	if idx := strings.Index(tail, ":"); idx > 0 && idx < 64 {
		tag := tail[:idx]
		if bracket := strings.Index(tag, "["); bracket >= 0 {
			sf.appName = tag[:bracket]
			sf.procID = strings.TrimSuffix(tag[bracket+1:], "]")
		} else {
			sf.appName = tag
		}
		sf.message = strings.TrimPrefix(tail[idx+1:], " ")
	} else {
		sf.message = tail
	}
}

func (p *SyslogParser) Normalize(parsed *ParsedEvent, e model.RawEvent) model.NormalizedEvent {
	severity := syslogSeverityToECS(intField(parsed.Fields, "severity"))
	ts, _ := parsed.Fields["__timestamp"].(time.Time)
	if ts.IsZero() {
		ts = e.Timestamp
	}

	n := model.NormalizedEvent{
		Timestamp: ts,
		Severity:  severity,
		Event: model.EventInfo{
			Category: "syslog",
			Action:   stringField(parsed.Fields, "app_name"),
		},
		Host:    model.HostIdentity{Name: stringField(parsed.Fields, "host")},
		Message: stringField(parsed.Fields, "message"),
		Labels:  stringFieldMap(parsed.Fields),
	}
	if ip := stringField(parsed.Fields, "ip"); ip != "" {
		n.Network.SourceIP = ip
	}
	n.Provenance = buildProvenance(p.ID(), p.BaseConfidence(), parsed)
	return n
}

func syslogSeverityToECS(sev int) model.Severity {
	switch {
	case sev <= 2:
		return model.SeverityCritical
	case sev == 3:
		return model.SeverityHigh
	case sev == 4 || sev == 5:
		return model.SeverityMedium
	case sev == 6:
		return model.SeverityLow
	default:
		return model.SeverityVerbose
	}
}

func parseStructuredData(s string) (map[string]map[string]string, string) {
	if !strings.HasPrefix(s, "[") {
		if s == "-" {
			return nil, ""
		}
		if strings.HasPrefix(s, "- ") {
			return nil, s[2:]
		}
		return nil, s
	}
	sd := make(map[string]map[string]string)
	loc := structuredDataRe.FindAllStringSubmatchIndex(s, -1)
	consumed := 0
	for _, idx := range loc {
		full := s[idx[0]:idx[1]]
		idPart := s[idx[2]:idx[3]]
		params := map[string]string{}
		for _, pm := range sdParamRe.FindAllStringSubmatch(full, -1) {
			params[pm[1]] = strings.ReplaceAll(pm[2], `\"`, `"`)
		}
		sd[idPart] = params
		if idx[1] > consumed {
			consumed = idx[1]
		}
	}
	return sd, strings.TrimSpace(s[consumed:])
}

func nilDash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func parseTimestampOrZero(s string) time.Time {
	if s == "-" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
