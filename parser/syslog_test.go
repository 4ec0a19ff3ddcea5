package parser_test

import (
	"testing"
	"time"

	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/parser"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSyslogParserValidateRequiresPriority(t *testing.T) {
	p := parser.NewSyslogParser("default", nil)
	if !p.Validate([]byte("<34>1 2026-07-30T10:00:00Z host app - - - hello")) {
		t.Fatal("expected a PRI-prefixed line to validate")
	}
	if p.Validate([]byte("no priority header here")) {
		t.Fatal("expected a line with no PRI header to fail validation")
	}
}

func TestParseRFC5424(t *testing.T) {
	p := parser.NewSyslogParser("default", nil)
	raw := []byte(`<34>1 2026-07-30T10:00:05.003Z mymachine su - ID47 [exampleSDID@32473 iut="3" eventSource="Application"] an application event log entry`)

	parsed, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Fields["host"] != "mymachine" {
		t.Fatalf("expected host mymachine, got %v", parsed.Fields["host"])
	}
	if parsed.Fields["app_name"] != "su" {
		t.Fatalf("expected app_name su, got %v", parsed.Fields["app_name"])
	}
	if parsed.Fields["message"] != "an application event log entry" {
		t.Fatalf("unexpected message: %v", parsed.Fields["message"])
	}
	if parsed.Fields["exampleSDID@32473.iut"] != "3" {
		t.Fatalf("expected structured data field iut=3, got %v", parsed.Fields["exampleSDID@32473.iut"])
	}
	ts, ok := parsed.Fields["__timestamp"].(time.Time)
	if !ok || ts.IsZero() {
		t.Fatal("expected a parsed timestamp")
	}
}

func TestParseRFC3164WithYearRollback(t *testing.T) {
	// "now" is early January; a December timestamp in the message must
	// roll back to the prior year rather than landing in the future.
	now := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	p := parser.NewSyslogParser("default", fixedNow(now))

	raw := []byte("<13>Dec 31 23:59:59 myhost sshd[1234]: Accepted password for root")
	parsed, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ts, ok := parsed.Fields["__timestamp"].(time.Time)
	if !ok {
		t.Fatal("expected a parsed timestamp")
	}
	if ts.Year() != 2025 {
		t.Fatalf("expected year rolled back to 2025, got %d", ts.Year())
	}
	if parsed.Fields["host"] != "myhost" {
		t.Fatalf("expected host myhost, got %v", parsed.Fields["host"])
	}
	if parsed.Fields["app_name"] != "sshd" || parsed.Fields["proc_id"] != "1234" {
		t.Fatalf("expected app_name sshd proc_id 1234, got %v/%v", parsed.Fields["app_name"], parsed.Fields["proc_id"])
	}
}

func TestNormalizeMapsSeverityToECS(t *testing.T) {
	p := parser.NewSyslogParser("default", nil)
	raw := []byte(`<2>1 2026-07-30T10:00:00Z host app - - - critical failure`)

	parsed, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	e := model.RawEvent{Source: model.SourceSyslog, Timestamp: time.Now()}
	norm := p.Normalize(parsed, e)
	if norm.Severity != model.SeverityCritical {
		t.Fatalf("expected SeverityCritical for syslog severity 2, got %v", norm.Severity)
	}
	if norm.Message != "critical failure" {
		t.Fatalf("expected message to propagate, got %q", norm.Message)
	}
}
