package parser

import (
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

// ExtractedField pairs a value with the extractor's own confidence in
// it, derived from value typability and key-substring hints.
type ExtractedField struct {
	Key        string
	Value      string
	Confidence float64
}

var (
	ipRe        = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	macRe       = regexp.MustCompile(`\b[0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5}\b`)
	urlRe       = regexp.MustCompile(`\bhttps?://[^\s"']+`)
	timestampRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?\b`)

	quotedKVRe    = regexp.MustCompile(`([A-Za-z0-9_.-]+)="([^"]*)"`)
	spaceKVRe     = regexp.MustCompile(`([A-Za-z0-9_.-]+)=(\S+)`)
	logstashKVRe  = regexp.MustCompile(`([A-Za-z0-9_.-]+):\s*([^,;\s]+)`)
	commaKVRe     = regexp.MustCompile(`([A-Za-z0-9_.-]+)=([^,]+)(?:,|$)`)
)

// ExtractFields tries, in order, a whole-message JSON parse, then
// key-value strategies (quoted, bare, comma-separated, Logstash-colon),
// then falls back to regex extraction of well-known value shapes. Every
// strategy that yields at least one field short-circuits the remaining
// ones, matching the registry's "first validated parser wins" dispatch
// idiom at field-extraction scale.
func ExtractFields(message string) []ExtractedField {
	if fields, ok := extractJSON(message); ok {
		return fields
	}
	if fields := extractKV(quotedKVRe, message); len(fields) > 0 {
		return fields
	}
	if fields := extractKV(spaceKVRe, message); len(fields) > 0 {
		return fields
	}
	if fields := extractKV(commaKVRe, message); len(fields) > 0 {
		return fields
	}
	if fields := extractKV(logstashKVRe, message); len(fields) > 0 {
		return fields
	}
	return extractRegex(message)
}

func extractJSON(message string) ([]ExtractedField, bool) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}
	fields := make([]ExtractedField, 0, len(raw))
	for k, v := range raw {
		s := fmt.Sprint(v)
		fields = append(fields, ExtractedField{Key: k, Value: s, Confidence: fieldConfidence(k, s)})
	}
	return fields, true
}

func extractKV(re *regexp.Regexp, message string) []ExtractedField {
	matches := re.FindAllStringSubmatch(message, -1)
	fields := make([]ExtractedField, 0, len(matches))
	for _, m := range matches {
		key := strings.TrimSpace(m[1])
		val := strings.TrimSpace(m[2])
		if key == "" || val == "" {
			continue
		}
		fields = append(fields, ExtractedField{Key: key, Value: val, Confidence: fieldConfidence(key, val)})
	}
	return fields
}

// extractRegex is the last-resort strategy: pull out anything
// recognizable (IPs, MACs, URLs, emails, timestamps) and label it by
// shape rather than by a declared key.
func extractRegex(message string) []ExtractedField {
	var fields []ExtractedField
	for _, ip := range ipRe.FindAllString(message, -1) {
		fields = append(fields, ExtractedField{Key: "ip", Value: ip, Confidence: typabilityScore(ip)})
	}
	for _, mac := range macRe.FindAllString(message, -1) {
		fields = append(fields, ExtractedField{Key: "mac", Value: mac, Confidence: 0.8})
	}
	for _, u := range urlRe.FindAllString(message, -1) {
		fields = append(fields, ExtractedField{Key: "url", Value: u, Confidence: 0.75})
	}
	for _, ts := range timestampRe.FindAllString(message, -1) {
		fields = append(fields, ExtractedField{Key: "timestamp", Value: ts, Confidence: 0.85})
	}
	for _, tok := range strings.Fields(message) {
		if _, err := mail.ParseAddress(tok); err == nil {
			fields = append(fields, ExtractedField{Key: "email", Value: tok, Confidence: 0.8})
		}
	}
	return fields
}

// fieldConfidence scores a key/value pair by two signals: whether the
// value is typable (numeric, IP, boolean, timestamp: all high
// confidence over an opaque string) and whether the key itself hints at
// a well-known field name.
func fieldConfidence(key, value string) float64 {
	score := 0.5
	score += typabilityScore(value) * 0.3
	if keyHintsField(key) {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func typabilityScore(value string) float64 {
	if value == "" {
		return 0
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return 1.0
	}
	if net.ParseIP(value) != nil {
		return 1.0
	}
	if value == "true" || value == "false" {
		return 1.0
	}
	if timestampRe.MatchString(value) {
		return 0.9
	}
	return 0.4
}

var fieldHints = []string{
	"user", "src", "dst", "host", "ip", "port", "proc", "pid", "severity",
	"action", "outcome", "method", "status", "url", "domain", "hash", "msg",
}

func keyHintsField(key string) bool {
	lower := strings.ToLower(key)
	for _, h := range fieldHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}
