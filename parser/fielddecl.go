package parser

import "sync"

// declaredFields tracks, per (source, category), the canonical list of
// fields a well-formed log of that shape is expected to carry. Coverage
// in the confidence formula (coverage = fieldsExtracted /
// totalDeclaredFields) is measured against this list rather than
// against whatever the parser happened to find, so a log missing half
// its expected fields scores lower even if every field it did carry
// extracted cleanly.
type declaredFieldSet struct {
	mu     sync.RWMutex
	fields map[string][]string
}

var declared = &declaredFieldSet{
	fields: map[string][]string{
		"syslog/auth":             {"facility", "severity", "host", "app_name", "proc_id", "message", "user", "outcome"},
		"syslog/default":          {"facility", "severity", "host", "app_name", "message"},
		"windows_event/security":  {"event_id", "provider", "level", "host", "user", "message"},
		"windows_event/default":   {"event_id", "provider", "level", "message"},
		"network_security/alert":  {"src_ip", "dst_ip", "src_port", "dst_port", "protocol", "action", "signature"},
		"cloud_trail/default":     {"event_name", "event_source", "user_identity", "aws_region", "source_ip"},
		"json/default":            {"message"},
		"csv/default":             {"message"},
	},
}

// declaredFieldCount returns the expected field count for a
// (source, category) pair, falling back to the source's "default"
// entry and finally to a conservative floor of 5 so coverage never
// divides by a meaningless value.
func declaredFieldCount(source, category string) int {
	declared.mu.RLock()
	defer declared.mu.RUnlock()

	if fields, ok := declared.fields[source+"/"+category]; ok {
		return len(fields)
	}
	if fields, ok := declared.fields[source+"/default"]; ok {
		return len(fields)
	}
	return 5
}

// RegisterDeclaredFields lets a parser contribute its own declared
// field list at init time rather than relying on the built-in table,
// used by collectors that extend the base syslog/windows categories
// with site-specific structured-data fields.
func RegisterDeclaredFields(source, category string, fields []string) {
	declared.mu.Lock()
	defer declared.mu.Unlock()
	declared.fields[source+"/"+category] = fields
}
