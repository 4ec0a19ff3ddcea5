package batcher

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SourcePriority is the default dispatch priority and byte-footprint
// weight attached to events from a given source/category pair before
// an explicit per-request priority override applies.
type SourcePriority struct {
	Priority   int     `json:"priority"`    // lower number = higher priority
	ByteWeight float64 `json:"byte_weight"` // multiplier applied to RawEvent.Size() for capacity accounting
}

// PriorityTable maps "source/category" to its SourcePriority, the same
// static-map-with-JSON-override shape the provider pricing table used
// for per-model rates.
type PriorityTable struct {
	mu    sync.RWMutex
	table map[string]SourcePriority
}

// DefaultPriorityTable returns the built-in source/category weighting.
// Security-relevant sources (auth, network) default to higher priority
// (lower number) than bulk telemetry (file, cloud audit logs).
func DefaultPriorityTable() *PriorityTable {
	return &PriorityTable{
		table: map[string]SourcePriority{
			"syslog/auth":             {Priority: 1, ByteWeight: 1.0},
			"syslog/security":         {Priority: 1, ByteWeight: 1.0},
			"network_security/alert":  {Priority: 1, ByteWeight: 1.0},
			"windows_event/security":  {Priority: 2, ByteWeight: 1.0},
			"syslog/default":          {Priority: 3, ByteWeight: 1.0},
			"windows_event/default":   {Priority: 3, ByteWeight: 1.0},
			"cloud_trail/default":     {Priority: 4, ByteWeight: 1.0},
			"csv/default":             {Priority: 5, ByteWeight: 0.8},
			"xml/default":             {Priority: 5, ByteWeight: 0.8},
			"json/default":            {Priority: 5, ByteWeight: 0.8},
		},
	}
}

// LoadFromFile merges JSON overrides into the table.
func (pt *PriorityTable) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read priority table file: %w", err)
	}
	var overrides map[string]SourcePriority
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse priority table file: %w", err)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for k, v := range overrides {
		pt.table[k] = v
	}
	return nil
}

// Lookup returns the priority for "source/category", falling back to
// "source/default", then to priority 5 (lowest-precedence default).
func (pt *PriorityTable) Lookup(source, category string) SourcePriority {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	key := source + "/" + strings.ToLower(category)
	if p, ok := pt.table[key]; ok {
		return p
	}
	if p, ok := pt.table[source+"/default"]; ok {
		return p
	}
	return SourcePriority{Priority: 5, ByteWeight: 1.0}
}

// Set updates or adds an entry.
func (pt *PriorityTable) Set(key string, p SourcePriority) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.table[key] = p
}

// All returns a copy of every configured entry, for httpapi introspection.
func (pt *PriorityTable) All() map[string]SourcePriority {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make(map[string]SourcePriority, len(pt.table))
	for k, v := range pt.table {
		out[k] = v
	}
	return out
}
