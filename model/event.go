// Package model defines the wire and in-memory shapes that flow through
// the ingestion pipeline: RawEvent (as handed off by a Collector),
// NormalizedEvent (as produced by the Parser/Normalizer), and the
// batching/segment types the buffer layer operates on.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Source tags identify which collector kind produced a RawEvent.
const (
	SourceSyslog          = "syslog"
	SourceWindowsEvent     = "windows_event"
	SourceCSV              = "csv"
	SourceXML              = "xml"
	SourceJSON             = "json"
	SourceCloudTrail       = "cloud_trail"
	SourceNetworkSecurity  = "network_security"
)

// RetentionHints carries the storage-tier hints a collector (or the
// ingest API) attaches to an event.
type RetentionHints struct {
	Tier       string `json:"tier"` // hot, warm, cold
	Days       int    `json:"days"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
}

// Metadata carries ingestion provenance for a RawEvent.
type Metadata struct {
	IngestionID      string         `json:"ingestion_id"`
	CollectorName    string         `json:"collector_name"`
	CollectorVersion string         `json:"collector_version"`
	OrganizationID   string         `json:"organization_id"`
	Environment      string         `json:"environment"`
	Retention        RetentionHints `json:"retention"`
	Protocol         string         `json:"protocol"`
	SourceAddress    string         `json:"source_address"`
}

// RawEvent is produced by a Collector and is the unit the buffer layer
// moves end to end. Its Id is immutable once assigned; ReceivedAt must
// never be in the future; Payload must respect the configured
// maxMessageSize (enforced by the collector before handoff).
type RawEvent struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	ReceivedAt time.Time         `json:"received_at"`
	Timestamp  time.Time         `json:"timestamp"`
	Payload    []byte            `json:"payload"`
	Fields     map[string]string `json:"fields,omitempty"`
	Metadata   Metadata          `json:"metadata"`
	Priority   int               `json:"priority"`

	// Attempt is the number of times this event has been requeued after a
	// failed send; it is attached at requeue time and never set by a
	// collector.
	Attempt int `json:"attempt,omitempty"`
}

// NewRawEvent stamps a fresh RawEvent with a new UUID and ReceivedAt=now.
// Timestamp defaults to now and should be overwritten by the caller with
// the event's own timestamp once parsed, if known before normalization.
func NewRawEvent(source string, payload []byte, md Metadata, priority int) RawEvent {
	now := time.Now().UTC()
	return RawEvent{
		ID:         uuid.NewString(),
		Source:     source,
		ReceivedAt: now,
		Timestamp:  now,
		Payload:    payload,
		Metadata:   md,
		Priority:   priority,
	}
}

// Size returns the byte footprint counted against maxMessageSize and
// disk/memory buffer capacity accounting.
func (e RawEvent) Size() int {
	n := len(e.Payload)
	for k, v := range e.Fields {
		n += len(k) + len(v)
	}
	return n
}

// OrderingKey is the partition/ordering key used across the buffer,
// flow controller and producer pool: §5 guarantees FIFO-per-key only for
// the pair (collector name, organization id).
func (e RawEvent) OrderingKey() string {
	return e.Metadata.CollectorName + "|" + e.Metadata.OrganizationID
}

// BufferBatch is an ordered slice of RawEvent drawn from the Buffer
// Manager. Items preserve FIFO order as enqueued from a single collector;
// across collectors only per-key (organization id) order is preserved.
type BufferBatch struct {
	Events   []RawEvent
	Priority int
}

func (b BufferBatch) Len() int { return len(b.Events) }

func (b BufferBatch) TotalBytes() int {
	n := 0
	for _, e := range b.Events {
		n += e.Size()
	}
	return n
}
