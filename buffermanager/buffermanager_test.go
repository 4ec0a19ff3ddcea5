package buffermanager_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/membuffer"
	"github.com/coriolis-labs/ingestor/model"
)

func newManager(t *testing.T, memCfg membuffer.Config) *buffermanager.Manager {
	t.Helper()
	cfg := buffermanager.Config{
		Memory:      memCfg,
		DiskPath:    filepath.Join(t.TempDir(), "spill.seg"),
		DiskMaxSize: 1 << 20,
		MaxAttempts: 3,
	}
	m, err := buffermanager.New(zerolog.Nop(), cfg, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func batch(n int) []model.RawEvent {
	out := make([]model.RawEvent, n)
	for i := range out {
		out[i] = model.NewRawEvent(model.SourceSyslog, []byte("event"), model.Metadata{}, 0)
	}
	return out
}

// TestAddEventsSpillsToDiskAtHighWaterMark reproduces spec §8 scenario
// 3: once memory occupancy crosses highWaterMark*capacity, further
// writes must land on disk rather than being accepted in memory or
// rejected outright.
func TestAddEventsSpillsToDiskAtHighWaterMark(t *testing.T) {
	m := newManager(t, membuffer.Config{Capacity: 100, HighWaterMark: 0.9, LowWaterMark: 0.3})

	if err := m.AddEvents(batch(100), 0); err != nil {
		t.Fatalf("add events: %v", err)
	}

	if m.GetSize() != 90 {
		t.Fatalf("expected 90 events held in memory at the watermark, got %d", m.GetSize())
	}
	if m.DiskBacklogBytes() <= 0 {
		t.Fatalf("expected the remaining 10 events spilled to disk, got 0 backlog bytes")
	}
	if m.GetTotalSize() != 100 {
		t.Fatalf("expected no events lost across the spill, total=%d", m.GetTotalSize())
	}
}

func TestAddEventsBelowWatermarkStaysInMemory(t *testing.T) {
	m := newManager(t, membuffer.Config{Capacity: 100, HighWaterMark: 0.9, LowWaterMark: 0.3})

	if err := m.AddEvents(batch(50), 0); err != nil {
		t.Fatalf("add events: %v", err)
	}
	if m.GetSize() != 50 {
		t.Fatalf("expected all 50 events in memory, got %d", m.GetSize())
	}
	if m.DiskBacklogBytes() != 0 {
		t.Fatalf("expected no disk spill below the watermark, got %d bytes", m.DiskBacklogBytes())
	}
}

func TestGetBatchDrainsFromDiskOnceMemoryIsExhausted(t *testing.T) {
	m := newManager(t, membuffer.Config{Capacity: 10, HighWaterMark: 0.5, LowWaterMark: 0.1})

	if err := m.AddEvents(batch(10), 0); err != nil {
		t.Fatalf("add events: %v", err)
	}
	if m.DiskBacklogBytes() == 0 {
		t.Fatal("expected some events to have spilled to disk given a 5-event watermark")
	}

	out := m.GetBatch(10)
	if len(out) != 10 {
		t.Fatalf("expected GetBatch to drain memory then backfill from disk for 10 total, got %d", len(out))
	}
}
