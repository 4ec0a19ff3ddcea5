package membuffer_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/membuffer"
	"github.com/coriolis-labs/ingestor/model"
)

func testEvent(payload string) model.RawEvent {
	return model.NewRawEvent(model.SourceSyslog, []byte(payload), model.Metadata{}, 0)
}

func events(n int) []model.RawEvent {
	out := make([]model.RawEvent, n)
	for i := range out {
		out[i] = testEvent("e")
	}
	return out
}

// TestAddBatchSpillsAtHighWaterMarkNotCapacity reproduces spec §8
// scenario 3: with highWaterMark=0.9 and capacity=100, AddBatch must
// stop accepting once occupancy reaches 90 events, well short of the
// hard 100-event capacity.
func TestAddBatchSpillsAtHighWaterMarkNotCapacity(t *testing.T) {
	cfg := membuffer.Config{Capacity: 100, HighWaterMark: 0.9, LowWaterMark: 0.3}
	buf := membuffer.New(zerolog.Nop(), cfg)

	accepted, overflow := buf.AddBatch(events(100), 0)

	if accepted != 90 {
		t.Fatalf("expected 90 events accepted at the high-water mark, got %d", accepted)
	}
	if len(overflow) != 10 {
		t.Fatalf("expected 10 events spilled to overflow, got %d", len(overflow))
	}
	if buf.Size() != 90 {
		t.Fatalf("expected buffer size 90, got %d", buf.Size())
	}
	if !buf.AboveHighWaterMark() {
		t.Fatal("expected buffer to report above high-water mark after spill")
	}
	if buf.HasCapacity() {
		t.Log("buffer still has hard capacity remaining, as expected since the watermark stopped it early")
	}
}

func TestAddBatchAcceptsEverythingBelowHighWaterMark(t *testing.T) {
	cfg := membuffer.Config{Capacity: 100, HighWaterMark: 0.9, LowWaterMark: 0.3}
	buf := membuffer.New(zerolog.Nop(), cfg)

	accepted, overflow := buf.AddBatch(events(50), 0)
	if accepted != 50 || len(overflow) != 0 {
		t.Fatalf("expected all 50 events accepted with no overflow, got accepted=%d overflow=%d", accepted, len(overflow))
	}
}

// TestAddIsHardCapacityGated confirms the single-event Add path (used
// only to refill memory from disk) is allowed to fill all the way to
// hard capacity, unlike AddBatch which stops at the watermark.
func TestAddIsHardCapacityGated(t *testing.T) {
	cfg := membuffer.Config{Capacity: 3, HighWaterMark: 0.5, LowWaterMark: 0.1}
	buf := membuffer.New(zerolog.Nop(), cfg)

	for i := 0; i < 3; i++ {
		if !buf.Add(testEvent("e"), 0) {
			t.Fatalf("expected Add to succeed up to hard capacity on event %d", i)
		}
	}
	if buf.Add(testEvent("overflow"), 0) {
		t.Fatal("expected Add to reject once hard capacity is reached")
	}
}

func TestDrainOrdersByPriorityThenFIFO(t *testing.T) {
	buf := membuffer.New(zerolog.Nop(), membuffer.Config{Capacity: 10, HighWaterMark: 1, LowWaterMark: 0})

	buf.Add(testEvent("low-1"), 5)
	buf.Add(testEvent("high-1"), 0)
	buf.Add(testEvent("low-2"), 5)
	buf.Add(testEvent("high-2"), 0)

	out := buf.Drain(10)
	if len(out) != 4 {
		t.Fatalf("expected 4 events drained, got %d", len(out))
	}
	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for i, w := range want {
		if string(out[i].Payload) != w {
			t.Fatalf("position %d: expected %q, got %q", i, w, out[i].Payload)
		}
	}
}

func TestBelowLowWaterMark(t *testing.T) {
	cfg := membuffer.Config{Capacity: 100, HighWaterMark: 0.9, LowWaterMark: 0.3}
	buf := membuffer.New(zerolog.Nop(), cfg)

	if !buf.BelowLowWaterMark() {
		t.Fatal("expected empty buffer to be below the low-water mark")
	}
	buf.AddBatch(events(40), 0)
	if buf.BelowLowWaterMark() {
		t.Fatal("expected buffer at 40/100 occupancy to be above the low-water mark (30)")
	}
}
