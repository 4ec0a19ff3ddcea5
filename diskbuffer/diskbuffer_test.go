package diskbuffer_test

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/coriolis-labs/ingestor/diskbuffer"
	"github.com/coriolis-labs/ingestor/pipelineerrors"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buf, err := diskbuffer.Open(filepath.Join(dir, "seg0"), 1<<20)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer buf.Close()

	records := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, r := range records {
		if err := buf.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got, err := buf.Read(10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i, r := range records {
		if string(got[i]) != string(r) {
			t.Fatalf("record %d: expected %q, got %q", i, r, got[i])
		}
	}
}

func TestReadAdvancesCursorPastAlreadyReadRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0")
	buf, err := diskbuffer.Open(path, 1<<20)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, r := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if err := buf.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	first, err := buf.Read(1)
	if err != nil || len(first) != 1 || string(first[0]) != "a" {
		t.Fatalf("expected single record 'a', got %v err=%v", first, err)
	}
	buf.Close()

	// reopen: the sidecar cursor must survive the restart
	reopened, err := diskbuffer.Open(path, 1<<20)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rest, err := reopened.Read(10)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if len(rest) != 2 || string(rest[0]) != "b" || string(rest[1]) != "c" {
		t.Fatalf("expected remaining records [b c], got %v", rest)
	}
}

func TestDiskFullReturnsErrDiskFull(t *testing.T) {
	dir := t.TempDir()
	buf, err := diskbuffer.Open(filepath.Join(dir, "seg0"), 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer buf.Close()

	err = buf.Write([]byte("this record is far too long for a 16 byte budget"))
	if err != pipelineerrors.ErrDiskFull {
		t.Fatalf("expected ErrDiskFull, got %v", err)
	}
}

func TestRecoverTruncatesTornWriteAfterCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0")

	buf, err := diskbuffer.Open(path, 1<<20)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := buf.Write([]byte("intact")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// simulate a crash mid-write: append a record header that claims a
	// body longer than what actually follows, with no valid CRC tail.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	torn := make([]byte, 8)
	binary.BigEndian.PutUint32(torn[0:4], 40)
	binary.BigEndian.PutUint32(torn[4:8], crc32.Checksum([]byte("short"), crc32.MakeTable(crc32.Castagnoli)))
	if _, err := f.Write(torn); err != nil {
		t.Fatalf("write torn header: %v", err)
	}
	if _, err := f.Write([]byte("short")); err != nil {
		t.Fatalf("write torn body: %v", err)
	}
	f.Close()

	recovered, err := diskbuffer.Open(path, 1<<20)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	defer recovered.Close()

	got, err := recovered.Read(10)
	if err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "intact" {
		t.Fatalf("expected only the intact pre-crash record to survive recovery, got %v", got)
	}

	// the torn record must not block further appends: writePosition was
	// rolled back to the end of the last valid record.
	if err := recovered.Write([]byte("after-recovery")); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
}

func TestClearResetsSegment(t *testing.T) {
	dir := t.TempDir()
	buf, err := diskbuffer.Open(filepath.Join(dir, "seg0"), 1<<20)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer buf.Close()

	if err := buf.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := buf.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if buf.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", buf.Size())
	}

	got, err := buf.Read(10)
	if err != nil {
		t.Fatalf("read after clear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records after clear, got %v", got)
	}
}
