// Package diskbuffer implements the spill-to-disk segment format the
// Buffer Manager falls back to once the memory buffer crosses its
// high-water mark. A segment is an append-only file: a fixed header
// followed by a sequence of length-prefixed, CRC-checksummed records.
// A sidecar file tracks the read cursor across restarts.
package diskbuffer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/coriolis-labs/ingestor/pipelineerrors"
)

const (
	magic         uint32 = 0x53474c42 // "SGLB"
	formatVersion uint8  = 1

	headerSize = 4 + 1 + 1 + 2 // magic + version + codec + flags(reserved)

	// CodecNone and CodecSnappy select the per-record compression scheme
	// recorded in the header. Only CodecNone is implemented; CodecSnappy
	// is reserved for a future record-level compressor.
	CodecNone   uint8 = 0
	CodecSnappy uint8 = 1
)

// crc32cTable is the Castagnoli polynomial table: CRC32C, not the
// default IEEE polynomial, matching the on-disk record checksum format.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Buffer is a single append-only spill segment with a persisted read
// cursor. One mutex serializes writers; readers observe writePosition
// via the same lock rather than a separate atomic, trading a little
// contention for a format simple enough to recover by linear scan.
type Buffer struct {
	mu sync.Mutex

	path       string
	sidecar    string
	file       *os.File
	writer     *bufio.Writer
	codec      uint8
	maxSize    int64

	writePosition int64
	readPosition  int64
}

// Open creates or recovers a disk buffer segment at path. maxSize bounds
// writePosition-readPosition; once exceeded, Write returns ErrDiskFull.
func Open(path string, maxSize int64) (*Buffer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "mkdir spill dir", err)
	}

	b := &Buffer{
		path:    path,
		sidecar: path + ".cursor",
		codec:   CodecNone,
		maxSize: maxSize,
	}

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "open spill file", err)
	}
	b.file = f

	if !existed {
		if err := b.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := b.recover(); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(b.writePosition, io.SeekStart); err != nil {
		f.Close()
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "seek to write position", err)
	}
	b.writer = bufio.NewWriter(f)

	b.loadCursor()

	return b, nil
}

func (b *Buffer) writeHeader() error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	hdr[4] = formatVersion
	hdr[5] = b.codec
	if _, err := b.file.Write(hdr); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "write segment header", err)
	}
	b.writePosition = headerSize
	return nil
}

// recover scans from offset 0, advancing through valid records while
// their CRC validates. writePosition becomes the offset of the first
// invalid or truncated record (a torn write from a prior crash).
func (b *Buffer) recover() error {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(b.file, hdr); err != nil {
		// Empty or truncated header: treat as fresh segment.
		if _, serr := b.file.Seek(0, io.SeekStart); serr != nil {
			return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "seek start for re-init", serr)
		}
		if terr := b.file.Truncate(0); terr != nil {
			return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "truncate corrupt segment", terr)
		}
		return b.writeHeader()
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "bad segment magic", nil)
	}
	b.codec = hdr[5]

	offset := int64(headerSize)
	for {
		recHdr := make([]byte, 8)
		n, err := io.ReadFull(b.file, recHdr)
		if err != nil || n < 8 {
			break
		}
		length := binary.BigEndian.Uint32(recHdr[0:4])
		wantCRC := binary.BigEndian.Uint32(recHdr[4:8])

		body := make([]byte, length)
		if _, err := io.ReadFull(b.file, body); err != nil {
			break
		}
		if crc32.Checksum(body, crc32cTable) != wantCRC {
			break
		}
		offset += 8 + int64(length)
	}
	b.writePosition = offset
	return nil
}

func (b *Buffer) loadCursor() {
	data, err := os.ReadFile(b.sidecar)
	if err != nil {
		b.readPosition = headerSize
		return
	}
	pos, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || pos < headerSize || pos > b.writePosition {
		// Inconsistent sidecar: at-least-once, restart from the beginning.
		b.readPosition = headerSize
		return
	}
	b.readPosition = pos
}

func (b *Buffer) persistCursor() error {
	tmp := b.sidecar + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(b.readPosition, 10)), 0o644); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "write cursor sidecar", err)
	}
	return os.Rename(tmp, b.sidecar)
}

// Write appends a single opaque record. Returns ErrDiskFull if the
// segment's size bound would be exceeded.
func (b *Buffer) Write(record []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	grow := int64(8 + len(record))
	if b.writePosition-b.readPosition+grow > b.maxSize {
		return pipelineerrors.ErrDiskFull
	}

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(record)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.Checksum(record, crc32cTable))

	if _, err := b.writer.Write(hdr); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "write record header", err)
	}
	if _, err := b.writer.Write(record); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "write record body", err)
	}
	if err := b.writer.Flush(); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "flush spill segment", err)
	}

	b.writePosition += grow
	return nil
}

// Read returns up to n records starting at the persisted read cursor
// and advances it, checkpointing the sidecar before returning.
func (b *Buffer) Read(n int) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readPosition >= b.writePosition {
		return nil, nil
	}

	reader := io.NewSectionReader(b.file, b.readPosition, b.writePosition-b.readPosition)
	br := bufio.NewReader(reader)

	records := make([][]byte, 0, n)
	advanced := int64(0)
	for len(records) < n {
		recHdr := make([]byte, 8)
		if _, err := io.ReadFull(br, recHdr); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(recHdr[0:4])
		wantCRC := binary.BigEndian.Uint32(recHdr[4:8])

		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			break
		}
		if crc32.Checksum(body, crc32cTable) != wantCRC {
			return nil, pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "checksum mismatch on read", nil)
		}
		records = append(records, body)
		advanced += 8 + int64(length)
	}

	b.readPosition += advanced
	if err := b.persistCursor(); err != nil {
		return records, err
	}
	return records, nil
}

// Size returns the unread backlog in bytes: writePosition - readPosition.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writePosition - b.readPosition
}

// Clear truncates the segment and resets both cursors, used once the
// disk buffer has been fully drained back into memory.
func (b *Buffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.file.Truncate(0); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "truncate on clear", err)
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "seek on clear", err)
	}
	b.writer = bufio.NewWriter(b.file)
	if err := b.writeHeader(); err != nil {
		return err
	}
	b.readPosition = headerSize
	return b.persistCursor()
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writer.Flush(); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ErrBufferIO, "flush on close", err)
	}
	return b.file.Close()
}

// String aids debugging/logging call sites.
func (b *Buffer) String() string {
	return fmt.Sprintf("diskbuffer{path=%s, write=%d, read=%d}", b.path, b.writePosition, b.readPosition)
}
