// Package buffermanager is the facade the rest of the pipeline talks
// to: ingress addEvent(s), egress getBatch(es), and the failure-path
// requeue. It exclusively owns a membuffer.Buffer and a diskbuffer.Buffer
// for their lifetime and coordinates spill/drain between them at the
// configured watermarks.
package buffermanager

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/diskbuffer"
	"github.com/coriolis-labs/ingestor/healthbus"
	"github.com/coriolis-labs/ingestor/membuffer"
	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/pipelineerrors"
)

// Config bundles the memory/disk/dead-letter tunables.
type Config struct {
	Memory      membuffer.Config
	DiskPath    string
	DiskMaxSize int64
	MaxAttempts int
	DeadLetterTopic string
	DeadLetterDepth int
}

// Manager is the Buffer Manager facade.
type Manager struct {
	mu sync.Mutex

	logger  zerolog.Logger
	mem     *membuffer.Buffer
	disk    *diskbuffer.Buffer
	tracker *RequeueTracker
	dead    *DeadLetterSink
	bus     *healthbus.Bus

	closed       bool
	shuttingDown bool
}

// New wires a Manager from Config, opening (and recovering) the disk
// segment at cfg.DiskPath.
func New(logger zerolog.Logger, cfg Config, bus *healthbus.Bus) (*Manager, error) {
	disk, err := diskbuffer.Open(cfg.DiskPath, cfg.DiskMaxSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:  logger.With().Str("component", "buffermanager").Logger(),
		mem:     membuffer.New(logger, cfg.Memory),
		disk:    disk,
		tracker: NewRequeueTracker(cfg.MaxAttempts),
		dead:    NewDeadLetterSink(cfg.DeadLetterTopic, cfg.DeadLetterDepth),
		bus:     bus,
	}, nil
}

// AddEvent enqueues a single event. It never silently drops: on memory
// overflow it spills to disk, and a disk write that fails (ErrDiskFull
// or an I/O error) is returned to the caller whether or not the
// manager is shutting down.
func (m *Manager) AddEvent(e model.RawEvent, priority int) error {
	return m.addEventsLocked([]model.RawEvent{e}, priority)
}

// AddEvents enqueues a batch at the given priority.
func (m *Manager) AddEvents(events []model.RawEvent, priority int) error {
	return m.addEventsLocked(events, priority)
}

func (m *Manager) addEventsLocked(events []model.RawEvent, priority int) error {
	_, overflow := m.mem.AddBatch(events, priority)
	if len(overflow) == 0 {
		m.maybeDrain()
		return nil
	}

	for _, e := range overflow {
		record, err := encodeRecord(e, priority)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.ErrParse, "encode spill record", err)
		}
		if err := m.disk.Write(record); err != nil {
			m.publishBufferIOFailure(err)
			if m.shuttingDown {
				return err
			}
			// Non-shutdown disk failure: caller re-enqueues per §4.1.
			return err
		}
	}
	return nil
}

// publishBufferIOFailure surfaces a disk I/O failure as a health
// signal that drives the Circuit Breaker to Open; the Buffer Manager
// itself never retries the write.
func (m *Manager) publishBufferIOFailure(err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(healthbus.Event{
		Kind:      healthbus.ThresholdCrossed,
		Component: "buffermanager",
		Detail:    "disk_io_error: " + err.Error(),
	})
}

// GetBatch returns up to n events, priority-ordered then FIFO within
// priority. When memory is empty it pulls the next disk segment.
func (m *Manager) GetBatch(n int) []model.RawEvent {
	batch := m.mem.Drain(n)
	if len(batch) < n {
		m.fillFromDisk(n - len(batch))
		batch = append(batch, m.mem.Drain(n-len(batch))...)
	}
	m.maybeDrain()
	return batch
}

func (m *Manager) fillFromDisk(want int) {
	records, err := m.disk.Read(want)
	if err != nil {
		m.publishBufferIOFailure(err)
		return
	}
	for _, r := range records {
		e, priority, err := decodeRecord(r)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping corrupt spill record")
			continue
		}
		if !m.mem.Add(e, priority) {
			// Memory filled up mid-drain: spill the record back to disk.
			if err := m.disk.Write(r); err != nil {
				m.publishBufferIOFailure(err)
				m.logger.Error().Err(err).Msg("failed to re-spill drained record")
			}
		}
	}
}

// maybeDrain pulls spilled records back into memory once occupancy
// falls below the low-water mark, and relies on AddEvents routing new
// writes to disk once above the high-water mark.
func (m *Manager) maybeDrain() {
	if m.mem.BelowLowWaterMark() && m.disk.Size() > 0 {
		m.fillFromDisk(1024)
	}
}

// RequeueEvents reinserts a failed batch at its original priority,
// bumping each event's attempt counter; events that exhaust
// maxAttempts are routed to the dead-letter sink instead.
func (m *Manager) RequeueEvents(events []model.RawEvent, priority int) {
	retry := make([]model.RawEvent, 0, len(events))
	for _, e := range events {
		if m.tracker.Bump(&e) {
			m.dead.Route(e, "max_attempts_exceeded")
			continue
		}
		retry = append(retry, e)
	}
	if len(retry) > 0 {
		m.mem.Requeue(retry, priority)
	}
}

// Flush drains every event from memory and disk, used on shutdown.
func (m *Manager) Flush() []model.RawEvent {
	m.shuttingDown = true
	out := m.mem.Flush()
	for m.disk.Size() > 0 {
		records, err := m.disk.Read(1024)
		if err != nil || len(records) == 0 {
			break
		}
		for _, r := range records {
			e, _, err := decodeRecord(r)
			if err == nil {
				out = append(out, e)
			}
		}
	}
	return out
}

// GetSize returns the in-memory event count.
func (m *Manager) GetSize() int { return m.mem.Size() }

// GetTotalSize returns in-memory count plus the disk backlog's record
// count estimate (byte backlog divided by an average record size is
// not tracked precisely; callers needing exact counts should use
// GetSize plus DiskBacklogBytes).
func (m *Manager) GetTotalSize() int64 {
	return int64(m.mem.Size()) + m.disk.Size()
}

// DiskBacklogBytes returns the unread disk spill size in bytes.
func (m *Manager) DiskBacklogBytes() int64 { return m.disk.Size() }

// DeadLetterStats exposes the dead-letter sink for httpapi reporting.
func (m *Manager) DeadLetterStats() (topic string, total int64) {
	return m.dead.Topic(), m.dead.Total()
}

// RecentDeadLetters returns a snapshot of the most recently
// dead-lettered events for httpapi inspection/replay tooling.
func (m *Manager) RecentDeadLetters() []DeadLetterEvent {
	return m.dead.Recent()
}

// Close flushes and closes the disk segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.disk.Close()
}

// spillEnvelope is the tiny wrapper persisted to disk so priority
// survives a spill/drain round trip; the wire format is JSON for
// debuggability, the same tradeoff the rest of the ambient stack makes
// for bookmark and dead-letter persistence.
type spillEnvelope struct {
	Event    model.RawEvent `json:"event"`
	Priority int            `json:"priority"`
}

func encodeRecord(e model.RawEvent, priority int) ([]byte, error) {
	return json.Marshal(spillEnvelope{Event: e, Priority: priority})
}

func decodeRecord(b []byte) (model.RawEvent, int, error) {
	var env spillEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return model.RawEvent{}, 0, err
	}
	return env.Event, env.Priority, nil
}
