package collector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// fileKey dedupes watch events by (path, mtime, size): fsnotify can
// fire multiple Write events for one logical append (editors flush in
// chunks), and the same (path, mtime, size) triple arriving twice means
// nothing has actually changed since it was last read.
type fileKey struct {
	path  string
	mtime int64
	size  int64
}

// FileWatcherCollector watches a directory for CSV/XML/JSON log files
// and ingests newly appended lines, tracking a per-file read offset so
// a restart resumes mid-file instead of re-ingesting everything.
type FileWatcherCollector struct {
	name     string
	dir      string
	category string // "csv", "xml", "json" (drives RawEvent.Source)
	sink     Sink
	filters  Filters
	policy   RestartPolicy
	logger   zerolog.Logger

	state *lifecycleState
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	offsets map[string]int64
	lastKey map[string]fileKey
}

func NewFileWatcherCollector(name, dir, category string, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *FileWatcherCollector {
	return &FileWatcherCollector{
		name:     name,
		dir:      dir,
		category: category,
		sink:     sink,
		filters:  filters,
		policy:   policy,
		logger:   logger.With().Str("component", "file_watcher").Str("collector", name).Logger(),
		state:    newLifecycleState(),
		offsets:  make(map[string]int64),
		lastKey:  make(map[string]fileKey),
	}
}

func (c *FileWatcherCollector) Name() string     { return c.name }
func (c *FileWatcherCollector) State() Lifecycle { return c.state.State() }
func (c *FileWatcherCollector) LastError() error { return c.state.LastError() }

func (c *FileWatcherCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.watch)
	return nil
}

func (c *FileWatcherCollector) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *FileWatcherCollector) watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file_watcher: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("file_watcher: watch %s: %w", c.dir, err)
	}

	// Pick up any files already present (and any growth since last run)
	// before waiting on new fsnotify events.
	c.scanExisting()

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.consume(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file_watcher: %w", err)
		}
	}
}

func (c *FileWatcherCollector) scanExisting() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to list watch directory")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		c.consume(filepath.Join(c.dir, entry.Name()))
	}
}

func (c *FileWatcherCollector) consume(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	key := fileKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}

	c.mu.Lock()
	if c.lastKey[path] == key {
		c.mu.Unlock()
		return
	}
	offset := c.offsets[path]
	c.mu.Unlock()

	if info.Size() < offset {
		offset = 0 // file truncated/rotated
	}

	f, err := os.Open(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("failed to open watched file")
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	consumed := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		c.handle(payload, path)
	}

	c.mu.Lock()
	c.offsets[path] = consumed
	c.lastKey[path] = key
	c.mu.Unlock()
}

func (c *FileWatcherCollector) handle(payload []byte, path string) {
	source := c.category
	if source == "" {
		source = model.SourceCSV
	}
	e := model.NewRawEvent(source, payload, model.Metadata{
		CollectorName: c.name,
		Protocol:      "file",
		SourceAddress: path,
	}, 0)
	e.Timestamp = time.Now().UTC()
	if err := c.sink.AddEvent(e, e.Priority); err != nil {
		c.logger.Warn().Err(err).Msg("failed to buffer file watcher event")
	}
}
