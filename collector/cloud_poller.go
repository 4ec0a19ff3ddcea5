package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/bookmark"
	"github.com/coriolis-labs/ingestor/model"
)

// CloudAuditReader queries a cloud provider's audit log API
// (CloudTrail, Azure Activity Log, GCP Audit Log) for a time window.
type CloudAuditReader interface {
	Read(ctx context.Context, windowStart, windowEnd time.Time) ([][]byte, error)
}

// CloudPollerCollector polls a CloudAuditReader on fixed intervals
// using a time-windowed query instead of an opaque cursor, since cloud
// audit APIs are typically queried by time range. Lookback re-queries a
// trailing overlap on every poll to catch events the provider reports
// with ingestion delay, and the high-water mark processed is persisted
// as the bookmark so a restart doesn't reprocess the entire lookback
// window from scratch.
type CloudPollerCollector struct {
	name        string
	reader      CloudAuditReader
	interval    time.Duration
	lookback    time.Duration
	bookmarkKey string
	store       bookmark.Store
	sink        Sink
	filters     Filters
	policy      RestartPolicy
	logger      zerolog.Logger

	state *lifecycleState
	stop  chan struct{}
	done  chan struct{}

	nowFunc func() time.Time
}

func NewCloudPollerCollector(name string, reader CloudAuditReader, interval, lookback time.Duration, store bookmark.Store, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *CloudPollerCollector {
	if interval < time.Second {
		interval = 60 * time.Second
	}
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	return &CloudPollerCollector{
		name:        name,
		reader:      reader,
		interval:    interval,
		lookback:    lookback,
		bookmarkKey: "cloud_poller/" + name,
		store:       store,
		sink:        sink,
		filters:     filters,
		policy:      policy,
		logger:      logger.With().Str("component", "cloud_poller").Str("collector", name).Logger(),
		state:       newLifecycleState(),
		nowFunc:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *CloudPollerCollector) Name() string     { return c.name }
func (c *CloudPollerCollector) State() Lifecycle { return c.state.State() }
func (c *CloudPollerCollector) LastError() error { return c.state.LastError() }

func (c *CloudPollerCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.pollLoop)
	return nil
}

func (c *CloudPollerCollector) Stop(ctx context.Context) error {
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

func (c *CloudPollerCollector) pollLoop(stop <-chan struct{}) error {
	if err := c.poll(); err != nil {
		return err
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := c.poll(); err != nil {
				return err
			}
		}
	}
}

func (c *CloudPollerCollector) poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval/2+10*time.Second)
	defer cancel()

	now := c.nowFunc()
	windowEnd := now
	windowStart := windowEnd.Add(-c.interval - c.lookback)

	if cursor, err := c.store.Get(ctx, c.bookmarkKey); err == nil && cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			candidate := t.Add(-c.lookback)
			if candidate.After(windowStart) {
				windowStart = candidate
			}
		}
	} else if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load bookmark, using interval+lookback window")
	}

	events, err := c.reader.Read(ctx, windowStart, windowEnd)
	if err != nil {
		return err
	}

	for _, raw := range events {
		e := model.NewRawEvent(model.SourceCloudTrail, raw, model.Metadata{
			CollectorName: c.name,
			Protocol:      "cloud_api",
		}, 0)
		e.Timestamp = now
		if err := c.sink.AddEvent(e, e.Priority); err != nil {
			c.logger.Warn().Err(err).Msg("failed to buffer cloud audit event")
		}
	}

	if err := c.store.Set(ctx, c.bookmarkKey, windowEnd.Format(time.RFC3339Nano)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist bookmark")
	}
	return nil
}
