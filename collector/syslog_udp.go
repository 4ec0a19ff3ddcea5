package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// SyslogUDPCollector listens on a UDP port for syslog datagrams. Each
// datagram is one message; UDP carries no framing ambiguity the way
// stream transports do, so no line-splitting is needed.
type SyslogUDPCollector struct {
	name    string
	addr    string
	maxSize int
	sink    Sink
	filters Filters
	policy  RestartPolicy
	logger  zerolog.Logger

	state *lifecycleState
	stop  chan struct{}
	done  chan struct{}
}

// NewSyslogUDPCollector builds a UDP syslog collector bound to addr
// (e.g. ":5514"); maxSize bounds the read buffer per §4.10.
func NewSyslogUDPCollector(name, addr string, maxSize int, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *SyslogUDPCollector {
	return &SyslogUDPCollector{
		name:    name,
		addr:    addr,
		maxSize: maxSize,
		sink:    sink,
		filters: filters,
		policy:  policy,
		logger:  logger.With().Str("component", "syslog_udp").Str("collector", name).Logger(),
		state:   newLifecycleState(),
	}
}

func (c *SyslogUDPCollector) Name() string         { return c.name }
func (c *SyslogUDPCollector) State() Lifecycle     { return c.state.State() }
func (c *SyslogUDPCollector) LastError() error     { return c.state.LastError() }

func (c *SyslogUDPCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.listen)
	return nil
}

func (c *SyslogUDPCollector) Stop(ctx context.Context) error {
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

func (c *SyslogUDPCollector) listen(stop <-chan struct{}) error {
	conn, err := net.ListenPacket("udp", c.addr)
	if err != nil {
		return fmt.Errorf("syslog_udp: listen %s: %w", c.addr, err)
	}
	defer conn.Close()

	go func() {
		<-stop
		conn.Close()
	}()

	buf := make([]byte, c.maxSize)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return fmt.Errorf("syslog_udp: read: %w", err)
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		c.handle(payload, raddr.String())
	}
}

func (c *SyslogUDPCollector) handle(payload []byte, sourceAddr string) {
	e := model.NewRawEvent(model.SourceSyslog, payload, model.Metadata{
		CollectorName: c.name,
		Protocol:      "udp",
		SourceAddress: sourceAddr,
	}, 0)
	e.Timestamp = time.Now().UTC()
	if err := c.sink.AddEvent(e, e.Priority); err != nil {
		c.logger.Warn().Err(err).Msg("failed to buffer syslog udp event")
	}
}
