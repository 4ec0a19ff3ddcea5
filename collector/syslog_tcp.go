package collector

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// SyslogTCPCollector accepts TCP connections carrying newline-framed
// syslog messages (the legacy, non-octet-counted convention most
// network devices use over TCP). Each connection is read line by line
// with a capped scan buffer so one oversized line cannot exhaust
// memory.
type SyslogTCPCollector struct {
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

	wg sync.WaitGroup
}

func NewSyslogTCPCollector(name, addr string, maxSize int, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *SyslogTCPCollector {
	return &SyslogTCPCollector{
		name:    name,
		addr:    addr,
		maxSize: maxSize,
		sink:    sink,
		filters: filters,
		policy:  policy,
		logger:  logger.With().Str("component", "syslog_tcp").Str("collector", name).Logger(),
		state:   newLifecycleState(),
	}
}

func (c *SyslogTCPCollector) Name() string     { return c.name }
func (c *SyslogTCPCollector) State() Lifecycle { return c.state.State() }
func (c *SyslogTCPCollector) LastError() error { return c.state.LastError() }

func (c *SyslogTCPCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.listen)
	return nil
}

func (c *SyslogTCPCollector) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.wg.Wait()
	return nil
}

func (c *SyslogTCPCollector) listen(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("syslog_tcp: listen %s: %w", c.addr, err)
	}
	defer ln.Close()

	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return fmt.Errorf("syslog_tcp: accept: %w", err)
			}
		}
		c.wg.Add(1)
		go c.handleConn(conn, stop)
	}
}

func (c *SyslogTCPCollector) handleConn(conn net.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	defer conn.Close()

	go func() {
		<-stop
		conn.Close()
	}()

	raddr := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), c.maxSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		c.handle(payload, raddr)
	}
}

func (c *SyslogTCPCollector) handle(payload []byte, sourceAddr string) {
	e := model.NewRawEvent(model.SourceSyslog, payload, model.Metadata{
		CollectorName: c.name,
		Protocol:      "tcp",
		SourceAddress: sourceAddr,
	}, 0)
	e.Timestamp = time.Now().UTC()
	if err := c.sink.AddEvent(e, e.Priority); err != nil {
		c.logger.Warn().Err(err).Msg("failed to buffer syslog tcp event")
	}
}
