package collector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// SyslogRFC5425Collector accepts TCP connections framed per RFC 5425:
// each message is prefixed with its own decimal octet count followed
// by a single space, e.g. "142 <34>1 2026-...". This removes the
// newline-in-message ambiguity SyslogTCPCollector tolerates by
// splitting on line breaks.
type SyslogRFC5425Collector struct {
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
	wg    sync.WaitGroup
}

func NewSyslogRFC5425Collector(name, addr string, maxSize int, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *SyslogRFC5425Collector {
	return &SyslogRFC5425Collector{
		name:    name,
		addr:    addr,
		maxSize: maxSize,
		sink:    sink,
		filters: filters,
		policy:  policy,
		logger:  logger.With().Str("component", "syslog_rfc5425").Str("collector", name).Logger(),
		state:   newLifecycleState(),
	}
}

func (c *SyslogRFC5425Collector) Name() string     { return c.name }
func (c *SyslogRFC5425Collector) State() Lifecycle { return c.state.State() }
func (c *SyslogRFC5425Collector) LastError() error { return c.state.LastError() }

func (c *SyslogRFC5425Collector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.listen)
	return nil
}

func (c *SyslogRFC5425Collector) Stop(ctx context.Context) error {
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

func (c *SyslogRFC5425Collector) listen(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("syslog_rfc5425: listen %s: %w", c.addr, err)
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
				return fmt.Errorf("syslog_rfc5425: accept: %w", err)
			}
		}
		c.wg.Add(1)
		go c.handleConn(conn, stop)
	}
}

func (c *SyslogRFC5425Collector) handleConn(conn net.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	defer conn.Close()

	go func() {
		<-stop
		conn.Close()
	}()

	raddr := conn.RemoteAddr().String()
	reader := bufio.NewReaderSize(conn, 4096)

	for {
		lenToken, err := reader.ReadString(' ')
		if err != nil {
			if err != io.EOF {
				c.logger.Debug().Err(err).Str("remote", raddr).Msg("rfc5425 frame read ended")
			}
			return
		}
		lenToken = lenToken[:len(lenToken)-1]
		n, err := strconv.Atoi(lenToken)
		if err != nil || n <= 0 || n > c.maxSize {
			c.logger.Warn().Str("remote", raddr).Str("token", lenToken).Msg("rfc5425 invalid frame length, dropping connection")
			return
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}
		c.handle(payload, raddr)
	}
}

func (c *SyslogRFC5425Collector) handle(payload []byte, sourceAddr string) {
	e := model.NewRawEvent(model.SourceSyslog, payload, model.Metadata{
		CollectorName: c.name,
		Protocol:      "rfc5425",
		SourceAddress: sourceAddr,
	}, 0)
	e.Timestamp = time.Now().UTC()
	if err := c.sink.AddEvent(e, e.Priority); err != nil {
		c.logger.Warn().Err(err).Msg("failed to buffer rfc5425 event")
	}
}
