package collector

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// SyslogTLSCollector is the TLS-wrapped sibling of SyslogTCPCollector,
// for devices shipping syslog over mutually-authenticated or
// server-authenticated TLS rather than plaintext TCP.
type SyslogTLSCollector struct {
	name     string
	addr     string
	certFile string
	keyFile  string
	maxSize  int
	sink     Sink
	filters  Filters
	policy   RestartPolicy
	logger   zerolog.Logger

	state *lifecycleState
	stop  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewSyslogTLSCollector(name, addr, certFile, keyFile string, maxSize int, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *SyslogTLSCollector {
	return &SyslogTLSCollector{
		name:     name,
		addr:     addr,
		certFile: certFile,
		keyFile:  keyFile,
		maxSize:  maxSize,
		sink:     sink,
		filters:  filters,
		policy:   policy,
		logger:   logger.With().Str("component", "syslog_tls").Str("collector", name).Logger(),
		state:    newLifecycleState(),
	}
}

func (c *SyslogTLSCollector) Name() string     { return c.name }
func (c *SyslogTLSCollector) State() Lifecycle { return c.state.State() }
func (c *SyslogTLSCollector) LastError() error { return c.state.LastError() }

func (c *SyslogTLSCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.listen)
	return nil
}

func (c *SyslogTLSCollector) Stop(ctx context.Context) error {
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

func (c *SyslogTLSCollector) listen(stop <-chan struct{}) error {
	cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
	if err != nil {
		return fmt.Errorf("syslog_tls: load cert: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	ln, err := tls.Listen("tcp", c.addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("syslog_tls: listen %s: %w", c.addr, err)
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
				return fmt.Errorf("syslog_tls: accept: %w", err)
			}
		}
		c.wg.Add(1)
		go c.handleConn(conn, stop)
	}
}

func (c *SyslogTLSCollector) handleConn(conn net.Conn, stop <-chan struct{}) {
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

func (c *SyslogTLSCollector) handle(payload []byte, sourceAddr string) {
	e := model.NewRawEvent(model.SourceSyslog, payload, model.Metadata{
		CollectorName: c.name,
		Protocol:      "tls",
		SourceAddress: sourceAddr,
	}, 0)
	e.Timestamp = time.Now().UTC()
	if err := c.sink.AddEvent(e, e.Priority); err != nil {
		c.logger.Warn().Err(err).Msg("failed to buffer syslog tls event")
	}
}
