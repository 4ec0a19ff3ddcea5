package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// NetworkSecurityCollector listens for firewall/IDS/IPS alert feeds
// over UDP, the common transport for NetFlow-adjacent security
// appliances that push alerts rather than full packet captures. It
// differs from SyslogUDPCollector only in its source tag and in
// applying Filters.Ports before handoff, since security appliances
// often multiplex several alert classes onto one listener;
// Filters.Severities is not checked.
type NetworkSecurityCollector struct {
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

func NewNetworkSecurityCollector(name, addr string, maxSize int, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *NetworkSecurityCollector {
	return &NetworkSecurityCollector{
		name:    name,
		addr:    addr,
		maxSize: maxSize,
		sink:    sink,
		filters: filters,
		policy:  policy,
		logger:  logger.With().Str("component", "network_security").Str("collector", name).Logger(),
		state:   newLifecycleState(),
	}
}

func (c *NetworkSecurityCollector) Name() string     { return c.name }
func (c *NetworkSecurityCollector) State() Lifecycle { return c.state.State() }
func (c *NetworkSecurityCollector) LastError() error { return c.state.LastError() }

func (c *NetworkSecurityCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.listen)
	return nil
}

func (c *NetworkSecurityCollector) Stop(ctx context.Context) error {
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

func (c *NetworkSecurityCollector) listen(stop <-chan struct{}) error {
	conn, err := net.ListenPacket("udp", c.addr)
	if err != nil {
		return fmt.Errorf("network_security: listen %s: %w", c.addr, err)
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
				return fmt.Errorf("network_security: read: %w", err)
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		c.handle(payload, raddr.String())
	}
}

func (c *NetworkSecurityCollector) handle(payload []byte, sourceAddr string) {
	if len(c.filters.Ports) > 0 {
		_, portStr, err := net.SplitHostPort(sourceAddr)
		if err == nil {
			port := 0
			fmt.Sscanf(portStr, "%d", &port)
			if !containsInt(c.filters.Ports, port) {
				return
			}
		}
	}

	e := model.NewRawEvent(model.SourceNetworkSecurity, payload, model.Metadata{
		CollectorName: c.name,
		Protocol:      "udp",
		SourceAddress: sourceAddr,
	}, 0)
	e.Timestamp = time.Now().UTC()
	if err := c.sink.AddEvent(e, e.Priority); err != nil {
		c.logger.Warn().Err(err).Msg("failed to buffer network security event")
	}
}
