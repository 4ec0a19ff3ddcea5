package collector

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/model"
)

// HTTPBridgeCollector runs a standalone HTTP listener accepting
// newline-delimited event pushes from agents that cannot hold a
// persistent syslog/TCP connection (serverless functions, short-lived
// batch jobs). It is deliberately separate from httpapi's REST surface:
// this is a collector, subject to the same Filters/RestartPolicy
// lifecycle as every other adapter, not a management API.
type HTTPBridgeCollector struct {
	name    string
	addr    string
	source  string
	maxSize int64
	sink    Sink
	filters Filters
	policy  RestartPolicy
	logger  zerolog.Logger

	state  *lifecycleState
	server *http.Server
	stop   chan struct{}
	done   chan struct{}
}

func NewHTTPBridgeCollector(name, addr, source string, maxSize int64, sink Sink, filters Filters, policy RestartPolicy, logger zerolog.Logger) *HTTPBridgeCollector {
	if maxSize <= 0 {
		maxSize = 4 * 1024 * 1024
	}
	return &HTTPBridgeCollector{
		name:    name,
		addr:    addr,
		source:  source,
		maxSize: maxSize,
		sink:    sink,
		filters: filters,
		policy:  policy,
		logger:  logger.With().Str("component", "http_bridge").Str("collector", name).Logger(),
		state:   newLifecycleState(),
	}
}

func (c *HTTPBridgeCollector) Name() string     { return c.name }
func (c *HTTPBridgeCollector) State() Lifecycle { return c.state.State() }
func (c *HTTPBridgeCollector) LastError() error { return c.state.LastError() }

func (c *HTTPBridgeCollector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state.set(Active)
	go restartLoop(c.done, c.stop, c.state, c.policy, c.serve)
	return nil
}

func (c *HTTPBridgeCollector) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *HTTPBridgeCollector) serve(stop <-chan struct{}) error {
	r := chi.NewRouter()
	r.Post("/events", c.handleEvents)

	c.server = &http.Server{Addr: c.addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http_bridge: serve %s: %w", c.addr, err)
		}
		return nil
	}
}

func (c *HTTPBridgeCollector) handleEvents(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, c.maxSize)
	scanner := bufio.NewScanner(req.Body)
	scanner.Buffer(make([]byte, 64*1024), int(c.maxSize))

	orgID := req.Header.Get("X-Organization-ID")
	accepted := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)

		e := model.NewRawEvent(c.source, payload, model.Metadata{
			CollectorName:  c.name,
			OrganizationID: orgID,
			Protocol:       "http",
			SourceAddress:  req.RemoteAddr,
		}, 0)
		e.Timestamp = time.Now().UTC()
		if err := c.sink.AddEvent(e, e.Priority); err != nil {
			c.logger.Warn().Err(err).Msg("failed to buffer http bridge event")
			continue
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, "request body too large or malformed", http.StatusRequestEntityTooLarge)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":%d}`, accepted)
}
