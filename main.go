package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/bookmark"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/circuitbreaker"
	"github.com/coriolis-labs/ingestor/collector"
	"github.com/coriolis-labs/ingestor/config"
	"github.com/coriolis-labs/ingestor/dispatcher"
	"github.com/coriolis-labs/ingestor/flowcontrol"
	"github.com/coriolis-labs/ingestor/healthbus"
	"github.com/coriolis-labs/ingestor/logger"
	"github.com/coriolis-labs/ingestor/membuffer"
	"github.com/coriolis-labs/ingestor/metrics"
	"github.com/coriolis-labs/ingestor/model"
	"github.com/coriolis-labs/ingestor/parser"
	policy "github.com/coriolis-labs/ingestor/policyengine"
	"github.com/coriolis-labs/ingestor/producerpool"
	"github.com/coriolis-labs/ingestor/redisclient"
	"github.com/coriolis-labs/ingestor/router"
	"github.com/coriolis-labs/ingestor/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("ingestor starting")

	bus := healthbus.New()

	bookmarkStore := newBookmarkStore(cfg, log)

	backp := backpressure.New(backpressure.Config{
		WindowSize:          60,
		SampleInterval:      cfg.Backpressure.MonitoringInterval,
		QueueDepthThreshold: cfg.Backpressure.QueueDepthThreshold,
		LatencyThreshold:    cfg.Backpressure.LatencyThreshold,
		ErrorRateThreshold:  cfg.Backpressure.ErrorRateThreshold,
		RecoveryFactor:      cfg.Backpressure.RecoveryFactor,
		EmergencyThreshold:  2.0,
		AdaptiveThresholds:  cfg.Backpressure.AdaptiveThresholds,
		AdaptivePercentile:  0.95,
	}, bus)

	buf, err := buffermanager.New(log, buffermanager.Config{
		Memory: membuffer.Config{
			Capacity:      cfg.Buffer.MemoryBufferSize,
			HighWaterMark: cfg.Buffer.HighWaterMark,
			LowWaterMark:  cfg.Buffer.LowWaterMark,
		},
		DiskPath:        cfg.Buffer.DiskBufferPath,
		DiskMaxSize:     cfg.Buffer.DiskBufferSize,
		MaxAttempts:     cfg.Buffer.MaxAttempts,
		DeadLetterTopic: cfg.Buffer.DeadLetterTopic,
		DeadLetterDepth: 1000,
	}, bus)
	if err != nil {
		log.Fatal().Err(err).Msg("buffer manager init failed")
	}

	flow := flowcontrol.New(log, flowcontrol.Config{
		Capacity:           float64(cfg.Flow.BurstSize),
		FillRate:           float64(cfg.Flow.MaxEventsPerSecond),
		MaxEventsPerSecond: int64(cfg.Flow.MaxEventsPerSecond),
		TriggerThreshold:   cfg.Flow.EmergencyMode.TriggerThreshold,
		ThrottleRate:       cfg.Flow.EmergencyMode.ThrottleRate,
		MaintenanceTick:    time.Second,
	}, bus)
	go flow.RunMaintenance(make(chan struct{}))

	batch := batcher.New(log, batcher.Config{
		MinBatchSize:       cfg.Adaptive.MinBatchSize,
		MaxBatchSize:       cfg.Adaptive.MaxBatchSize,
		InitialBatchSize:   cfg.Adaptive.InitialBatchSize,
		TargetLatency:      cfg.Adaptive.TargetLatency,
		ThroughputTarget:   cfg.Adaptive.ThroughputTarget,
		AdjustmentFactor:   cfg.Adaptive.AdjustmentFactor,
		EvaluationInterval: cfg.Adaptive.EvaluationInterval,
		EWMAAlpha:          0.3,
		HysteresisWindow:   5,
	}, bus)

	breaker := circuitbreaker.New[dispatcher.SendResult](circuitbreaker.Config{
		Name:             "producer-pool",
		MinRequests:      uint32(cfg.Circuit.MinRequests),
		FailureRate:      cfg.Circuit.FailureThreshold,
		ResetTimeout:     cfg.Circuit.ResetTimeout,
		HalfOpenRequests: uint32(cfg.Circuit.HalfOpenRequests),
	}, bus)

	pool, err := producerpool.New(producerpool.Config{
		Size:         cfg.Producer.Size,
		Brokers:      cfg.Producer.Brokers,
		MaxQueueSize: cfg.Producer.MaxQueueSize,
		IdleTimeout:  cfg.Producer.IdleTimeout,
		Idempotent:   cfg.Producer.Idempotent,
		RequiredAcks: sarama.WaitForAll,
	})
	if err != nil {
		log.Warn().Err(err).Msg("producer pool init failed: dispatcher sends will fail until the bus is reachable")
	}

	parserRegistry := registerParsers(log)
	parserDispatcher := parser.NewDispatcher(parserRegistry)

	collectorRegistry := collector.NewRegistry()
	registerCollectors(cfg, log, collectorRegistry, buf, bookmarkStore)

	var shards *dispatcher.ShardGroup
	if pool != nil {
		send := func(topic string, events []model.RawEvent) (dispatcher.SendResult, error) {
			if err := pool.SendBatch(topic, events); err != nil {
				return dispatcher.SendResult{}, err
			}
			return dispatcher.SendResult{PartitionCount: cfg.Producer.Size}, nil
		}
		shards = dispatcher.NewShardGroup(4, log, dispatcher.Config{
			Topic: "log-events-raw",
		}, buf, flow, breaker, batch, backp, send)
		shards.Start()
	}

	metricsReg := metrics.New()
	tracingCfg := tracing.DefaultConfig()
	tracer, err := tracing.NewProvider(tracingCfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("tracing provider init failed: continuing without spans")
		tracer = nil
	}

	opaClient := policy.NewOPAClient(policy.OPAConfig{})
	seedBuiltinPolicies(opaClient, log)

	httpHandler := router.NewRouter(cfg, log, router.Deps{
		CollectorRegistry: collectorRegistry,
		Buffer:            buf,
		Backpressure:      backp,
		Batcher:           batch,
		ParserRegistry:    parserRegistry,
		ParserDispatcher:  parserDispatcher,
		ProducerPool:      pool,
		Circuit:           breaker,
		Flow:              flow,
		Policy:            opaClient,
		Metrics:           metricsReg,
		Tracer:            tracer,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := collectorRegistry.StartAll(context.Background()); err != nil {
		log.Error().Err(err).Msg("one or more collectors failed to start")
	}

	healthPoller := collector.NewHealthPoller(collectorRegistry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, state collector.Lifecycle, status collector.Status) {
		if state == collector.Error {
			log.Error().Str("collector", name).Str("error", status.LastError).Msg("collector degraded")
		} else if state == collector.Active {
			log.Info().Str("collector", name).Msg("collector recovered")
		}
	})
	healthPoller.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ingestor listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	collectorRegistry.StopAll(context.Background())
	if shards != nil {
		shards.Stop()
	}
	if pool != nil {
		pool.Close()
	}
	if tracer != nil {
		tracer.Shutdown(context.Background())
	}
	if err := buf.Close(); err != nil {
		log.Error().Err(err).Msg("buffer manager close failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ingestor stopped gracefully")
	}
}

func newBookmarkStore(cfg *config.Config, log zerolog.Logger) bookmark.Store {
	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed: falling back to file-backed bookmarks")
	} else if pingErr := rc.Ping(); pingErr != nil {
		log.Warn().Err(pingErr).Msg("redis ping failed: falling back to file-backed bookmarks")
	} else {
		log.Info().Msg("redis connected, using redis-backed bookmarks")
		return bookmark.NewRedisStore(rc)
	}

	store, err := bookmark.NewFileStore(cfg.BookmarkDir)
	if err != nil {
		log.Fatal().Err(err).Msg("bookmark store init failed")
	}
	return store
}

func registerParsers(log zerolog.Logger) *parser.Registry {
	registry := parser.NewRegistry()
	registry.Register(parser.NewSyslogParser("security", time.Now))
	registry.Register(parser.NewJSONParser("security"))
	registry.Register(parser.NewWindowsEventParser("security"))
	log.Info().Msg("parser registry populated")
	return registry
}

func registerCollectors(cfg *config.Config, log zerolog.Logger, registry *collector.Registry, sink collector.Sink, store bookmark.Store) {
	policy := collector.DefaultRestartPolicy()

	registry.Register(collector.NewSyslogUDPCollector(
		"syslog-udp", addrFor(cfg.Syslog.UDPPort), cfg.Syslog.MaxMessageSize, sink, collector.Filters{}, policy, log,
	))
	registry.Register(collector.NewSyslogTCPCollector(
		"syslog-tcp", addrFor(cfg.Syslog.TCPPort), cfg.Syslog.MaxMessageSize, sink, collector.Filters{}, policy, log,
	))
	registry.Register(collector.NewSyslogRFC5425Collector(
		"syslog-rfc5425", addrFor(cfg.Syslog.RFC5425Port), cfg.Syslog.MaxMessageSize, sink, collector.Filters{}, policy, log,
	))
	if cfg.Syslog.TLSCertFile != "" && cfg.Syslog.TLSKeyFile != "" {
		registry.Register(collector.NewSyslogTLSCollector(
			"syslog-tls", addrFor(cfg.Syslog.TLSPort), cfg.Syslog.TLSCertFile, cfg.Syslog.TLSKeyFile,
			cfg.Syslog.MaxMessageSize, sink, collector.Filters{}, policy, log,
		))
	}
	registry.Register(collector.NewHTTPBridgeCollector(
		"http-bridge", cfg.Addr, "http", cfg.MaxBodyBytes, sink, collector.Filters{}, policy, log,
	))

	if evtxPath := os.Getenv("EVTX_FILE_PATH"); evtxPath != "" {
		reader := collector.NewEVTXFileReader(evtxPath)
		registry.Register(collector.NewWindowsPollerCollector(
			"windows-evtx", reader, 10*time.Second, store, sink, collector.Filters{}, policy, log,
		))
	}

	if watchDir := os.Getenv("FILE_WATCH_DIR"); watchDir != "" {
		registry.Register(collector.NewFileWatcherCollector(
			"file-watcher", watchDir, "security", sink, collector.Filters{}, policy, log,
		))
	}

	log.Info().Int("count", len(registry.List())).Msg("collectors registered")
}

func seedBuiltinPolicies(client *policy.OPAClient, log zerolog.Logger) {
	for _, p := range policy.BuiltInPolicies() {
		if err := client.CreatePolicy(p); err != nil {
			log.Warn().Err(err).Str("policy", p.ID).Msg("failed to seed built-in policy")
		}
	}
}

func addrFor(port int) string {
	if port <= 0 {
		return ":0"
	}
	return ":" + strconv.Itoa(port)
}
