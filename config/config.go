package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// BufferConfig configures the Buffer Manager's memory+disk tiers.
type BufferConfig struct {
	MemoryBufferSize   int
	DiskBufferSize     int64
	DiskBufferPath     string
	HighWaterMark      float64
	LowWaterMark       float64
	CompressionEnabled bool
	MaxAttempts        int
	DeadLetterTopic    string
}

// CircuitConfig configures the Circuit Breaker.
type CircuitConfig struct {
	FailureThreshold   float64
	ResetTimeout       time.Duration
	HalfOpenRequests   int
	MinRequests        int
	MonitoringInterval time.Duration
}

// BackpressureConfig configures the Backpressure Monitor.
type BackpressureConfig struct {
	QueueDepthThreshold int
	LatencyThreshold    time.Duration
	ErrorRateThreshold  float64
	MonitoringInterval  time.Duration
	AdaptiveThresholds  bool
	RecoveryFactor      float64
}

// EmergencyModeConfig configures the Flow Controller's emergency throttle.
type EmergencyModeConfig struct {
	Enabled         bool
	TriggerThreshold float64
	ThrottleRate     float64
}

// FlowConfig configures the Flow Controller.
type FlowConfig struct {
	MaxEventsPerSecond int
	BurstSize          int
	SlidingWindowSize  time.Duration
	ThrottleEnabled    bool
	PriorityLevels     int
	EmergencyMode      EmergencyModeConfig
}

// AdaptiveBatchConfig configures the Adaptive Batcher.
type AdaptiveBatchConfig struct {
	InitialBatchSize  int
	MinBatchSize      int
	MaxBatchSize      int
	TargetLatency     time.Duration
	AdjustmentFactor  float64
	EvaluationInterval time.Duration
	ThroughputTarget  float64
	AdaptiveEnabled   bool
}

// ProducerPoolConfig configures the downstream bus client pool.
type ProducerPoolConfig struct {
	Size                int
	MaxQueueSize        int
	IdleTimeout         time.Duration
	Compression         string
	Idempotent          bool
	MaxInFlightRequests int
	Brokers             []string
}

// SyslogConfig configures the syslog collectors.
type SyslogConfig struct {
	UDPPort                 int
	TCPPort                 int
	RFC5425Port             int
	TLSPort                 int
	TLSCertFile             string
	TLSKeyFile              string
	MaxMessageSize          int
	RFC                     string // auto|3164|5424
	EnableJSONPayloadParsing bool
	JSONPayloadDelimiter     string
}

// Config holds all ingestor configuration values, assembled once in
// main and passed down to every component constructor.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (collector bookmarks)
	RedisURL string

	// Authentication
	APIKeyHeader string

	// Ingress rate limiting on the HTTP ingest endpoint
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// Timeouts
	DefaultTimeout time.Duration
	TCPIdleTimeout time.Duration
	TLSHandshakeTimeout time.Duration
	ProducerAckTimeout  time.Duration
	CloudAPITimeout     time.Duration

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string

	OrganizationID string
	Environment    string

	Buffer   BufferConfig
	Circuit  CircuitConfig
	Backpressure BackpressureConfig
	Flow     FlowConfig
	Adaptive AdaptiveBatchConfig
	Producer ProducerPoolConfig
	Syslog   SyslogConfig

	BookmarkDir string
	DropInvalid bool
}

// Load reads configuration from environment variables and optional .env
// file, applying production-grade defaults for every tunable.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("INGESTOR_GRACEFUL_TIMEOUT_SEC", 30)
	defaultTimeoutSec := getEnvInt("INGESTOR_DEFAULT_TIMEOUT_SEC", 30)

	cfg := &Config{
		Addr:            getEnv("INGESTOR_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", "redis://redis:6379"),
		APIKeyHeader:    getEnv("API_KEY_HEADER", "X-Ingest-Key"),

		RateLimitEnabled: getEnvBool("INGEST_RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("INGEST_RATE_LIMIT_RPM", 6000),
		RateLimitBurst:   getEnvInt("INGEST_RATE_LIMIT_BURST", 200),

		DefaultTimeout:      time.Duration(defaultTimeoutSec) * time.Second,
		TCPIdleTimeout:      time.Duration(getEnvInt("SYSLOG_TCP_IDLE_TIMEOUT_SEC", 300)) * time.Second,
		TLSHandshakeTimeout: time.Duration(getEnvInt("SYSLOG_TLS_HANDSHAKE_TIMEOUT_SEC", 10)) * time.Second,
		ProducerAckTimeout:  time.Duration(getEnvInt("PRODUCER_ACK_TIMEOUT_SEC", 10)) * time.Second,
		CloudAPITimeout:     time.Duration(getEnvInt("CLOUD_API_TIMEOUT_SEC", 30)) * time.Second,

		MaxBodyBytes: int64(getEnvInt("INGEST_MAX_BODY_BYTES", 4*1024*1024)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		OrganizationID: getEnv("ORGANIZATION_ID", "default"),
		Environment:    getEnv("ENV", "development"),

		BookmarkDir: getEnv("BOOKMARK_DIR", "./bookmarks"),
		DropInvalid: getEnvBool("DROP_INVALID_EVENTS", false),

		Buffer: BufferConfig{
			MemoryBufferSize:   getEnvInt("BUFFER_MEMORY_SIZE", 10000),
			DiskBufferSize:     int64(getEnvInt("BUFFER_DISK_SIZE_BYTES", 1<<30)),
			DiskBufferPath:     getEnv("BUFFER_DISK_PATH", "./data/spill"),
			HighWaterMark:      getEnvFloat("BUFFER_HIGH_WATER_MARK", 0.9),
			LowWaterMark:       getEnvFloat("BUFFER_LOW_WATER_MARK", 0.3),
			CompressionEnabled: getEnvBool("BUFFER_COMPRESSION_ENABLED", true),
			MaxAttempts:        getEnvInt("BUFFER_MAX_ATTEMPTS", 5),
			DeadLetterTopic:    getEnv("BUFFER_DEAD_LETTER_TOPIC", "log-events-dlq"),
		},
		Circuit: CircuitConfig{
			FailureThreshold:   getEnvFloat("CIRCUIT_FAILURE_RATE", 0.5),
			ResetTimeout:       time.Duration(getEnvInt("CIRCUIT_RESET_TIMEOUT_SEC", 30)) * time.Second,
			HalfOpenRequests:   getEnvInt("CIRCUIT_HALF_OPEN_REQUESTS", 3),
			MinRequests:        getEnvInt("CIRCUIT_MIN_REQUESTS", 20),
			MonitoringInterval: time.Duration(getEnvInt("CIRCUIT_MONITORING_INTERVAL_SEC", 10)) * time.Second,
		},
		Backpressure: BackpressureConfig{
			QueueDepthThreshold: getEnvInt("BACKPRESSURE_QUEUE_DEPTH_THRESHOLD", 8000),
			LatencyThreshold:    time.Duration(getEnvInt("BACKPRESSURE_LATENCY_THRESHOLD_MS", 500)) * time.Millisecond,
			ErrorRateThreshold:  getEnvFloat("BACKPRESSURE_ERROR_RATE_THRESHOLD", 0.1),
			MonitoringInterval:  time.Duration(getEnvInt("BACKPRESSURE_MONITORING_INTERVAL_SEC", 5)) * time.Second,
			AdaptiveThresholds:  getEnvBool("BACKPRESSURE_ADAPTIVE_THRESHOLDS", false),
			RecoveryFactor:      getEnvFloat("BACKPRESSURE_RECOVERY_FACTOR", 0.7),
		},
		Flow: FlowConfig{
			MaxEventsPerSecond: getEnvInt("FLOW_MAX_EVENTS_PER_SECOND", 15_000_000),
			BurstSize:          getEnvInt("FLOW_BURST_SIZE", 50000),
			SlidingWindowSize:  time.Duration(getEnvInt("FLOW_SLIDING_WINDOW_SEC", 1)) * time.Second,
			ThrottleEnabled:    getEnvBool("FLOW_THROTTLE_ENABLED", true),
			PriorityLevels:     getEnvInt("FLOW_PRIORITY_LEVELS", 4),
			EmergencyMode: EmergencyModeConfig{
				Enabled:          getEnvBool("FLOW_EMERGENCY_ENABLED", true),
				TriggerThreshold: getEnvFloat("FLOW_EMERGENCY_TRIGGER_THRESHOLD", 0.9),
				ThrottleRate:     getEnvFloat("FLOW_EMERGENCY_THROTTLE_RATE", 0.3),
			},
		},
		Adaptive: AdaptiveBatchConfig{
			InitialBatchSize:   getEnvInt("ADAPTIVE_INITIAL_BATCH_SIZE", 500),
			MinBatchSize:       getEnvInt("ADAPTIVE_MIN_BATCH_SIZE", 50),
			MaxBatchSize:       getEnvInt("ADAPTIVE_MAX_BATCH_SIZE", 5000),
			TargetLatency:      time.Duration(getEnvInt("ADAPTIVE_TARGET_LATENCY_MS", 200)) * time.Millisecond,
			AdjustmentFactor:   getEnvFloat("ADAPTIVE_ADJUSTMENT_FACTOR", 0.2),
			EvaluationInterval: time.Duration(getEnvInt("ADAPTIVE_EVALUATION_INTERVAL_SEC", 10)) * time.Second,
			ThroughputTarget:   getEnvFloat("ADAPTIVE_THROUGHPUT_TARGET", 10000),
			AdaptiveEnabled:    getEnvBool("ADAPTIVE_ENABLED", true),
		},
		Producer: ProducerPoolConfig{
			Size:                getEnvInt("PRODUCER_POOL_SIZE", 8),
			MaxQueueSize:        getEnvInt("PRODUCER_MAX_QUEUE_SIZE", 10000),
			IdleTimeout:         time.Duration(getEnvInt("PRODUCER_IDLE_TIMEOUT_SEC", 300)) * time.Second,
			Compression:         getEnv("PRODUCER_COMPRESSION", "snappy"),
			Idempotent:          getEnvBool("PRODUCER_IDEMPOTENT", true),
			MaxInFlightRequests: getEnvInt("PRODUCER_MAX_IN_FLIGHT", 5),
			Brokers:             splitCSV(getEnv("BUS_BROKERS", "localhost:9092")),
		},
		Syslog: SyslogConfig{
			UDPPort:                  getEnvInt("SYSLOG_UDP_PORT", 514),
			TCPPort:                  getEnvInt("SYSLOG_TCP_PORT", 514),
			RFC5425Port:              getEnvInt("SYSLOG_RFC5425_PORT", 601),
			TLSPort:                  getEnvInt("SYSLOG_TLS_PORT", 6514),
			TLSCertFile:              getEnv("SYSLOG_TLS_CERT_FILE", ""),
			TLSKeyFile:               getEnv("SYSLOG_TLS_KEY_FILE", ""),
			MaxMessageSize:           getEnvInt("SYSLOG_MAX_MESSAGE_SIZE", 64*1024),
			RFC:                      getEnv("SYSLOG_RFC", "auto"),
			EnableJSONPayloadParsing: getEnvBool("SYSLOG_ENABLE_JSON_PAYLOAD", true),
			JSONPayloadDelimiter:     getEnv("SYSLOG_JSON_PAYLOAD_DELIMITER", ""),
		},
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
