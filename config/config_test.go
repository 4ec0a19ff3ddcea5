package config_test

import (
	"os"
	"testing"

	"github.com/coriolis-labs/ingestor/config"
)

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("REDIS_URL", "redis://localhost:6379")
	os.Setenv("ENV", "test")
	os.Setenv("FLOW_MAX_EVENTS_PER_SECOND", "20000000")
	defer func() {
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("ENV")
		os.Unsetenv("FLOW_MAX_EVENTS_PER_SECOND")
	}()

	cfg := config.Load()
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Fatalf("expected REDIS_URL to be loaded, got %s", cfg.RedisURL)
	}
	if cfg.Env != "test" {
		t.Fatalf("expected ENV=test, got %s", cfg.Env)
	}
	if cfg.Flow.MaxEventsPerSecond != 20_000_000 {
		t.Fatalf("expected overridden max events per second, got %d", cfg.Flow.MaxEventsPerSecond)
	}
}

func TestDefaults(t *testing.T) {
	os.Unsetenv("FLOW_MAX_EVENTS_PER_SECOND")
	cfg := config.Load()
	if cfg.Flow.MaxEventsPerSecond != 15_000_000 {
		t.Fatalf("expected default of 15M events/sec (Open Question resolved conservative), got %d", cfg.Flow.MaxEventsPerSecond)
	}
	if cfg.Buffer.HighWaterMark <= cfg.Buffer.LowWaterMark {
		t.Fatalf("high water mark must exceed low water mark")
	}
}
