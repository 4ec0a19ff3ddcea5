package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/config"
	"github.com/coriolis-labs/ingestor/membuffer"
)

func testSetup() http.Handler {
	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		APIKeyHeader:     "X-Ingest-Key",
		MaxBodyBytes:     1 << 20,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	return NewRouter(cfg, log, Deps{})
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"ready", "/ready", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedIngestReturns401(t *testing.T) {
	buf, err := buffermanager.New(zerolog.Nop(), buffermanager.Config{
		Memory:      membuffer.Config{Capacity: 10, HighWaterMark: 0.9, LowWaterMark: 0.3},
		DiskPath:    filepath.Join(t.TempDir(), "spill.seg"),
		DiskMaxSize: 1 << 20,
		MaxAttempts: 3,
	}, nil)
	if err != nil {
		t.Fatalf("new buffer manager: %v", err)
	}
	defer buf.Close()
	cfg := &config.Config{Addr: ":0", Env: "test", APIKeyHeader: "X-Ingest-Key", MaxBodyBytes: 1 << 20}
	r := NewRouter(cfg, zerolog.Nop(), Deps{Buffer: buf})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated /v1/ingest, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodOptions, "/v1/ingest", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}

func TestDisabledHandlersAreNotMounted(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/v1/collectors", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected /v1/collectors to be unmounted with a nil registry, got %d", rw.Result().StatusCode)
	}
}
