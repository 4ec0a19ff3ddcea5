package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/backpressure"
	"github.com/coriolis-labs/ingestor/batcher"
	"github.com/coriolis-labs/ingestor/buffermanager"
	"github.com/coriolis-labs/ingestor/collector"
	"github.com/coriolis-labs/ingestor/config"
	"github.com/coriolis-labs/ingestor/flowcontrol"
	handler "github.com/coriolis-labs/ingestor/httpapi"
	gwmw "github.com/coriolis-labs/ingestor/middleware"
	"github.com/coriolis-labs/ingestor/parser"
	policy "github.com/coriolis-labs/ingestor/policyengine"
	"github.com/coriolis-labs/ingestor/producerpool"
	"github.com/coriolis-labs/ingestor/tracing"
)

// Deps bundles the pipeline components the router exposes over HTTP.
// Every field is optional: a nil field simply drops the routes it backs.
// ParserDispatcher is the exception; the ingest dry run and the parser
// classify route stay mounted without it.
type Deps struct {
	CollectorRegistry  *collector.Registry
	Buffer             *buffermanager.Manager
	Backpressure       *backpressure.Monitor
	Batcher            *batcher.Batcher
	ParserRegistry     *parser.Registry
	ParserDispatcher   *parser.Dispatcher
	ProducerPool       *producerpool.Pool
	Circuit            handler.CircuitStatus
	Flow               *flowcontrol.Controller
	Policy             *policy.OPAClient
	Metrics            interface {
		Handler() http.Handler
	}
	Tracer *tracing.Provider
}

// NewRouter returns a configured chi Router with the full middleware
// chain and every management/ingest route mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))

	if deps.Tracer != nil {
		r.Use(tracing.Middleware(deps.Tracer.Tracer()))
	}

	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"ingestor"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"ingestor"}`))
	})

	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	var ingestHandler *handler.IngestHandler
	if deps.Buffer != nil {
		ingestHandler = handler.NewIngestHandler(appLogger, deps.Buffer, deps.ParserDispatcher, cfg.MaxBodyBytes)
	}

	var collectorHandler *handler.CollectorHandler
	if deps.CollectorRegistry != nil {
		collectorHandler = handler.NewCollectorHandler(appLogger, deps.CollectorRegistry)
	}

	var bufferHandler *handler.BufferHandler
	if deps.Buffer != nil {
		bufferHandler = handler.NewBufferHandler(deps.Buffer, deps.Backpressure, deps.Batcher, appLogger)
	}

	var analyticsHandler *handler.AnalyticsHandler
	if deps.CollectorRegistry != nil {
		analyticsHandler = handler.NewAnalyticsHandler(deps.CollectorRegistry, appLogger)
	}

	var parserHandler *handler.ParserHandler
	if deps.ParserRegistry != nil {
		parserHandler = handler.NewParserHandler(deps.ParserRegistry, deps.ParserDispatcher, appLogger)
	}

	var dispatcherHandler *handler.DispatcherHandler
	if deps.ProducerPool != nil || deps.Circuit != nil || deps.Flow != nil {
		dispatcherHandler = handler.NewDispatcherHandler(deps.ProducerPool, deps.Circuit, deps.Flow, appLogger)
	}

	var policyHandler *handler.PolicyHandler
	if deps.Policy != nil {
		policyHandler = handler.NewPolicyHandler(deps.Policy, appLogger)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		if ingestHandler != nil {
			r.Post("/ingest", ingestHandler.Ingest)
		}

		if collectorHandler != nil {
			r.Get("/collectors", collectorHandler.ListCollectors)
			r.Get("/collectors/{name}", collectorHandler.GetCollector)
			r.Post("/collectors/{name}/start", collectorHandler.StartCollector)
			r.Post("/collectors/{name}/stop", collectorHandler.StopCollector)
		}

		if bufferHandler != nil {
			r.Get("/buffer/stats", bufferHandler.Stats)
			r.Get("/buffer/dead-letters", bufferHandler.DeadLetters)
			r.Post("/buffer/dead-letters/requeue", bufferHandler.Requeue)
		}

		if parserHandler != nil {
			r.Get("/parsers", parserHandler.ListParsers)
			r.Post("/parsers/classify", parserHandler.Classify)
		}

		if dispatcherHandler != nil {
			r.Get("/dispatcher/status", dispatcherHandler.Status)
		}

		if analyticsHandler != nil {
			r.Post("/analytics/volume", analyticsHandler.QueryVolume)
			r.Get("/analytics/collectors", analyticsHandler.CollectorSummary)
			r.Get("/analytics/export/csv", analyticsHandler.ExportVolumeCSV)
		}

		if policyHandler != nil {
			r.Get("/policies", policyHandler.ListPolicies)
			r.Post("/policies", policyHandler.CreatePolicy)
			r.Get("/policies/templates", policyHandler.ListTemplates)
			r.Get("/policies/evaluations", policyHandler.GetEvaluationLog)
			r.Post("/policies/evaluate", policyHandler.EvaluatePolicy)
			r.Get("/policies/{id}", policyHandler.GetPolicy)
			r.Put("/policies/{id}", policyHandler.UpdatePolicy)
			r.Delete("/policies/{id}", policyHandler.DeletePolicy)
			r.Post("/policies/{id}/dry-run", policyHandler.ToggleDryRun)
		}
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 4 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("INGESTOR_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
