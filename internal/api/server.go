// Package api exposes the control plane over HTTP and WebSocket. It
// is a thin facade: handlers validate input, call into the engines
// (scheduler, generator, lifecycle, telemetry, sentinel) or the store,
// and translate domain errors into status codes. No business rules
// live here.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/AngelP17/YieldOps/internal/anomaly"
	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/generator"
	"github.com/AngelP17/YieldOps/internal/idempotency"
	"github.com/AngelP17/YieldOps/internal/lifecycle"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/scheduler"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/telemetry"
)

// Rate limits follow the pilot defaults: a generous global budget and
// a much tighter one for mutating routes.
const (
	defaultGlobalRPS      = 100
	defaultGlobalBurst    = 200
	defaultMutatingRPS    = 10
	defaultMutatingBurst  = 20
	defaultHeartbeatRPS   = 50
	defaultHeartbeatBurst = 100
)

// Options carries everything the server needs. Engines may be nil in
// tests that only exercise a subset of routes; the corresponding
// handlers then answer 503.
type Options struct {
	Store       store.Store
	Scheduler   *scheduler.Scheduler
	Generator   *generator.Generator
	Lifecycle   *lifecycle.Processor
	Simulator   *telemetry.Simulator
	Sentinel    *anomaly.Sentinel
	Hub         *EventHub
	Idempotency idempotency.Cache
	Clock       clock.Clock
	RNG         *randutil.RNG

	CORSAllowOrigins     []string
	CORSAllowOriginRegex string
}

// Server is the HTTP facade over the control plane.
type Server struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	generator *generator.Generator
	lifecycle *lifecycle.Processor
	simulator *telemetry.Simulator
	sentinel  *anomaly.Sentinel
	hub       *EventHub
	idem      idempotency.Cache

	clock  clock.Clock
	rng    *randutil.RNG
	logger zerolog.Logger

	corsOrigins     []string
	corsOriginRegex string

	globalLimiter    *rate.Limiter
	mutatingLimiter  *rate.Limiter
	heartbeatLimiter *rate.Limiter
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.RNG == nil {
		opts.RNG = randutil.New(time.Now().UnixNano())
	}
	origins := opts.CORSAllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:           opts.Store,
		scheduler:       opts.Scheduler,
		generator:       opts.Generator,
		lifecycle:       opts.Lifecycle,
		simulator:       opts.Simulator,
		sentinel:        opts.Sentinel,
		hub:             opts.Hub,
		idem:            opts.Idempotency,
		clock:           opts.Clock,
		rng:             opts.RNG,
		logger:          log.With().Str("component", "api").Logger(),
		corsOrigins:     origins,
		corsOriginRegex: opts.CORSAllowOriginRegex,
		globalLimiter:    rate.NewLimiter(rate.Limit(defaultGlobalRPS), defaultGlobalBurst),
		mutatingLimiter:  rate.NewLimiter(rate.Limit(defaultMutatingRPS), defaultMutatingBurst),
		heartbeatLimiter: rate.NewLimiter(rate.Limit(defaultHeartbeatRPS), defaultHeartbeatBurst),
	}
}

// mutating is the middleware chain for write routes: the strict
// limiter first, then idempotency-key replay.
func (s *Server) mutating() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		s.withRateLimit(s.mutatingLimiter, "mutating"),
		s.withIdempotency,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withMetrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))
	r.Use(s.withRateLimit(s.globalLimiter, "global"))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stream", s.handleStream)

		r.Route("/dispatch", func(r chi.Router) {
			r.With(s.mutating()...).Post("/run", s.handleDispatchRun)
			r.Get("/queue", s.handleDispatchQueue)
			r.Get("/history", s.handleDispatchHistory)
			r.Get("/algorithm", s.handleDispatchAlgorithm)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListLots)
			r.With(s.mutating()...).Post("/", s.handleCreateLot)
			r.Get("/queue", s.handleLotQueue)

			r.Route("/lifecycle", func(r chi.Router) {
				r.Get("/status", s.handleLifecycleStatus)
				r.Post("/start", s.handleLifecycleStart)
				r.Post("/stop", s.handleLifecycleStop)
			})

			r.Route("/{lotID}", func(r chi.Router) {
				r.Get("/", s.handleGetLot)
				r.Patch("/", s.handleUpdateLot)
				r.With(s.mutating()...).Post("/cancel", s.handleCancelLot)
				r.With(s.mutating()...).Post("/start", s.handleStartLot)
				r.With(s.mutating()...).Post("/complete", s.handleCompleteLot)
				r.With(s.mutating()...).Post("/fail", s.handleFailLot)
			})
		})

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", s.handleListEquipment)
			r.With(s.mutating()...).Post("/", s.handleCreateEquipment)
			r.Route("/{machineID}", func(r chi.Router) {
				r.Get("/", s.handleGetEquipment)
				r.Patch("/", s.handleUpdateEquipment)
				r.Get("/stats", s.handleEquipmentStats)
				r.Get("/sensor-readings", s.handleEquipmentReadings)
			})
		})

		r.Route("/job-generator", func(r chi.Router) {
			r.Get("/config", s.handleGeneratorGetConfig)
			r.Post("/config", s.handleGeneratorSetConfig)
			r.Get("/status", s.handleGeneratorStatus)
			r.Get("/counts", s.handleGeneratorCounts)
			r.Get("/generation-log", s.handleGenerationLog)
			r.Post("/start", s.handleGeneratorStart)
			r.Post("/stop", s.handleGeneratorStop)
			r.Post("/enable", s.handleGeneratorEnable)
			r.Post("/disable", s.handleGeneratorDisable)
			r.With(s.mutating()...).Post("/generate", s.handleGenerateOne)
			r.With(s.mutating()...).Post("/generate-batch", s.handleGenerateBatch)
		})

		r.Route("/aegis", func(r chi.Router) {
			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", s.handleListIncidents)
				r.With(s.mutating()...).Post("/", s.handleCreateIncident)
				r.Get("/{incidentID}", s.handleGetIncident)
				r.With(s.mutating()...).Post("/{incidentID}/approve", s.handleApproveIncident)
				r.With(s.mutating()...).Post("/{incidentID}/resolve", s.handleResolveIncident)
			})
			r.Route("/agents", func(r chi.Router) {
				r.Get("/", s.handleListAgents)
				r.Post("/register", s.handleRegisterAgent)
				r.With(s.withRateLimit(s.heartbeatLimiter, "heartbeat")).
					Post("/{agentID}/heartbeat", s.handleAgentHeartbeat)
			})
			r.Get("/safety-circuit", s.handleSafetyCircuit)
			r.Get("/summary", s.handleAegisSummary)
			r.Post("/telemetry/analyze", s.handleAnalyzeTelemetry)
		})

		r.Route("/sensors", func(r chi.Router) {
			r.Post("/simulate", s.handleSensorSimulate)
			r.Post("/start", s.handleSensorStart)
			r.Post("/stop", s.handleSensorStop)
			r.Get("/status", s.handleSensorStatus)
			r.With(s.mutating()...).Post("/generate-anomaly", s.handleGenerateAnomaly)
		})
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotency-Replayed"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.corsOriginRegex != "" {
		re, err := regexp.Compile(s.corsOriginRegex)
		if err != nil {
			s.logger.Warn().Err(err).Str("pattern", s.corsOriginRegex).Msg("ignoring invalid cors origin regex")
			return opts
		}
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
			return re.MatchString(origin)
		}
	}
	return opts
}

// Serve runs the HTTP server until ctx is cancelled, then drains
// in-flight requests for up to ten seconds.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info().Msg("http server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, r, resilience.Unavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
