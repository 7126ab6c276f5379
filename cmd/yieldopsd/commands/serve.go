package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AngelP17/YieldOps/internal/anomaly"
	"github.com/AngelP17/YieldOps/internal/api"
	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/config"
	"github.com/AngelP17/YieldOps/internal/coordination"
	"github.com/AngelP17/YieldOps/internal/generator"
	"github.com/AngelP17/YieldOps/internal/idempotency"
	"github.com/AngelP17/YieldOps/internal/lifecycle"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/scheduler"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/telemetry"
)

const metricsInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and its HTTP facade",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("buildDate", BuildDate).
		Str("addr", cfg.HTTPAddr).
		Msg("YieldOps control plane starting")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := randutil.New(seed)
	clk := clock.NewSystem()
	log.Info().Int64("seed", seed).Msg("randomness seeded")

	st, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	idem := openIdempotencyCache(ctx, clk, cfg.RedisAddr)
	if closer, ok := idem.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	hub := api.NewEventHub(rng, clk)
	sentinel := anomaly.NewSentinel(st, hub, rng, clk)

	weights, err := scheduler.NewWeights(
		cfg.Scheduler.WeightPriority,
		cfg.Scheduler.WeightEfficiency,
		cfg.Scheduler.WeightQueue,
		cfg.Scheduler.WeightDeadline,
	)
	if err != nil {
		return err
	}
	sched := scheduler.New(st, hub, rng, clk, scheduler.Config{
		Weights:            weights,
		EnforceRecipeMatch: cfg.Scheduler.EnforceRecipeMatch,
		EnforceDeadlines:   cfg.Scheduler.EnforceDeadlines,
		MaxAssignments:     cfg.Scheduler.MaxAssignments,
		RunBudget:          time.Duration(cfg.Scheduler.RunBudgetSeconds) * time.Second,
	})

	gen := generator.New(st, hub, rng, clk, generator.Config{
		Enabled:              cfg.Generator.Enabled,
		IntervalSeconds:      cfg.Generator.IntervalSeconds,
		MinLots:              cfg.Generator.MinLots,
		MaxLots:              cfg.Generator.MaxLots,
		BatchSize:            cfg.Generator.BatchSize,
		HotLotProbability:    cfg.Generator.HotLotProbability,
		PriorityDistribution: cfg.Generator.PriorityDistribution,
		CustomerWeights:      cfg.Generator.CustomerWeights,
		RecipeKinds:          cfg.Generator.RecipeKinds,
	})

	lc := lifecycle.New(st, hub, clk, time.Duration(cfg.LifecycleIntervalSeconds)*time.Second)
	sim := telemetry.New(st, sentinel, hub, rng, clk,
		time.Duration(cfg.SensorIntervalSeconds)*time.Second,
		cfg.SensorAnomalyProbability)
	mon := coordination.NewMonitor(st, clk, 30*time.Second,
		time.Duration(cfg.AgentStaleSeconds)*time.Second)

	srv := api.NewServer(api.Options{
		Store:                st,
		Scheduler:            sched,
		Generator:            gen,
		Lifecycle:            lc,
		Simulator:            sim,
		Sentinel:             sentinel,
		Hub:                  hub,
		Idempotency:          idem,
		Clock:                clk,
		RNG:                  rng,
		CORSAllowOrigins:     cfg.CORSAllowOrigins,
		CORSAllowOriginRegex: cfg.CORSAllowOriginRegex,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return gen.Run(ctx) })
	g.Go(func() error { return lc.Run(ctx) })
	g.Go(func() error { return sim.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return observability.RunCollector(ctx, st, metricsInterval) })
	g.Go(func() error { return srv.Serve(ctx, cfg.HTTPAddr) })

	err = g.Wait()
	log.Info().Msg("YieldOps control plane stopped")
	return err
}

// openStore connects to Postgres when DATABASE_URL is set and falls
// back to the in-memory store otherwise. Connection faults are retried
// before giving up with an UnavailableError.
func openStore(ctx context.Context, databaseURL string) (store.Store, error) {
	if databaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, state is in-memory and lost on restart")
		return store.NewMemoryStore(), nil
	}

	var st store.Store
	err := resilience.Retry(ctx, func() (bool, error) {
		pg, err := store.NewPostgresStore(ctx, databaseURL, onBreakerChange)
		if err != nil {
			return resilience.IsUnavailable(err), err
		}
		st = pg
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("connected to postgres")
	return st, nil
}

// openIdempotencyCache prefers Redis when REDIS_ADDR is set so replay
// protection survives restarts. An unreachable Redis degrades to the
// in-memory cache rather than blocking boot.
func openIdempotencyCache(ctx context.Context, clk clock.Clock, redisAddr string) idempotency.Cache {
	if redisAddr == "" {
		return idempotency.NewMemoryCache(clk, idempotency.DefaultTTL)
	}
	rc := idempotency.NewRedisCache(redisAddr, idempotency.DefaultTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", redisAddr).
			Msg("redis unreachable, idempotency cache degrades to in-memory")
		rc.Close()
		return idempotency.NewMemoryCache(clk, idempotency.DefaultTTL)
	}
	log.Info().Str("addr", redisAddr).Msg("idempotency cache backed by redis")
	return rc
}

// onBreakerChange mirrors breaker transitions into the gauge, which
// encodes states the same way gobreaker orders them.
func onBreakerChange(from, to gobreaker.State) {
	observability.StoreBreakerState.Set(float64(to))
	log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("store circuit breaker state changed")
}
