// Package generator synthesizes production lots whenever the active
// backlog drops below a configured floor. Every synthetic lot is
// audited in the generation log together with a snapshot of the
// settings that produced it.
package generator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/streaming"
)

// ReasonAutonomous marks generation log entries written by this
// generator, whether the trigger was the loop or an operator.
const ReasonAutonomous = "AUTONOMOUS"

// Trigger sources recorded per generated lot.
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// DefaultPriorityDistribution is the production mix by priority class.
func DefaultPriorityDistribution() map[int]float64 {
	return map[int]float64{1: 0.15, 2: 0.25, 3: 0.30, 4: 0.20, 5: 0.10}
}

// DefaultCustomerWeights biases lot attribution toward the customers
// with the largest wafer commitments.
func DefaultCustomerWeights() map[string]float64 {
	return map[string]float64{
		"Apple": 1.5, "NVIDIA": 1.4, "AMD": 1.3, "Intel": 1.2, "Qualcomm": 1.2,
		"Samsung": 1.1, "MediaTek": 1.0, "Broadcom": 1.0, "TI": 0.9, "NXP": 0.9,
		"ST": 0.8, "ADI": 0.8, "Maxim": 0.7, "Cirrus": 0.7, "INTERNAL": 0.5,
	}
}

// DefaultRecipeKinds lists the process recipes lots are drawn from.
func DefaultRecipeKinds() []string {
	return []string{
		"N3-ADV", "N5-HOT", "N5-STD", "N7-EXP", "N7-STD",
		"STANDARD_LOGIC", "MEMORY_DRAM", "GPU_DIE", "AI_ACCELERATOR",
		"HPC_CPU", "MOBILE_SOC", "NETWORK_CHIP", "MODEM_5G", "FPGA",
	}
}

// Config is the boot-time generator tuning. A persisted singleton row,
// when present, overrides the matching fields at the start of each
// tick.
type Config struct {
	Enabled              bool               `json:"enabled"`
	IntervalSeconds      int                `json:"interval_seconds"`
	MinLots              int                `json:"min_lots"`
	MaxLots              int                `json:"max_lots"`
	BatchSize            int                `json:"batch_size"`
	HotLotProbability    float64            `json:"hot_lot_probability"`
	PriorityDistribution map[int]float64    `json:"priority_distribution"`
	CustomerWeights      map[string]float64 `json:"customer_weights"`
	RecipeKinds          []string           `json:"recipe_kinds"`
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		IntervalSeconds:      15,
		MinLots:              20,
		MaxLots:              100,
		BatchSize:            5,
		HotLotProbability:    0.15,
		PriorityDistribution: DefaultPriorityDistribution(),
		CustomerWeights:      DefaultCustomerWeights(),
		RecipeKinds:          DefaultRecipeKinds(),
	}
}

// autoNameRe matches autogenerated lot names and captures the daily
// sequence number.
var autoNameRe = regexp.MustCompile(`^(?:HOT-)?AUTO-\d{4}-(\d+)$`)

// Generator keeps the fab backlog above the configured floor.
type Generator struct {
	store  store.Store
	stream streaming.Publisher
	rng    *randutil.RNG
	clock  clock.Clock
	boot   Config
	logger zerolog.Logger

	mu              sync.Mutex
	active          bool
	loopAlive       bool
	totalGenerated  int
	lastGeneratedAt *time.Time
}

func New(st store.Store, pub streaming.Publisher, rng *randutil.RNG, clk clock.Clock, cfg Config) *Generator {
	if cfg.IntervalSeconds < 1 {
		cfg.IntervalSeconds = DefaultConfig().IntervalSeconds
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PriorityDistribution == nil {
		cfg.PriorityDistribution = DefaultPriorityDistribution()
	}
	if cfg.CustomerWeights == nil {
		cfg.CustomerWeights = DefaultCustomerWeights()
	}
	if len(cfg.RecipeKinds) == 0 {
		cfg.RecipeKinds = DefaultRecipeKinds()
	}
	return &Generator{
		store:  st,
		stream: pub,
		rng:    rng,
		clock:  clk,
		boot:   cfg,
		active: true,
		logger: log.With().Str("component", "generator").Logger(),
	}
}

// Run drives the autonomous generation loop until ctx is cancelled.
// The persisted configuration is re-read on every tick so interval and
// threshold changes apply without a restart.
func (g *Generator) Run(ctx context.Context) error {
	g.mu.Lock()
	g.loopAlive = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.loopAlive = false
		g.mu.Unlock()
	}()

	for {
		cfg := g.effectiveConfig(ctx)
		if cfg.Enabled && g.IsActive() {
			if n, err := g.GenerateIfNeeded(ctx, cfg.BatchSize); err != nil {
				g.logger.Error().Err(err).Msg("generation tick failed")
			} else if n > 0 {
				g.logger.Info().Int("generated", n).Msg("backlog replenished")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(cfg.IntervalSeconds) * time.Second):
		}
	}
}

// Start resumes autonomous generation after a Stop.
func (g *Generator) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
}

// Stop pauses autonomous generation. The loop keeps ticking so a later
// Start resumes without restarting the process.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
}

func (g *Generator) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// GenerateIfNeeded tops the backlog up to the configured floor,
// bounded by batchSize and the absolute lot ceiling. Lots are
// generated independently; one failure does not abort the batch.
func (g *Generator) GenerateIfNeeded(ctx context.Context, batchSize int) (int, error) {
	cfg := g.effectiveConfig(ctx)
	if batchSize < 1 {
		batchSize = cfg.BatchSize
	}

	current, err := g.activeLotCount(ctx)
	if err != nil {
		return 0, err
	}
	if current >= cfg.MinLots {
		return 0, nil
	}
	needed := cfg.MinLots - current
	if needed > batchSize {
		needed = batchSize
	}
	if current+needed > cfg.MaxLots {
		needed = cfg.MaxLots - current
	}

	generated := 0
	for i := 0; i < needed; i++ {
		if _, err := g.GenerateLot(ctx, TriggerScheduler); err != nil {
			g.logger.Error().Err(err).Msg("lot generation failed")
			continue
		}
		generated++
	}
	return generated, nil
}

// GenerateLot synthesizes one lot, persists it, and audits the draw in
// the generation log.
func (g *Generator) GenerateLot(ctx context.Context, triggeredBy string) (*store.Lot, error) {
	cfg := g.effectiveConfig(ctx)
	now := g.clock.Now()

	hot := g.rng.Float64() < cfg.HotLotProbability
	priority := g.selectPriority(cfg, hot)
	customer := g.selectCustomer(cfg)
	recipe := cfg.RecipeKinds[g.rng.Intn(len(cfg.RecipeKinds))]
	waferCount := g.waferCountFor(priority)
	deadline := now.Add(time.Duration(g.deadlineDaysFor(priority) * 24 * float64(time.Hour)))
	estimated := 60 + g.rng.Intn(601)

	name, err := g.nextLotName(ctx, hot, now)
	if err != nil {
		return nil, err
	}

	lot := &store.Lot{
		ID:                       g.rng.UUID(),
		Name:                     name,
		WaferCount:               waferCount,
		Priority:                 priority,
		HotLot:                   hot,
		RecipeKind:               recipe,
		CustomerTag:              customer,
		Status:                   store.LotPending,
		EstimatedDurationMinutes: estimated,
		Deadline:                 &deadline,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := g.store.CreateLot(ctx, lot); err != nil {
		return nil, err
	}

	entry := &store.GenerationLogEntry{
		ID:          g.rng.UUID(),
		LotID:       lot.ID,
		Reason:      ReasonAutonomous,
		TriggeredBy: triggeredBy,
		Config: store.ConfigSnapshot{
			HotLotProbability:    cfg.HotLotProbability,
			PriorityDistribution: cfg.PriorityDistribution,
		},
		CreatedAt: now,
	}
	if err := g.store.AppendGenerationLog(ctx, entry); err != nil {
		// The lot exists; losing one audit row is better than an orphan.
		g.logger.Warn().Err(err).Str("lot", lot.Name).Msg("generation log write failed")
	}

	g.mu.Lock()
	g.totalGenerated++
	at := now
	g.lastGeneratedAt = &at
	g.mu.Unlock()

	observability.LotsGenerated.WithLabelValues(strconv.FormatBool(hot)).Inc()
	g.publish(ctx, streaming.TopicLotCreated, lot)
	g.logger.Info().
		Str("lot", lot.Name).
		Str("customer", customer).
		Int("priority", priority).
		Bool("hot", hot).
		Msg("generated lot")
	return lot, nil
}

// nextLotName allocates the smallest unused daily sequence number at
// or above 1001. HOT-AUTO and AUTO names share one sequence space.
func (g *Generator) nextLotName(ctx context.Context, hot bool, now time.Time) (string, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	names, err := g.store.ListAutoLotNames(ctx, midnight)
	if err != nil {
		return "", err
	}
	used := make(map[int]bool, len(names))
	for _, name := range names {
		if m := autoNameRe.FindStringSubmatch(name); m != nil {
			if seq, err := strconv.Atoi(m[1]); err == nil {
				used[seq] = true
			}
		}
	}
	seq := 1001
	for used[seq] {
		seq++
	}
	prefix := "AUTO"
	if hot {
		prefix = "HOT-AUTO"
	}
	return fmt.Sprintf("%s-%d-%04d", prefix, now.Year(), seq), nil
}

// selectPriority draws a priority class from the configured
// distribution. Hot lots are always priority 1.
func (g *Generator) selectPriority(cfg Config, hot bool) int {
	if hot {
		return 1
	}
	r := g.rng.Float64()
	cumulative := 0.0
	for priority := 1; priority <= 5; priority++ {
		w, ok := cfg.PriorityDistribution[priority]
		if !ok {
			w = 0.1
		}
		cumulative += w
		if r <= cumulative {
			return priority
		}
	}
	return 3
}

func (g *Generator) selectCustomer(cfg Config) string {
	known := make(map[string]bool, len(customerOrder))
	keys := make([]string, 0, len(cfg.CustomerWeights))
	for _, k := range customerOrder {
		if _, ok := cfg.CustomerWeights[k]; ok {
			keys = append(keys, k)
			known[k] = true
		}
	}
	var extra []string
	for k := range cfg.CustomerWeights {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	keys = append(keys, extra...)

	choice := g.rng.WeightedChoice(keys, cfg.CustomerWeights)
	if choice == "" {
		return "INTERNAL"
	}
	return choice
}

// customerOrder pins the draw order for the default customer set so a
// fixed seed reproduces the same attribution sequence.
var customerOrder = []string{
	"Apple", "NVIDIA", "AMD", "Intel", "Qualcomm",
	"Samsung", "MediaTek", "Broadcom", "TI", "NXP",
	"ST", "ADI", "Maxim", "Cirrus", "INTERNAL",
}

func (g *Generator) waferCountFor(priority int) int {
	switch priority {
	case 1:
		return 25
	case 2:
		return g.rng.IntBetween(20, 50)
	case 3:
		return g.rng.IntBetween(50, 100)
	case 4:
		return g.rng.IntBetween(100, 200)
	case 5:
		return g.rng.IntBetween(150, 300)
	default:
		return 50
	}
}

func (g *Generator) deadlineDaysFor(priority int) float64 {
	switch priority {
	case 1:
		return g.rng.FloatBetween(1, 2)
	case 2:
		return g.rng.FloatBetween(2, 4)
	case 3:
		return g.rng.FloatBetween(3, 7)
	case 4:
		return g.rng.FloatBetween(5, 10)
	case 5:
		return g.rng.FloatBetween(7, 14)
	default:
		return 7
	}
}

// activeLotCount counts lots still in flight (PENDING, QUEUED or
// RUNNING); terminal lots never count toward the floor.
func (g *Generator) activeLotCount(ctx context.Context) (int, error) {
	counts, err := g.store.CountLotsByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[store.LotPending] + counts[store.LotQueued] + counts[store.LotRunning], nil
}

// Counts reports the in-flight backlog by status plus a TOTAL key.
func (g *Generator) Counts(ctx context.Context) (map[string]int, error) {
	counts, err := g.store.CountLotsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]int{
		string(store.LotPending): counts[store.LotPending],
		string(store.LotQueued):  counts[store.LotQueued],
		string(store.LotRunning): counts[store.LotRunning],
	}
	out["TOTAL"] = out[string(store.LotPending)] + out[string(store.LotQueued)] + out[string(store.LotRunning)]
	return out, nil
}

// Status is the generator admin view.
type Status struct {
	Running         bool       `json:"running"`
	Enabled         bool       `json:"enabled"`
	TotalGenerated  int        `json:"total_generated"`
	LastGeneration  *time.Time `json:"last_generation,omitempty"`
	EffectiveConfig Config     `json:"config"`
}

func (g *Generator) Status(ctx context.Context) Status {
	cfg := g.effectiveConfig(ctx)
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Running:         g.loopAlive && g.active,
		Enabled:         cfg.Enabled,
		TotalGenerated:  g.totalGenerated,
		LastGeneration:  g.lastGeneratedAt,
		EffectiveConfig: cfg,
	}
}

// EffectiveConfig exposes the merged boot and persisted configuration.
func (g *Generator) EffectiveConfig(ctx context.Context) Config {
	return g.effectiveConfig(ctx)
}

// SetEnabled persists the autonomous-generation flag.
func (g *Generator) SetEnabled(ctx context.Context, enabled bool) error {
	cfg := g.effectiveConfig(ctx)
	cfg.Enabled = enabled
	return g.SaveConfig(ctx, cfg)
}

// SaveConfig validates and persists the generator tuning as the
// singleton configuration row.
func (g *Generator) SaveConfig(ctx context.Context, cfg Config) error {
	if cfg.IntervalSeconds < 1 {
		return resilience.Validationf("interval_seconds must be at least 1, got %d", cfg.IntervalSeconds)
	}
	if cfg.MinLots < 0 || cfg.MaxLots < cfg.MinLots {
		return resilience.Validationf("lot bounds invalid: min=%d max=%d", cfg.MinLots, cfg.MaxLots)
	}
	if cfg.BatchSize < 1 {
		return resilience.Validationf("batch_size must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.HotLotProbability < 0 || cfg.HotLotProbability > 1 {
		return resilience.Validationf("hot_lot_probability %.3f out of range [0,1]", cfg.HotLotProbability)
	}
	for k, v := range cfg.PriorityDistribution {
		if k < 1 || k > 5 {
			return resilience.Validationf("priority distribution key %d out of range [1,5]", k)
		}
		if v < 0 {
			return resilience.Validationf("priority distribution weight for %d is negative", k)
		}
	}
	for name, w := range cfg.CustomerWeights {
		if w < 0 {
			return resilience.Validationf("customer weight for %q is negative", name)
		}
	}
	for _, kind := range cfg.RecipeKinds {
		if kind == "" {
			return resilience.Validationf("recipe kinds must not contain empty entries")
		}
	}
	return g.store.SaveGeneratorConfig(ctx, &store.GeneratorConfig{
		Enabled:              cfg.Enabled,
		IntervalSeconds:      cfg.IntervalSeconds,
		MinLots:              cfg.MinLots,
		MaxLots:              cfg.MaxLots,
		BatchSize:            cfg.BatchSize,
		HotLotProbability:    cfg.HotLotProbability,
		PriorityDistribution: cfg.PriorityDistribution,
		CustomerWeights:      cfg.CustomerWeights,
		RecipeKinds:          cfg.RecipeKinds,
		UpdatedAt:            g.clock.Now(),
	})
}

// effectiveConfig merges the persisted singleton row over the boot
// defaults. Repository errors fall back to boot settings so the loop
// survives storage outages.
func (g *Generator) effectiveConfig(ctx context.Context) Config {
	cfg := g.boot
	row, err := g.store.GetGeneratorConfig(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("generator config unavailable, using boot defaults")
		return cfg
	}
	if row == nil {
		return cfg
	}
	cfg.Enabled = row.Enabled
	cfg.IntervalSeconds = row.IntervalSeconds
	cfg.MinLots = row.MinLots
	cfg.MaxLots = row.MaxLots
	cfg.BatchSize = row.BatchSize
	cfg.HotLotProbability = row.HotLotProbability
	if row.PriorityDistribution != nil {
		cfg.PriorityDistribution = row.PriorityDistribution
	}
	if row.CustomerWeights != nil {
		cfg.CustomerWeights = row.CustomerWeights
	}
	if len(row.RecipeKinds) > 0 {
		cfg.RecipeKinds = row.RecipeKinds
	}
	return cfg
}

func (g *Generator) publish(ctx context.Context, topic string, payload interface{}) {
	if g.stream == nil {
		return
	}
	if err := g.stream.Publish(ctx, topic, payload); err != nil {
		g.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

