// Package scheduler implements the constraint-satisfying dispatch
// optimizer: it matches PENDING lots to dispatchable equipment,
// maximizing a weighted objective under recipe, exclusivity and
// deadline constraints, and persists each batch atomically.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
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

// AlgorithmVersion names the dispatch algorithm in responses and
// dispatch reasons.
const AlgorithmVersion = "2.1.0"

const reasonPrefix = "Optimizer v2.1"

// Weights is the normalized objective weighting. Construct through
// NewWeights so the invariants (non-negative, sum 1) hold.
type Weights struct {
	Priority   float64 `json:"priority"`
	Efficiency float64 `json:"efficiency"`
	QueueDepth float64 `json:"queue_depth"`
	Deadline   float64 `json:"deadline"`
}

// NewWeights validates and normalizes the four objective weights into
// a convex combination. Negative weights and an all-zero set are
// configuration errors.
func NewWeights(priority, efficiency, queueDepth, deadline float64) (Weights, error) {
	for _, w := range []float64{priority, efficiency, queueDepth, deadline} {
		if w < 0 {
			return Weights{}, resilience.Validationf("scheduler weights must be non-negative, got (%.3f, %.3f, %.3f, %.3f)",
				priority, efficiency, queueDepth, deadline)
		}
	}
	sum := priority + efficiency + queueDepth + deadline
	if sum <= 0 {
		return Weights{}, resilience.Validationf("scheduler weights sum to zero")
	}
	return Weights{
		Priority:   priority / sum,
		Efficiency: efficiency / sum,
		QueueDepth: queueDepth / sum,
		Deadline:   deadline / sum,
	}, nil
}

// DefaultWeights returns the standard (0.3, 0.3, 0.2, 0.2) weighting.
func DefaultWeights() Weights {
	w, _ := NewWeights(0.3, 0.3, 0.2, 0.2)
	return w
}

// Config tunes a Scheduler.
type Config struct {
	Weights            Weights
	EnforceRecipeMatch bool
	EnforceDeadlines   bool
	MaxAssignments     int
	RunBudget          time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Weights:            DefaultWeights(),
		EnforceRecipeMatch: true,
		EnforceDeadlines:   false,
		MaxAssignments:     5,
		RunBudget:          60 * time.Second,
	}
}

// Scheduler computes and persists dispatch batches.
type Scheduler struct {
	store  store.Store
	stream streaming.Publisher
	rng    *randutil.RNG
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger
}

func New(st store.Store, pub streaming.Publisher, rng *randutil.RNG, clk clock.Clock, cfg Config) *Scheduler {
	if cfg.MaxAssignments <= 0 {
		cfg.MaxAssignments = DefaultConfig().MaxAssignments
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = DefaultConfig().RunBudget
	}
	return &Scheduler{
		store:  st,
		stream: pub,
		rng:    rng,
		clock:  clk,
		cfg:    cfg,
		logger: log.With().Str("component", "scheduler").Logger(),
	}
}

// RunOptions narrows a single dispatch run.
type RunOptions struct {
	// MaxDispatches caps assignments for this run; 0 uses the
	// configured default.
	MaxDispatches int `json:"max_dispatches,omitempty"`
	// PriorityFilter restricts the run to lots of exactly this
	// priority; 0 considers all.
	PriorityFilter int `json:"priority_filter,omitempty"`
}

// Decision is one lot→equipment assignment of a run.
type Decision struct {
	LotID         string    `json:"lot_id"`
	LotName       string    `json:"lot_name"`
	EquipmentID   string    `json:"equipment_id"`
	EquipmentName string    `json:"equipment_name"`
	Score         float64   `json:"score"`
	Reason        string    `json:"reason"`
	DispatchedAt  time.Time `json:"dispatched_at"`
}

// UnassignedLot reports why a pending lot was not assigned. Reasons is
// empty when the lot was merely outbid or the assignment cap was
// reached.
type UnassignedLot struct {
	LotID   string   `json:"lot_id"`
	LotName string   `json:"lot_name"`
	Reasons []string `json:"reasons"`
}

// Result is the outcome of one dispatch run.
type Result struct {
	Decisions          []Decision      `json:"decisions"`
	Unassigned         []UnassignedLot `json:"unassigned"`
	TotalDispatched    int             `json:"total_dispatched"`
	TotalScore         float64         `json:"total_score"`
	AlgorithmVersion   string          `json:"algorithm_version"`
	OptimizationTimeMS float64         `json:"optimization_time_ms"`
}

// Run executes one dispatch cycle: fetch the snapshot, match lots to
// equipment, persist the batch atomically, and report decisions. A
// persistence failure aborts the whole batch and leaves every lot
// PENDING.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	started := time.Now()
	now := s.clock.Now()
	budgetEnd := now.Add(s.cfg.RunBudget)

	maxAssignments := s.cfg.MaxAssignments
	if opts.MaxDispatches > 0 {
		maxAssignments = opts.MaxDispatches
	}
	if opts.PriorityFilter < 0 || opts.PriorityFilter > 5 {
		return nil, resilience.Validationf("priority_filter must be in [1,5], got %d", opts.PriorityFilter)
	}

	lots, err := s.store.ListLots(ctx, store.LotFilter{
		Statuses: []store.LotStatus{store.LotPending},
		Priority: opts.PriorityFilter,
	})
	if err != nil {
		return nil, err
	}
	sortForDispatch(lots)

	equipment, err := s.store.ListEquipment(ctx, store.EquipmentFilter{
		Statuses: []store.EquipmentStatus{store.EquipmentIdle, store.EquipmentRunning},
	})
	if err != nil {
		return nil, err
	}
	depths, err := s.store.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{AlgorithmVersion: AlgorithmVersion}
	consumed := make(map[string]bool, len(equipment))
	var records []*store.DispatchRecord

	for _, lot := range lots {
		if len(result.Decisions) >= maxAssignments || s.clock.Now().After(budgetEnd) {
			result.Unassigned = append(result.Unassigned, UnassignedLot{LotID: lot.ID, LotName: lot.Name})
			continue
		}

		best, violations := s.findBestEquipment(lot, equipment, depths, consumed, now)
		if best == nil {
			result.Unassigned = append(result.Unassigned, UnassignedLot{
				LotID: lot.ID, LotName: lot.Name, Reasons: violations,
			})
			continue
		}

		consumed[best.eq.ID] = true
		decision := Decision{
			LotID:         lot.ID,
			LotName:       lot.Name,
			EquipmentID:   best.eq.ID,
			EquipmentName: best.eq.Name,
			Score:         best.score,
			Reason:        dispatchReason(lot, best.eq, best.score),
			DispatchedAt:  now,
		}
		result.Decisions = append(result.Decisions, decision)
		result.TotalScore += best.score
		records = append(records, &store.DispatchRecord{
			ID:           s.rng.UUID(),
			LotID:        lot.ID,
			EquipmentID:  best.eq.ID,
			Score:        best.score,
			Reason:       decision.Reason,
			DispatchedAt: now,
		})
	}

	if err := s.store.AssignLots(ctx, records); err != nil {
		s.logger.Error().Err(err).Int("batch", len(records)).Msg("dispatch batch aborted")
		return nil, err
	}

	result.TotalDispatched = len(result.Decisions)
	result.OptimizationTimeMS = float64(time.Since(started).Microseconds()) / 1000.0

	observability.DispatchDecisions.WithLabelValues("assigned").Add(float64(len(result.Decisions)))
	observability.DispatchDecisions.WithLabelValues("unassigned").Add(float64(len(result.Unassigned)))
	observability.DispatchRunDuration.Observe(time.Since(started).Seconds())

	for i := range result.Decisions {
		s.publish(ctx, streaming.TopicLotDispatched, &result.Decisions[i])
	}
	s.logger.Info().
		Int("dispatched", result.TotalDispatched).
		Int("unassigned", len(result.Unassigned)).
		Float64("total_score", result.TotalScore).
		Msg("dispatch run complete")
	return result, nil
}

type candidate struct {
	eq    *store.Equipment
	score float64
	depth int
}

// findBestEquipment scores every free, legal equipment for the lot and
// returns the winner, or nil with the hard-constraint violations that
// disqualified the candidates.
func (s *Scheduler) findBestEquipment(lot *store.Lot, equipment []*store.Equipment, depths map[string]int, consumed map[string]bool, now time.Time) (*candidate, []string) {
	var best *candidate
	var violations []string

	for _, eq := range equipment {
		if !eq.Status.Dispatchable() || consumed[eq.ID] {
			continue
		}
		if s.cfg.EnforceRecipeMatch && !recipeCompatible(lot.RecipeKind, eq.Kind) {
			violations = append(violations, fmt.Sprintf("recipe %s incompatible with %s", lot.RecipeKind, eq.Kind))
			continue
		}
		if s.cfg.EnforceDeadlines && lot.Deadline != nil {
			deadlineHours := lot.Deadline.Sub(now).Hours()
			estHours := float64(lot.EstimatedDurationMinutes) / 60.0
			if deadlineHours < estHours {
				violations = append(violations, fmt.Sprintf("would miss deadline by %.1fh", estHours-deadlineHours))
				continue
			}
		}

		depth := depths[eq.ID]
		score := s.score(lot, eq, depth, now)
		if best == nil || better(score, eq, depth, best) {
			best = &candidate{eq: eq, score: score, depth: depth}
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, violations
}

// better applies the tie-break chain: score, then raw efficiency, then
// IDLE before RUNNING, then lower queue depth, then equipment id.
func better(score float64, eq *store.Equipment, depth int, best *candidate) bool {
	if score != best.score {
		return score > best.score
	}
	if eq.Efficiency != best.eq.Efficiency {
		return eq.Efficiency > best.eq.Efficiency
	}
	if (eq.Status == store.EquipmentIdle) != (best.eq.Status == store.EquipmentIdle) {
		return eq.Status == store.EquipmentIdle
	}
	if depth != best.depth {
		return depth < best.depth
	}
	return eq.ID < best.eq.ID
}

// score computes S = w_p·P + w_e·E + w_d·D + w_q·Q for the pairing.
func (s *Scheduler) score(lot *store.Lot, eq *store.Equipment, depth int, now time.Time) float64 {
	p := 1.0 - float64(lot.Priority-1)/4.0
	if lot.HotLot {
		p = 1.0
	}

	e := eq.Efficiency
	if eq.Status == store.EquipmentIdle {
		e += 0.1
	}

	d := clamp01(1.0 - float64(depth)/10.0)

	q := 1.0
	if lot.Deadline != nil {
		deadlineHours := lot.Deadline.Sub(now).Hours()
		estHours := float64(lot.EstimatedDurationMinutes) / 60.0
		if deadlineHours < estHours {
			q = math.Max(0, deadlineHours/math.Max(1, estHours))
		}
	}

	w := s.cfg.Weights
	return w.Priority*p + w.Efficiency*e + w.QueueDepth*d + w.Deadline*q
}

func dispatchReason(lot *store.Lot, eq *store.Equipment, score float64) string {
	if lot.HotLot {
		return fmt.Sprintf("%s | HOT LOT | Score: %.2f | Efficiency: %.0f%%",
			reasonPrefix, score, eq.Efficiency*100)
	}
	return fmt.Sprintf("%s | Priority P%d | Score: %.2f | Efficiency: %.0f%%",
		reasonPrefix, lot.Priority, score, eq.Efficiency*100)
}

// recipeCompatible maps a lot's recipe family to acceptable equipment
// kinds. Unknown recipes run anywhere.
func recipeCompatible(recipeKind, equipmentKind string) bool {
	recipe := strings.ToLower(recipeKind)
	kind := strings.ToLower(equipmentKind)
	switch {
	case containsAny(recipe, "lithography", "euv", "duv"):
		return strings.Contains(kind, "lithography")
	case strings.Contains(recipe, "etch"):
		return strings.Contains(kind, "etching")
	case containsAny(recipe, "deposition", "cvd", "pvd"):
		return strings.Contains(kind, "deposition")
	case containsAny(recipe, "inspection", "metrology"):
		return strings.Contains(kind, "inspection")
	case strings.Contains(recipe, "clean"):
		return strings.Contains(kind, "cleaning")
	default:
		return true
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// sortForDispatch orders lots hot first, then priority ascending, then
// FIFO, with name and id as stable final tie-breaks.
func sortForDispatch(lots []*store.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if a.HotLot != b.HotLot {
			return a.HotLot
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// QueuePreview is the dispatch backlog view: counts per status plus
// the next lots in dispatch order.
type QueuePreview struct {
	Backlog  map[store.LotStatus]int `json:"backlog"`
	NextLots []*store.Lot            `json:"next_lots"`
}

// QueuePreview reports backlog counts and the next five lots the
// optimizer would consider, in dispatch order.
func (s *Scheduler) QueuePreview(ctx context.Context) (*QueuePreview, error) {
	counts, err := s.store.CountLotsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListLots(ctx, store.LotFilter{
		Statuses: []store.LotStatus{store.LotPending},
	})
	if err != nil {
		return nil, err
	}
	sortForDispatch(pending)
	if len(pending) > 5 {
		pending = pending[:5]
	}
	return &QueuePreview{Backlog: counts, NextLots: pending}, nil
}

// AlgorithmInfo describes the scoring model for operators.
type AlgorithmInfo struct {
	Version          string   `json:"version"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Weights          Weights  `json:"weights"`
	PriorityRules    []string `json:"priority_rules"`
	EquipmentRanking []string `json:"equipment_ranking"`
}

func (s *Scheduler) AlgorithmInfo() AlgorithmInfo {
	return AlgorithmInfo{
		Version:     AlgorithmVersion,
		Name:        "Constraint-Weighted Dispatch",
		Description: "Scores every feasible lot/equipment pair on priority, efficiency, queue depth and deadline slack",
		Weights:     s.cfg.Weights,
		PriorityRules: []string{
			"1. Hot lots always first",
			"2. Priority level (1=highest, 5=lowest)",
			"3. FIFO within the same priority",
		},
		EquipmentRanking: []string{
			"1. Highest weighted score",
			"2. Highest efficiency rating on ties",
			"3. IDLE status preferred",
			"4. Lowest queue depth",
		},
	}
}

func (s *Scheduler) publish(ctx context.Context, topic string, payload interface{}) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
