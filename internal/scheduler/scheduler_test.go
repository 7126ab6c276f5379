package scheduler

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
)

var schedBase = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newTestScheduler(cfg Config) (*Scheduler, *store.MemoryStore, *recordingPublisher) {
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	clk := clock.NewFake(schedBase)
	return New(st, pub, randutil.New(17), clk, cfg), st, pub
}

func addLot(t *testing.T, st *store.MemoryStore, id string, priority int, hot bool, createdAt time.Time) {
	t.Helper()
	p := priority
	if hot {
		p = 1
	}
	lot := &store.Lot{
		ID: id, Name: "LOT-" + id, WaferCount: 25, Priority: p, HotLot: hot,
		RecipeKind: "N5-STD", Status: store.LotPending,
		EstimatedDurationMinutes: 60, CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	if err := st.CreateLot(context.Background(), lot); err != nil {
		t.Fatalf("CreateLot(%s): %v", id, err)
	}
}

func addEquipment(t *testing.T, st *store.MemoryStore, id, kind string, efficiency float64) {
	t.Helper()
	eq := &store.Equipment{
		ID: id, Name: "EQ-" + id, Kind: kind, Status: store.EquipmentIdle,
		Zone: "FAB1-A", Efficiency: efficiency, CreatedAt: schedBase, UpdatedAt: schedBase,
	}
	if err := st.CreateEquipment(context.Background(), eq); err != nil {
		t.Fatalf("CreateEquipment(%s): %v", id, err)
	}
}

func TestNewWeights(t *testing.T) {
	w, err := NewWeights(2, 2, 0, 0)
	if err != nil {
		t.Fatalf("NewWeights: %v", err)
	}
	if w.Priority != 0.5 || w.Efficiency != 0.5 || w.QueueDepth != 0 || w.Deadline != 0 {
		t.Errorf("expected normalized (0.5, 0.5, 0, 0), got %+v", w)
	}

	if _, err := NewWeights(-0.1, 0.5, 0.3, 0.3); !resilience.IsValidation(err) {
		t.Errorf("expected validation error for negative weight, got %v", err)
	}
	if _, err := NewWeights(0, 0, 0, 0); !resilience.IsValidation(err) {
		t.Errorf("expected validation error for zero weights, got %v", err)
	}
}

func TestHotLotsDispatchFirst(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	// The standard lot is older, but the hot lot still wins the only
	// machine.
	addLot(t, st, "std", 1, false, schedBase.Add(-time.Hour))
	addLot(t, st, "hot", 1, true, schedBase)
	addEquipment(t, st, "eq-1", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].LotID != "hot" {
		t.Fatalf("expected the hot lot dispatched, got %+v", res.Decisions)
	}
	if !strings.Contains(res.Decisions[0].Reason, "HOT LOT") {
		t.Errorf("expected HOT LOT in reason, got %q", res.Decisions[0].Reason)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].LotID != "std" {
		t.Errorf("expected the standard lot outbid, got %+v", res.Unassigned)
	}
	if len(res.Unassigned[0].Reasons) != 0 {
		t.Errorf("expected no violations for an outbid lot, got %v", res.Unassigned[0].Reasons)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	addLot(t, st, "p3", 3, false, schedBase.Add(-2*time.Hour))
	addLot(t, st, "p1-late", 1, false, schedBase.Add(-time.Hour))
	addLot(t, st, "p1-early", 1, false, schedBase.Add(-3*time.Hour))
	addEquipment(t, st, "eq-1", "deposition", 0.9)
	addEquipment(t, st, "eq-2", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 2 {
		t.Fatalf("expected 2 decisions for 2 machines, got %d", len(res.Decisions))
	}
	if res.Decisions[0].LotID != "p1-early" {
		t.Errorf("expected the older P1 lot first, got %s", res.Decisions[0].LotID)
	}
	if res.Decisions[1].LotID != "p1-late" {
		t.Errorf("expected the younger P1 lot second, got %s", res.Decisions[1].LotID)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].LotID != "p3" {
		t.Errorf("expected the P3 lot left over, got %+v", res.Unassigned)
	}
}

func TestRecipeConstraint(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	lot := &store.Lot{
		ID: "etch-lot", Name: "LOT-ETCH", WaferCount: 25, Priority: 1,
		RecipeKind: "ETCH-DEEP", Status: store.LotPending,
		EstimatedDurationMinutes: 60, CreatedAt: schedBase, UpdatedAt: schedBase,
	}
	if err := st.CreateLot(ctx, lot); err != nil {
		t.Fatalf("CreateLot: %v", err)
	}
	addEquipment(t, st, "eq-litho", "lithography", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 0 {
		t.Fatalf("expected no dispatch across recipe families, got %+v", res.Decisions)
	}
	if len(res.Unassigned) != 1 || len(res.Unassigned[0].Reasons) == 0 {
		t.Fatalf("expected a recipe violation recorded, got %+v", res.Unassigned)
	}
	if !strings.Contains(res.Unassigned[0].Reasons[0], "incompatible") {
		t.Errorf("expected incompatibility reason, got %q", res.Unassigned[0].Reasons[0])
	}

	// The matching machine clears the constraint.
	addEquipment(t, st, "eq-etch", "etching", 0.8)
	res, err = s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].EquipmentID != "eq-etch" {
		t.Errorf("expected dispatch to the etcher, got %+v", res.Decisions)
	}
}

func TestRecipeEnforcementToggle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceRecipeMatch = false
	s, st, _ := newTestScheduler(cfg)
	ctx := context.Background()

	lot := &store.Lot{
		ID: "etch-lot", Name: "LOT-ETCH", WaferCount: 25, Priority: 1,
		RecipeKind: "ETCH-DEEP", Status: store.LotPending,
		EstimatedDurationMinutes: 60, CreatedAt: schedBase, UpdatedAt: schedBase,
	}
	if err := st.CreateLot(ctx, lot); err != nil {
		t.Fatalf("CreateLot: %v", err)
	}
	addEquipment(t, st, "eq-litho", "lithography", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 {
		t.Errorf("expected dispatch with matching disabled, got %+v", res.Unassigned)
	}
}

func TestDeadlineEnforcement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceDeadlines = true
	s, st, _ := newTestScheduler(cfg)
	ctx := context.Background()

	deadline := schedBase.Add(30 * time.Minute)
	lot := &store.Lot{
		ID: "late-lot", Name: "LOT-LATE", WaferCount: 25, Priority: 1,
		RecipeKind: "N5-STD", Status: store.LotPending, Deadline: &deadline,
		EstimatedDurationMinutes: 120, CreatedAt: schedBase, UpdatedAt: schedBase,
	}
	if err := st.CreateLot(ctx, lot); err != nil {
		t.Fatalf("CreateLot: %v", err)
	}
	addEquipment(t, st, "eq-1", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 0 {
		t.Fatalf("expected infeasible lot withheld, got %+v", res.Decisions)
	}
	if len(res.Unassigned) != 1 || len(res.Unassigned[0].Reasons) == 0 ||
		!strings.Contains(res.Unassigned[0].Reasons[0], "deadline") {
		t.Errorf("expected deadline violation, got %+v", res.Unassigned)
	}
}

func TestMaxDispatchesCap(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		addLot(t, st, id, 2, false, schedBase.Add(time.Duration(i)*time.Minute))
		addEquipment(t, st, "eq-"+id, "deposition", 0.9)
	}

	res, err := s.Run(ctx, RunOptions{MaxDispatches: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalDispatched != 1 {
		t.Errorf("expected 1 dispatch under the cap, got %d", res.TotalDispatched)
	}
	if len(res.Unassigned) != 2 {
		t.Errorf("expected 2 lots deferred, got %d", len(res.Unassigned))
	}
}

func TestPriorityFilter(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	addLot(t, st, "p1", 1, false, schedBase)
	addLot(t, st, "p2", 2, false, schedBase)
	addEquipment(t, st, "eq-1", "deposition", 0.9)
	addEquipment(t, st, "eq-2", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{PriorityFilter: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].LotID != "p2" {
		t.Errorf("expected only the P2 lot considered, got %+v", res.Decisions)
	}

	if _, err := s.Run(ctx, RunOptions{PriorityFilter: 7}); !resilience.IsValidation(err) {
		t.Errorf("expected validation error for filter 7, got %v", err)
	}
}

func TestEfficiencyWinsTheMachine(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	addLot(t, st, "lot", 1, false, schedBase)
	addEquipment(t, st, "eq-slow", "deposition", 0.60)
	addEquipment(t, st, "eq-fast", "deposition", 0.95)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].EquipmentID != "eq-fast" {
		t.Errorf("expected the efficient machine chosen, got %+v", res.Decisions)
	}
}

func TestEqualCandidatesBreakTiesByID(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	addLot(t, st, "lot", 1, false, schedBase)
	addEquipment(t, st, "eq-b", "deposition", 0.9)
	addEquipment(t, st, "eq-a", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 || res.Decisions[0].EquipmentID != "eq-a" {
		t.Errorf("expected the lexically first machine on a perfect tie, got %+v", res.Decisions)
	}
}

func TestRunPersistsBatch(t *testing.T) {
	s, st, pub := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	addLot(t, st, "lot", 1, false, schedBase)
	addEquipment(t, st, "eq-1", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AlgorithmVersion != AlgorithmVersion {
		t.Errorf("expected algorithm version %s, got %s", AlgorithmVersion, res.AlgorithmVersion)
	}

	lot, _ := st.GetLot(ctx, "lot")
	if lot.Status != store.LotQueued || lot.AssignedEquipmentID == nil || *lot.AssignedEquipmentID != "eq-1" {
		t.Errorf("expected lot QUEUED on eq-1, got %s %v", lot.Status, lot.AssignedEquipmentID)
	}

	recs, _ := st.ListDispatchRecords(ctx, 0)
	if len(recs) != 1 || recs[0].LotID != "lot" {
		t.Fatalf("expected 1 dispatch record, got %d", len(recs))
	}
	if recs[0].Score != res.Decisions[0].Score {
		t.Errorf("expected record score %v, got %v", res.Decisions[0].Score, recs[0].Score)
	}

	found := false
	for _, topic := range pub.topics {
		if topic == "lot.dispatched" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected lot.dispatched published, got %v", pub.topics)
	}
}

func TestScoreComposition(t *testing.T) {
	// A hot lot on an idle, empty 0.9-efficiency machine with no
	// deadline pressure scores the full convex sum: every term is 1.
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	addLot(t, st, "hot", 1, true, schedBase)
	addEquipment(t, st, "eq-1", "deposition", 0.9)

	res, err := s.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(res.Decisions))
	}
	if math.Abs(res.Decisions[0].Score-1.0) > 1e-9 {
		t.Errorf("expected score 1.0, got %v", res.Decisions[0].Score)
	}
	if math.Abs(res.TotalScore-1.0) > 1e-9 {
		t.Errorf("expected total score 1.0, got %v", res.TotalScore)
	}
}

func TestFixedSeedReproducesRun(t *testing.T) {
	run := func() *Result {
		s, st, _ := newTestScheduler(DefaultConfig())
		for i, id := range []string{"a", "b", "c", "d"} {
			addLot(t, st, id, 1+i%3, false, schedBase.Add(time.Duration(i)*time.Minute))
		}
		addEquipment(t, st, "eq-1", "deposition", 0.9)
		addEquipment(t, st, "eq-2", "deposition", 0.8)

		res, err := s.Run(context.Background(), RunOptions{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}

	a, b := run(), run()
	if len(a.Decisions) != len(b.Decisions) {
		t.Fatalf("expected equal decision counts, got %d and %d", len(a.Decisions), len(b.Decisions))
	}
	for i := range a.Decisions {
		if a.Decisions[i].LotID != b.Decisions[i].LotID ||
			a.Decisions[i].EquipmentID != b.Decisions[i].EquipmentID ||
			a.Decisions[i].Score != b.Decisions[i].Score {
			t.Errorf("decision %d diverged: %+v vs %+v", i, a.Decisions[i], b.Decisions[i])
		}
	}
}

func TestQueuePreview(t *testing.T) {
	s, st, _ := newTestScheduler(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		addLot(t, st, string(rune('a'+i)), 3, false, schedBase.Add(time.Duration(i)*time.Minute))
	}
	addLot(t, st, "hot", 1, true, schedBase.Add(time.Hour))

	pv, err := s.QueuePreview(ctx)
	if err != nil {
		t.Fatalf("QueuePreview: %v", err)
	}
	if pv.Backlog[store.LotPending] != 8 {
		t.Errorf("expected 8 pending, got %d", pv.Backlog[store.LotPending])
	}
	if len(pv.NextLots) != 5 {
		t.Fatalf("expected preview capped at 5, got %d", len(pv.NextLots))
	}
	if pv.NextLots[0].ID != "hot" {
		t.Errorf("expected the hot lot first in preview, got %s", pv.NextLots[0].ID)
	}
}

func TestAlgorithmInfoReportsWeights(t *testing.T) {
	cfg := DefaultConfig()
	w, err := NewWeights(1, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewWeights: %v", err)
	}
	cfg.Weights = w
	s, _, _ := newTestScheduler(cfg)

	info := s.AlgorithmInfo()
	if info.Version != AlgorithmVersion {
		t.Errorf("expected version %s, got %s", AlgorithmVersion, info.Version)
	}
	if info.Weights.Priority != 1 {
		t.Errorf("expected configured weights surfaced, got %+v", info.Weights)
	}
	if len(info.PriorityRules) == 0 || len(info.EquipmentRanking) == 0 {
		t.Error("expected rule descriptions present")
	}
}
