package generator

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
)

var genBase = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func newTestGenerator(seed int64, cfg Config) (*Generator, *store.MemoryStore, *clock.Fake) {
	st := store.NewMemoryStore()
	clk := clock.NewFake(genBase)
	return New(st, nil, randutil.New(seed), clk, cfg), st, clk
}

func seedPendingLots(t *testing.T, st *store.MemoryStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		lot := &store.Lot{
			ID:                       "seed-" + string(rune('a'+i)),
			Name:                     "SEED-" + string(rune('A'+i)),
			WaferCount:               25,
			Priority:                 3,
			RecipeKind:               "N5-STD",
			Status:                   store.LotPending,
			EstimatedDurationMinutes: 60,
			CreatedAt:                genBase,
			UpdatedAt:                genBase,
		}
		if err := st.CreateLot(context.Background(), lot); err != nil {
			t.Fatalf("seed lot %d: %v", i, err)
		}
	}
}

func TestGenerateLotShape(t *testing.T) {
	g, st, _ := newTestGenerator(42, DefaultConfig())
	ctx := context.Background()

	lot, err := g.GenerateLot(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("GenerateLot: %v", err)
	}

	nameRe := regexp.MustCompile(`^(?:HOT-)?AUTO-2026-\d{4}$`)
	if !nameRe.MatchString(lot.Name) {
		t.Errorf("unexpected lot name %q", lot.Name)
	}
	if lot.Priority < 1 || lot.Priority > 5 {
		t.Errorf("priority %d out of range", lot.Priority)
	}
	if lot.HotLot && lot.Priority != 1 {
		t.Errorf("hot lot with priority %d", lot.Priority)
	}
	if lot.WaferCount < 1 {
		t.Errorf("wafer count %d invalid", lot.WaferCount)
	}
	if lot.EstimatedDurationMinutes < 60 || lot.EstimatedDurationMinutes > 660 {
		t.Errorf("estimated duration %d outside [60,660]", lot.EstimatedDurationMinutes)
	}
	if lot.Deadline == nil || !lot.Deadline.After(genBase) {
		t.Errorf("expected future deadline, got %v", lot.Deadline)
	}
	if lot.Status != store.LotPending {
		t.Errorf("expected PENDING, got %s", lot.Status)
	}

	kinds := make(map[string]bool)
	for _, k := range DefaultRecipeKinds() {
		kinds[k] = true
	}
	if !kinds[lot.RecipeKind] {
		t.Errorf("recipe %q not in the configured set", lot.RecipeKind)
	}

	stored, _ := st.GetLot(ctx, lot.ID)
	if stored == nil {
		t.Fatal("expected lot persisted")
	}

	entries, err := st.ListGenerationLog(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListGenerationLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LotID != lot.ID || e.Reason != ReasonAutonomous || e.TriggeredBy != TriggerManual {
		t.Errorf("unexpected audit entry %+v", e)
	}
	if e.Config.HotLotProbability != DefaultConfig().HotLotProbability {
		t.Errorf("expected config snapshot in audit entry, got %+v", e.Config)
	}
}

func TestHotLotDraw(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HotLotProbability = 1.0
	g, _, _ := newTestGenerator(1, cfg)

	lot, err := g.GenerateLot(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("GenerateLot: %v", err)
	}
	if !lot.HotLot || lot.Priority != 1 {
		t.Errorf("expected hot priority-1 lot, got hot=%v priority=%d", lot.HotLot, lot.Priority)
	}
	if lot.WaferCount != 25 {
		t.Errorf("expected compact 25-wafer hot lot, got %d", lot.WaferCount)
	}
	if !strings.HasPrefix(lot.Name, "HOT-AUTO-") {
		t.Errorf("expected HOT-AUTO prefix, got %q", lot.Name)
	}
}

func TestNextLotNameFillsGaps(t *testing.T) {
	g, st, _ := newTestGenerator(3, DefaultConfig())
	ctx := context.Background()

	taken := func(id, name string, at time.Time) {
		t.Helper()
		lot := &store.Lot{
			ID: id, Name: name, WaferCount: 10, Priority: 2, RecipeKind: "N5-STD",
			Status: store.LotPending, EstimatedDurationMinutes: 30, CreatedAt: at, UpdatedAt: at,
		}
		if err := st.CreateLot(ctx, lot); err != nil {
			t.Fatalf("CreateLot(%s): %v", name, err)
		}
	}
	// 1001 and 1003 are taken today; hot and plain names share one
	// sequence space. Yesterday's 1002 does not block today's.
	taken("t-1", "AUTO-2026-1001", genBase)
	taken("t-2", "HOT-AUTO-2026-1003", genBase)
	taken("t-3", "AUTO-2026-1002", genBase.Add(-24*time.Hour))

	name, err := g.nextLotName(ctx, false, genBase)
	if err != nil {
		t.Fatalf("nextLotName: %v", err)
	}
	if name != "AUTO-2026-1002" {
		t.Errorf("expected the gap at 1002, got %q", name)
	}
}

func TestGeneratedNamesNeverCollide(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinLots = 8
	cfg.BatchSize = 8
	g, st, _ := newTestGenerator(11, cfg)
	ctx := context.Background()

	n, err := g.GenerateIfNeeded(ctx, 8)
	if err != nil {
		t.Fatalf("GenerateIfNeeded: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 lots, got %d", n)
	}

	lots, _ := st.ListLots(ctx, store.LotFilter{})
	seen := make(map[string]bool)
	for _, lot := range lots {
		if seen[lot.Name] {
			t.Errorf("duplicate lot name %q", lot.Name)
		}
		seen[lot.Name] = true
	}
}

func TestGenerateIfNeeded(t *testing.T) {
	t.Run("tops up to the floor", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinLots = 5
		g, st, _ := newTestGenerator(2, cfg)
		seedPendingLots(t, st, 3)

		n, err := g.GenerateIfNeeded(context.Background(), 10)
		if err != nil {
			t.Fatalf("GenerateIfNeeded: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 lots to reach the floor, got %d", n)
		}
	})

	t.Run("batch size bounds one tick", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinLots = 20
		g, _, _ := newTestGenerator(2, cfg)

		n, err := g.GenerateIfNeeded(context.Background(), 3)
		if err != nil {
			t.Fatalf("GenerateIfNeeded: %v", err)
		}
		if n != 3 {
			t.Errorf("expected batch of 3, got %d", n)
		}
	})

	t.Run("idle above the floor", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinLots = 3
		g, st, _ := newTestGenerator(2, cfg)
		seedPendingLots(t, st, 3)

		n, err := g.GenerateIfNeeded(context.Background(), 10)
		if err != nil {
			t.Fatalf("GenerateIfNeeded: %v", err)
		}
		if n != 0 {
			t.Errorf("expected no generation at the floor, got %d", n)
		}
	})

	t.Run("ceiling caps the batch", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinLots = 10
		cfg.MaxLots = 4
		g, _, _ := newTestGenerator(2, cfg)

		n, err := g.GenerateIfNeeded(context.Background(), 20)
		if err != nil {
			t.Fatalf("GenerateIfNeeded: %v", err)
		}
		if n != 4 {
			t.Errorf("expected ceiling of 4, got %d", n)
		}
	})

	t.Run("terminal lots never count", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinLots = 2
		g, st, _ := newTestGenerator(2, cfg)
		ctx := context.Background()

		seedPendingLots(t, st, 2)
		if _, err := st.CancelLot(ctx, "seed-a", genBase); err != nil {
			t.Fatalf("CancelLot: %v", err)
		}

		n, err := g.GenerateIfNeeded(ctx, 10)
		if err != nil {
			t.Fatalf("GenerateIfNeeded: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 replacement for the cancelled lot, got %d", n)
		}
	})
}

func TestConfigOverlay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinLots = 7
	g, _, _ := newTestGenerator(5, cfg)
	ctx := context.Background()

	// No persisted row yet: boot config rules.
	eff := g.EffectiveConfig(ctx)
	if eff.MinLots != 7 {
		t.Fatalf("expected boot MinLots 7, got %d", eff.MinLots)
	}

	saved := eff
	saved.MinLots = 9
	saved.RecipeKinds = []string{"N5-STD", "FPGA"}
	if err := g.SaveConfig(ctx, saved); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	eff = g.EffectiveConfig(ctx)
	if eff.MinLots != 9 {
		t.Errorf("expected persisted MinLots 9, got %d", eff.MinLots)
	}
	if len(eff.RecipeKinds) != 2 || eff.RecipeKinds[1] != "FPGA" {
		t.Errorf("expected persisted recipe kinds, got %v", eff.RecipeKinds)
	}

	// Rows saved without recipe kinds keep the boot set.
	saved.RecipeKinds = nil
	if err := g.SaveConfig(ctx, saved); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	eff = g.EffectiveConfig(ctx)
	if len(eff.RecipeKinds) != len(DefaultRecipeKinds()) {
		t.Errorf("expected boot recipe kinds to survive, got %v", eff.RecipeKinds)
	}
}

func TestSetEnabledPersists(t *testing.T) {
	g, st, _ := newTestGenerator(5, DefaultConfig())
	ctx := context.Background()

	if err := g.SetEnabled(ctx, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	row, err := st.GetGeneratorConfig(ctx)
	if err != nil {
		t.Fatalf("GetGeneratorConfig: %v", err)
	}
	if row == nil || row.Enabled {
		t.Errorf("expected persisted Enabled=false, got %+v", row)
	}
	if g.EffectiveConfig(ctx).Enabled {
		t.Error("expected effective config disabled")
	}
}

func TestSaveConfigValidation(t *testing.T) {
	g, _, _ := newTestGenerator(5, DefaultConfig())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.IntervalSeconds = 0 }},
		{"max below min", func(c *Config) { c.MinLots = 10; c.MaxLots = 5 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"probability above one", func(c *Config) { c.HotLotProbability = 1.5 }},
		{"distribution key out of range", func(c *Config) { c.PriorityDistribution = map[int]float64{6: 1} }},
		{"negative distribution weight", func(c *Config) { c.PriorityDistribution = map[int]float64{3: -0.5} }},
		{"negative customer weight", func(c *Config) { c.CustomerWeights = map[string]float64{"ACME": -1} }},
		{"empty recipe kind", func(c *Config) { c.RecipeKinds = []string{"N5-STD", ""} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := g.SaveConfig(ctx, cfg); !resilience.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestStatusTracksGeneration(t *testing.T) {
	g, _, clk := newTestGenerator(5, DefaultConfig())
	ctx := context.Background()

	st0 := g.Status(ctx)
	if st0.Running {
		t.Error("expected not running before the loop starts")
	}
	if st0.TotalGenerated != 0 || st0.LastGeneration != nil {
		t.Errorf("expected pristine counters, got %+v", st0)
	}

	clk.Advance(time.Hour)
	if _, err := g.GenerateLot(ctx, TriggerManual); err != nil {
		t.Fatalf("GenerateLot: %v", err)
	}

	st1 := g.Status(ctx)
	if st1.TotalGenerated != 1 {
		t.Errorf("expected 1 generated, got %d", st1.TotalGenerated)
	}
	if st1.LastGeneration == nil || !st1.LastGeneration.Equal(genBase.Add(time.Hour)) {
		t.Errorf("expected last generation stamped, got %v", st1.LastGeneration)
	}

	g.Stop()
	if g.IsActive() {
		t.Error("expected inactive after Stop")
	}
	g.Start()
	if !g.IsActive() {
		t.Error("expected active after Start")
	}
}

func TestFixedSeedReproducesDraws(t *testing.T) {
	mk := func() []*store.Lot {
		cfg := DefaultConfig()
		cfg.MinLots = 6
		g, st, _ := newTestGenerator(99, cfg)
		if _, err := g.GenerateIfNeeded(context.Background(), 6); err != nil {
			t.Fatalf("GenerateIfNeeded: %v", err)
		}
		lots, _ := st.ListLots(context.Background(), store.LotFilter{})
		return lots
	}

	a, b := mk(), mk()
	if len(a) != len(b) {
		t.Fatalf("expected equal batch sizes, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name ||
			a[i].Priority != b[i].Priority || a[i].CustomerTag != b[i].CustomerTag ||
			a[i].RecipeKind != b[i].RecipeKind || a[i].WaferCount != b[i].WaferCount {
			t.Errorf("draw %d diverged: %+v vs %+v", i, a[i], b[i])
		}
	}
}
