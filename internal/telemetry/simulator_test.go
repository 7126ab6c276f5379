package telemetry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/AngelP17/YieldOps/internal/anomaly"
	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
)

var simBase = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newTestSimulator(seed int64, anomalyProbability float64) (*Simulator, *store.MemoryStore, *recordingPublisher, *clock.Fake) {
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	clk := clock.NewFake(simBase)
	rng := randutil.New(seed)
	sentinel := anomaly.NewSentinel(st, pub, rng, clk)
	sim := New(st, sentinel, pub, rng, clk, 30*time.Second, anomalyProbability)
	return sim, st, pub, clk
}

func simEquipment(t *testing.T, st *store.MemoryStore, id, kind string, status store.EquipmentStatus) *store.Equipment {
	t.Helper()
	eq := &store.Equipment{
		ID: id, Name: "EQ-" + id, Kind: kind, Status: status,
		Zone: "FAB1-A", Efficiency: 0.9, CreatedAt: simBase, UpdatedAt: simBase,
	}
	if err := st.CreateEquipment(context.Background(), eq); err != nil {
		t.Fatalf("CreateEquipment(%s): %v", id, err)
	}
	return eq
}

func TestProfileFor(t *testing.T) {
	cases := []struct {
		kind     string
		baseTemp float64
		baseVib  float64
	}{
		{"lithography", 65.0, 0.003},
		{"etching", 70.0, 0.008},
		{"deposition", 75.0, 0.006},
		{"inspection", 55.0, 0.002},
		{"cleaning", 50.0, 0.010},
		{"packaging", 60.0, 0.005},
	}
	for _, tc := range cases {
		p := profileFor(tc.kind)
		if p.BaseTemperature != tc.baseTemp || p.BaseVibration != tc.baseVib {
			t.Errorf("profileFor(%s): expected (%v, %v), got (%v, %v)",
				tc.kind, tc.baseTemp, tc.baseVib, p.BaseTemperature, p.BaseVibration)
		}
	}
}

func TestObservePersistsReading(t *testing.T) {
	sim, st, pub, _ := newTestSimulator(42, 0)
	ctx := context.Background()
	eq := simEquipment(t, st, "eq-1", "lithography", store.EquipmentIdle)

	reading, incidents, err := sim.Observe(ctx, eq)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if reading.EquipmentID != "eq-1" {
		t.Errorf("expected reading for eq-1, got %s", reading.EquipmentID)
	}
	if !reading.RecordedAt.Equal(simBase) {
		t.Errorf("expected reading stamped with the clock time, got %v", reading.RecordedAt)
	}
	// One sample is far below the detector's baseline requirement and
	// injection is disabled, so the reading must come back clean.
	if reading.IsAnomaly || reading.AnomalyScore != nil || len(incidents) != 0 {
		t.Errorf("expected a clean reading, got anomaly=%v score=%v incidents=%d",
			reading.IsAnomaly, reading.AnomalyScore, len(incidents))
	}
	if reading.Pressure < 10.0 || reading.Pressure > 15.0 {
		t.Errorf("expected pressure in [10,15], got %v", reading.Pressure)
	}
	if reading.Power < 1000.0 || reading.Power > 1500.0 {
		t.Errorf("expected power in [1000,1500], got %v", reading.Power)
	}
	if reading.Vibration < 0 {
		t.Errorf("expected non-negative vibration, got %v", reading.Vibration)
	}

	stored, err := st.ListSensorReadings(ctx, "eq-1", store.ReadingFilter{})
	if err != nil {
		t.Fatalf("ListSensorReadings: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored reading, got %d", len(stored))
	}

	found := false
	for _, topic := range pub.topics {
		if topic == "sensor.reading" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected sensor.reading published, got %v", pub.topics)
	}
}

func TestObserveStatusAdjustments(t *testing.T) {
	// Three simulators share a seed, so the noise draws line up and the
	// only difference between readings is the status adjustment.
	sample := func(status store.EquipmentStatus) *store.SensorReading {
		sim, st, _, _ := newTestSimulator(42, 0)
		eq := simEquipment(t, st, "eq-1", "lithography", status)
		reading, _, err := sim.Observe(context.Background(), eq)
		if err != nil {
			t.Fatalf("Observe(%s): %v", status, err)
		}
		return reading
	}

	idle := sample(store.EquipmentIdle)
	running := sample(store.EquipmentRunning)
	down := sample(store.EquipmentDown)

	if diff := running.Temperature - idle.Temperature; math.Abs(diff-10.0) > 0.02 {
		t.Errorf("expected +10 degrees while running, got %+.2f", diff)
	}
	if diff := idle.Temperature - down.Temperature; math.Abs(diff-15.0) > 0.02 {
		t.Errorf("expected -15 degrees while down, got %+.2f", -diff)
	}
	if running.Vibration <= idle.Vibration {
		t.Errorf("expected more vibration while running, got %v vs %v", running.Vibration, idle.Vibration)
	}
}

func TestInjectAnomaly(t *testing.T) {
	sim, st, _, clk := newTestSimulator(42, 0)
	ctx := context.Background()
	eq := simEquipment(t, st, "eq-1", "lithography", store.EquipmentIdle)

	t.Run("unknown equipment", func(t *testing.T) {
		_, _, err := sim.InjectAnomaly(ctx, "no-such-eq")
		if !resilience.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("without baseline", func(t *testing.T) {
		reading, incidents, err := sim.InjectAnomaly(ctx, "eq-1")
		if err != nil {
			t.Fatalf("InjectAnomaly: %v", err)
		}
		if reading.Temperature < 90.0 || reading.Temperature > 105.0 {
			t.Errorf("expected injected temperature in [90,105], got %v", reading.Temperature)
		}
		if reading.Vibration < 0.05 || reading.Vibration > 0.15 {
			t.Errorf("expected injected vibration in [0.05,0.15], got %v", reading.Vibration)
		}
		// The spike is flagged even though the detector is still
		// warming up.
		if !reading.IsAnomaly {
			t.Error("expected injected reading flagged anomalous")
		}
		if len(incidents) != 0 {
			t.Errorf("expected no incidents before the baseline exists, got %d", len(incidents))
		}
	})

	t.Run("with baseline", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			clk.Advance(time.Minute)
			if _, _, err := sim.Observe(ctx, eq); err != nil {
				t.Fatalf("warmup observe %d: %v", i, err)
			}
		}
		clk.Advance(time.Minute)

		reading, incidents, err := sim.InjectAnomaly(ctx, "eq-1")
		if err != nil {
			t.Fatalf("InjectAnomaly: %v", err)
		}
		// Both channels clear their absolute warning thresholds, so
		// the sentinel must raise one incident per metric.
		if len(incidents) != 2 {
			t.Fatalf("expected 2 incidents, got %d", len(incidents))
		}
		if !reading.IsAnomaly {
			t.Error("expected reading flagged anomalous")
		}
		if reading.AnomalyScore == nil || *reading.AnomalyScore <= 0 {
			t.Errorf("expected a positive anomaly score, got %v", reading.AnomalyScore)
		}
	})
}

func TestTickAllSweepsFleet(t *testing.T) {
	sim, st, _, _ := newTestSimulator(42, 0)
	ctx := context.Background()

	simEquipment(t, st, "eq-1", "lithography", store.EquipmentIdle)
	simEquipment(t, st, "eq-2", "etching", store.EquipmentRunning)
	simEquipment(t, st, "eq-3", "deposition", store.EquipmentDown)

	res, err := sim.TickAll(ctx)
	if err != nil {
		t.Fatalf("TickAll: %v", err)
	}
	if res.ReadingsGenerated != 3 {
		t.Errorf("expected 3 readings, got %d", res.ReadingsGenerated)
	}
	if res.AnomaliesCreated != 0 || res.IncidentsCreated != 0 {
		t.Errorf("expected a quiet first sweep, got %+v", res)
	}
	if !res.Timestamp.Equal(simBase) {
		t.Errorf("expected sweep stamped with the clock time, got %v", res.Timestamp)
	}

	readings, _ := st.ListSensorReadings(ctx, "", store.ReadingFilter{})
	if len(readings) != 3 {
		t.Errorf("expected 3 stored readings, got %d", len(readings))
	}
}

func TestRandomEquipmentID(t *testing.T) {
	sim, st, _, _ := newTestSimulator(42, 0)
	ctx := context.Background()

	if _, err := sim.RandomEquipmentID(ctx); !resilience.IsValidation(err) {
		t.Errorf("expected validation error with no fleet, got %v", err)
	}

	simEquipment(t, st, "eq-1", "lithography", store.EquipmentIdle)
	simEquipment(t, st, "eq-2", "etching", store.EquipmentIdle)

	id, err := sim.RandomEquipmentID(ctx)
	if err != nil {
		t.Fatalf("RandomEquipmentID: %v", err)
	}
	if id != "eq-1" && id != "eq-2" {
		t.Errorf("expected a fleet member, got %q", id)
	}
}

func TestSimulatorGateAndStatus(t *testing.T) {
	sim, _, _, _ := newTestSimulator(42, 0.25)

	if !sim.IsActive() {
		t.Fatal("expected simulator active by default")
	}
	sim.Stop()
	if sim.IsActive() {
		t.Error("expected simulator inactive after Stop")
	}
	sim.Start()
	if !sim.IsActive() {
		t.Error("expected simulator active after Start")
	}

	status := sim.Status()
	if status.Running {
		t.Error("expected Running false without the loop")
	}
	if status.IntervalSeconds != 30 {
		t.Errorf("expected 30s interval, got %d", status.IntervalSeconds)
	}
	if status.AnomalyChance != 0.25 {
		t.Errorf("expected anomaly chance 0.25, got %v", status.AnomalyChance)
	}
}
