// Package telemetry simulates the fab's sensor plane. Each tick it
// synthesizes one temperature, vibration, pressure and power sample
// per equipment, feeds the thermal and vibration channels through the
// sentinel, and persists the reading annotated with the detection
// outcome.
package telemetry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/anomaly"
	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/streaming"
)

const (
	temperatureVariance = 5.0
	vibrationVariance   = 0.003
)

// Profile is the steady-state sensor baseline for one equipment kind.
type Profile struct {
	BaseTemperature float64
	BaseVibration   float64
}

// profileFor returns the baseline for an equipment kind. Unknown kinds
// get a generic profile.
func profileFor(kind string) Profile {
	switch kind {
	case "lithography":
		return Profile{BaseTemperature: 65.0, BaseVibration: 0.003}
	case "etching":
		return Profile{BaseTemperature: 70.0, BaseVibration: 0.008}
	case "deposition":
		return Profile{BaseTemperature: 75.0, BaseVibration: 0.006}
	case "inspection":
		return Profile{BaseTemperature: 55.0, BaseVibration: 0.002}
	case "cleaning":
		return Profile{BaseTemperature: 50.0, BaseVibration: 0.010}
	default:
		return Profile{BaseTemperature: 60.0, BaseVibration: 0.005}
	}
}

// Simulator generates sensor readings for the whole fleet on a fixed
// cadence.
type Simulator struct {
	store              store.Store
	sentinel           *anomaly.Sentinel
	stream             streaming.Publisher
	rng                *randutil.RNG
	clock              clock.Clock
	interval           time.Duration
	anomalyProbability float64
	logger             zerolog.Logger

	mu        sync.Mutex
	active    bool
	loopAlive bool
}

func New(st store.Store, sentinel *anomaly.Sentinel, pub streaming.Publisher, rng *randutil.RNG, clk clock.Clock, interval time.Duration, anomalyProbability float64) *Simulator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if anomalyProbability < 0 || anomalyProbability > 1 {
		anomalyProbability = 0.05
	}
	return &Simulator{
		store:              st,
		sentinel:           sentinel,
		stream:             pub,
		rng:                rng,
		clock:              clk,
		interval:           interval,
		anomalyProbability: anomalyProbability,
		active:             true,
		logger:             log.With().Str("component", "telemetry").Logger(),
	}
}

// Run ticks the simulator until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.mu.Lock()
	s.loopAlive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loopAlive = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.IsActive() {
				if _, err := s.TickAll(ctx); err != nil {
					s.logger.Error().Err(err).Msg("simulation tick failed")
				}
			}
		}
	}
}

// TickResult summarizes one simulation pass.
type TickResult struct {
	ReadingsGenerated int       `json:"readings_generated"`
	AnomaliesCreated  int       `json:"anomalies_created"`
	IncidentsCreated  int       `json:"incidents_created"`
	Timestamp         time.Time `json:"timestamp"`
}

// TickAll samples every equipment once. Per-equipment failures are
// logged and skipped so one flaky row never starves the rest of the
// fleet.
func (s *Simulator) TickAll(ctx context.Context) (*TickResult, error) {
	equipment, err := s.store.ListEquipment(ctx, store.EquipmentFilter{})
	if err != nil {
		return nil, err
	}

	result := &TickResult{Timestamp: s.clock.Now()}
	for _, eq := range equipment {
		reading, incidents, err := s.Observe(ctx, eq)
		if err != nil {
			s.logger.Error().Err(err).Str("equipment", eq.ID).Msg("sensor sample failed")
			continue
		}
		result.ReadingsGenerated++
		if reading.IsAnomaly {
			result.AnomaliesCreated++
		}
		result.IncidentsCreated += len(incidents)
	}
	if result.ReadingsGenerated > 0 {
		s.logger.Debug().
			Int("readings", result.ReadingsGenerated).
			Int("anomalies", result.AnomaliesCreated).
			Int("incidents", result.IncidentsCreated).
			Msg("sensor sweep complete")
	}
	return result, nil
}

// Observe synthesizes one reading for eq, runs it through the
// sentinel, and persists it. The stored reading is flagged anomalous
// when the spike was injected or the sentinel raised at least one
// incident, and its anomaly score is the largest detection |z|.
func (s *Simulator) Observe(ctx context.Context, eq *store.Equipment) (*store.SensorReading, []*store.Incident, error) {
	profile := profileFor(eq.Kind)
	baseTemp := profile.BaseTemperature
	baseVib := profile.BaseVibration
	switch eq.Status {
	case store.EquipmentRunning:
		baseTemp += 10.0
		baseVib *= 2.0
	case store.EquipmentDown:
		baseTemp -= 15.0
		baseVib *= 0.3
	}

	temperature := baseTemp + s.rng.Gauss(0, temperatureVariance)
	vibration := math.Max(0, baseVib+s.rng.Gauss(0, vibrationVariance))

	injected := s.rng.Float64() < s.anomalyProbability
	if injected {
		temperature += s.rng.FloatBetween(10, 25)
		vibration += s.rng.FloatBetween(0.02, 0.05)
	}
	pressure := 10.0 + s.rng.FloatBetween(0, 5)
	power := 1000.0 + s.rng.FloatBetween(0, 500)

	return s.record(ctx, eq.ID, temperature, vibration, pressure, power, injected)
}

// InjectAnomaly writes a deliberately hot, shaky reading for the given
// equipment so operators can exercise the incident pipeline on demand.
func (s *Simulator) InjectAnomaly(ctx context.Context, equipmentID string) (*store.SensorReading, []*store.Incident, error) {
	eq, err := s.store.GetEquipment(ctx, equipmentID)
	if err != nil {
		return nil, nil, err
	}
	if eq == nil {
		return nil, nil, resilience.NotFound("equipment", equipmentID)
	}

	temperature := s.rng.FloatBetween(90, 105)
	vibration := s.rng.FloatBetween(0.05, 0.15)
	pressure := 10.0 + s.rng.FloatBetween(0, 5)
	power := 1000.0 + s.rng.FloatBetween(0, 500)

	return s.record(ctx, eq.ID, temperature, vibration, pressure, power, true)
}

// RandomEquipmentID picks one equipment uniformly, for anomaly
// injection without an explicit target.
func (s *Simulator) RandomEquipmentID(ctx context.Context) (string, error) {
	equipment, err := s.store.ListEquipment(ctx, store.EquipmentFilter{})
	if err != nil {
		return "", err
	}
	if len(equipment) == 0 {
		return "", resilience.Validationf("no equipment available")
	}
	return equipment[s.rng.Intn(len(equipment))].ID, nil
}

func (s *Simulator) record(ctx context.Context, equipmentID string, temperature, vibration, pressure, power float64, injected bool) (*store.SensorReading, []*store.Incident, error) {
	incidents, err := s.sentinel.Analyze(ctx, equipmentID, temperature, vibration)
	if err != nil {
		return nil, nil, err
	}

	var score *float64
	for _, inc := range incidents {
		if inc.ZScore == nil {
			continue
		}
		z := math.Abs(*inc.ZScore)
		if score == nil || z > *score {
			v := z
			score = &v
		}
	}

	reading := &store.SensorReading{
		ID:           s.rng.UUID(),
		EquipmentID:  equipmentID,
		Temperature:  round(temperature, 2),
		Vibration:    round(vibration, 5),
		Pressure:     round(pressure, 2),
		Power:        round(power, 2),
		IsAnomaly:    injected || len(incidents) > 0,
		AnomalyScore: score,
		RecordedAt:   s.clock.Now(),
	}
	if err := s.store.CreateSensorReading(ctx, reading); err != nil {
		return nil, incidents, err
	}

	if reading.IsAnomaly {
		observability.SensorReadings.WithLabelValues("true").Inc()
	} else {
		observability.SensorReadings.WithLabelValues("false").Inc()
	}
	s.publish(ctx, streaming.TopicSensorReading, reading)
	return reading, incidents, nil
}

// Start resumes the autonomous sweep after a Stop.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
}

// Stop pauses the autonomous sweep. Manual ticks still work.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

func (s *Simulator) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status is the simulator admin view.
type Status struct {
	Running         bool    `json:"running"`
	IntervalSeconds int     `json:"interval_seconds"`
	AnomalyChance   float64 `json:"anomaly_chance"`
}

func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:         s.loopAlive && s.active,
		IntervalSeconds: int(s.interval / time.Second),
		AnomalyChance:   s.anomalyProbability,
	}
}

func (s *Simulator) publish(ctx context.Context, topic string, payload interface{}) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
