package anomaly

import (
	"context"
	"math"
	"sort"
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

// Sentinel runs detections, persists the resulting incidents with the
// safety-circuit decision attached, and serves the aggregate safety
// views.
type Sentinel struct {
	detector *Detector
	store    store.Store
	stream   streaming.Publisher
	rng      *randutil.RNG
	clock    clock.Clock
	logger   zerolog.Logger
}

func NewSentinel(st store.Store, pub streaming.Publisher, rng *randutil.RNG, clk clock.Clock) *Sentinel {
	return &Sentinel{
		detector: NewDetector(DefaultWindowSize),
		store:    st,
		stream:   pub,
		rng:      rng,
		clock:    clk,
		logger:   log.With().Str("component", "sentinel").Logger(),
	}
}

// Detector exposes the underlying detector for callers that classify
// without persisting.
func (s *Sentinel) Detector() *Detector { return s.detector }

// Analyze feeds one temperature and one vibration sample for the
// equipment through the detector and persists an incident per
// detection. Returns the incidents created. A persistence failure
// stops the batch and surfaces the error; detection itself never
// fails.
func (s *Sentinel) Analyze(ctx context.Context, equipmentID string, temperature, vibration float64) ([]*store.Incident, error) {
	now := s.clock.Now()

	var detections []*Detection
	if det := s.detector.Observe(equipmentID, MetricTemperature, temperature, now); det != nil {
		detections = append(detections, det)
	}
	if det := s.detector.Observe(equipmentID, MetricVibration, vibration, now); det != nil {
		detections = append(detections, det)
	}

	incidents := make([]*store.Incident, 0, len(detections))
	for _, det := range detections {
		inc := s.BuildIncident(det, now)
		if err := s.store.CreateIncident(ctx, inc); err != nil {
			s.logger.Error().Err(err).Str("equipment_id", equipmentID).
				Str("kind", det.Kind).Msg("failed to persist incident")
			return incidents, err
		}
		observability.IncidentsDetected.WithLabelValues(string(inc.Severity), string(det.Metric)).Inc()
		s.publish(ctx, streaming.TopicIncidentCreated, inc)
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// BuildIncident materializes a detection as a persistable incident.
// The zone and action status always derive from severity here, never
// from the caller.
func (s *Sentinel) BuildIncident(det *Detection, now time.Time) *store.Incident {
	zone := ZoneFor(det.Severity)
	z := round2(det.ZScore)
	roc := round2(det.RoCPerMinute)
	return &store.Incident{
		ID:             s.rng.UUID(),
		EquipmentID:    det.EquipmentID,
		Kind:           det.Kind,
		Severity:       det.Severity,
		Zone:           zone,
		Message:        det.Message,
		DetectedValue:  det.Value,
		ThresholdValue: det.Threshold,
		ZScore:         &z,
		RateOfChange:   &roc,
		Action:         det.Action,
		ActionStatus:   ActionStatusFor(zone),
		Resolved:       false,
		CreatedAt:      now,
	}
}

// IncidentInput is an externally submitted incident (sentinel agents
// posting their own detections).
type IncidentInput struct {
	EquipmentID    string         `json:"equipment_id"`
	Kind           string         `json:"kind"`
	Severity       store.Severity `json:"severity"`
	Message        string         `json:"message"`
	DetectedValue  float64        `json:"detected_value"`
	ThresholdValue float64        `json:"threshold_value"`
	ZScore         *float64       `json:"z_score,omitempty"`
	RateOfChange   *float64       `json:"rate_of_change,omitempty"`
	Action         string         `json:"action,omitempty"`
}

// IngestExternal persists an agent-submitted incident. Zone and action
// status are derived from severity regardless of what the agent
// claims.
func (s *Sentinel) IngestExternal(ctx context.Context, in IncidentInput) (*store.Incident, error) {
	if in.EquipmentID == "" {
		return nil, resilience.Validationf("equipment_id must not be empty")
	}
	if !in.Severity.Valid() {
		return nil, resilience.Validationf("unknown severity %q", in.Severity)
	}
	det := &Detection{
		EquipmentID: in.EquipmentID,
		Metric:      "external",
		Severity:    in.Severity,
		Kind:        in.Kind,
		Message:     in.Message,
		Action:      in.Action,
		Value:       in.DetectedValue,
		Threshold:   in.ThresholdValue,
	}
	if in.ZScore != nil {
		det.ZScore = *in.ZScore
	}
	if in.RateOfChange != nil {
		det.RoCPerMinute = *in.RateOfChange
	}

	inc := s.BuildIncident(det, s.clock.Now())
	if in.ZScore == nil {
		inc.ZScore = nil
	}
	if in.RateOfChange == nil {
		inc.RateOfChange = nil
	}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	observability.IncidentsDetected.WithLabelValues(string(inc.Severity), "external").Inc()
	s.publish(ctx, streaming.TopicIncidentCreated, inc)
	return inc, nil
}

// CircuitStatus is the 24 hour safety-circuit snapshot. State is the
// worst zone with open work: red alerts dominate, then pending yellow
// approvals, else green.
type CircuitStatus struct {
	State           store.Zone      `json:"state"`
	GreenActions24h int             `json:"green_actions_24h"`
	YellowPending   int             `json:"yellow_pending"`
	RedAlerts24h    int             `json:"red_alerts_24h"`
	AgentsActive    int             `json:"agents_active"`
	AgentsTotal     int             `json:"agents_total"`
	LastIncident    *store.Incident `json:"last_incident"`
}

// CircuitStatus aggregates the last 24 hours of incidents by zone plus
// agent liveness counts.
func (s *Sentinel) CircuitStatus(ctx context.Context) (*CircuitStatus, error) {
	cutoff := s.clock.Now().Add(-24 * time.Hour)
	recent, err := s.store.ListIncidents(ctx, store.IncidentFilter{Since: cutoff})
	if err != nil {
		return nil, err
	}

	status := &CircuitStatus{}
	for _, inc := range recent {
		switch inc.Zone {
		case store.ZoneGreen:
			status.GreenActions24h++
		case store.ZoneYellow:
			if inc.ActionStatus == store.ActionPendingApproval {
				status.YellowPending++
			}
		case store.ZoneRed:
			status.RedAlerts24h++
		}
	}

	agents, err := s.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return nil, err
	}
	status.AgentsTotal = len(agents)
	for _, a := range agents {
		if a.Status == store.AgentActive {
			status.AgentsActive++
		}
	}

	last, err := s.store.ListIncidents(ctx, store.IncidentFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		status.LastIncident = last[0]
	}

	switch {
	case status.RedAlerts24h > 0:
		status.State = store.ZoneRed
	case status.YellowPending > 0:
		status.State = store.ZoneYellow
	default:
		status.State = store.ZoneGreen
	}
	return status, nil
}

// EquipmentIncidentCount ranks equipment by incident volume.
type EquipmentIncidentCount struct {
	EquipmentID   string `json:"equipment_id"`
	IncidentCount int    `json:"incident_count"`
}

// Summary is the operator-facing overview of the anomaly subsystem.
type Summary struct {
	TotalIncidents24h    int                      `json:"total_incidents_24h"`
	CriticalIncidents24h int                      `json:"critical_incidents_24h"`
	ActiveAgents         int                      `json:"active_agents"`
	SafetyCircuit        *CircuitStatus           `json:"safety_circuit"`
	RecentIncidents      []*store.Incident        `json:"recent_incidents"`
	TopAffectedEquipment []EquipmentIncidentCount `json:"top_affected_equipment"`
}

// Summary builds the 24 hour overview: totals, the five most affected
// equipment, the ten most recent incidents and the circuit snapshot.
func (s *Sentinel) Summary(ctx context.Context) (*Summary, error) {
	cutoff := s.clock.Now().Add(-24 * time.Hour)
	recent, err := s.store.ListIncidents(ctx, store.IncidentFilter{Since: cutoff})
	if err != nil {
		return nil, err
	}

	sum := &Summary{TotalIncidents24h: len(recent)}
	counts := make(map[string]int)
	for _, inc := range recent {
		if inc.Severity == store.SeverityCritical {
			sum.CriticalIncidents24h++
		}
		if inc.EquipmentID != "" {
			counts[inc.EquipmentID]++
		}
	}

	top := make([]EquipmentIncidentCount, 0, len(counts))
	for id, n := range counts {
		top = append(top, EquipmentIncidentCount{EquipmentID: id, IncidentCount: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].IncidentCount != top[j].IncidentCount {
			return top[i].IncidentCount > top[j].IncidentCount
		}
		return top[i].EquipmentID < top[j].EquipmentID
	})
	if len(top) > 5 {
		top = top[:5]
	}
	sum.TopAffectedEquipment = top

	active, err := s.store.ListAgents(ctx, store.AgentFilter{Status: store.AgentActive})
	if err != nil {
		return nil, err
	}
	sum.ActiveAgents = len(active)

	circuit, err := s.CircuitStatus(ctx)
	if err != nil {
		return nil, err
	}
	sum.SafetyCircuit = circuit

	latest, err := s.store.ListIncidents(ctx, store.IncidentFilter{Limit: 10})
	if err != nil {
		return nil, err
	}
	sum.RecentIncidents = latest
	return sum, nil
}

func (s *Sentinel) publish(ctx context.Context, topic string, payload interface{}) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
