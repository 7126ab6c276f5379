// Package anomaly implements statistical anomaly detection over
// equipment telemetry (z-score plus rate-of-change per metric) and the
// three-tier safety circuit that decides how each detection is acted
// on.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/AngelP17/YieldOps/internal/store"
)

// Metric identifies which telemetry channel a sample belongs to.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricVibration   Metric = "vibration"
)

// Fixed safety thresholds for fab equipment.
const (
	TempWarning   = 80.0
	TempCritical  = 95.0
	TempEmergency = 105.0
	TempRoCLimit  = 5.0 // °C per minute

	VibrationWarning   = 0.02 // mm/s
	VibrationCritical  = 0.05
	VibrationEmergency = 0.08
)

const (
	// DefaultWindowSize bounds the per-metric sample ring.
	DefaultWindowSize = 60
	// minSamples gates detection until the baseline is meaningful.
	minSamples = 10
	// sigmaFloor keeps z-scores finite on flat baselines.
	sigmaFloor = 1e-3
)

// Detection is one classified anomaly. At most one detection is
// produced per sample.
type Detection struct {
	EquipmentID  string         `json:"equipment_id"`
	Metric       Metric         `json:"metric"`
	Severity     store.Severity `json:"severity"`
	Kind         string         `json:"kind"`
	Message      string         `json:"message"`
	Action       string         `json:"action"`
	Value        float64        `json:"value"`
	Threshold    float64        `json:"threshold"`
	ZScore       float64        `json:"z_score"`
	RoCPerMinute float64        `json:"rate_of_change"`
}

type metricKey struct {
	equipmentID string
	metric      Metric
}

type metricState struct {
	mu      sync.Mutex
	samples []float64
	next    int
	count   int
	last    float64
	lastAt  time.Time
	primed  bool
}

// Detector keeps a bounded sample window per (equipment, metric) and
// classifies incoming samples. Safe for concurrent use; samples for
// different keys never contend.
type Detector struct {
	mu         sync.Mutex
	windowSize int
	states     map[metricKey]*metricState
}

// NewDetector builds a detector; windowSize <= 0 selects the default.
func NewDetector(windowSize int) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Detector{
		windowSize: windowSize,
		states:     make(map[metricKey]*metricState),
	}
}

func (d *Detector) state(equipmentID string, metric Metric) *metricState {
	key := metricKey{equipmentID, metric}
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[key]
	if !ok {
		st = &metricState{samples: make([]float64, 0, d.windowSize)}
		d.states[key] = st
	}
	return st
}

// Observe feeds one sample into the window and returns a detection if
// the sample classifies as anomalous, nil otherwise. Classification
// needs at least minSamples in the window; until then samples only
// build the baseline.
func (d *Detector) Observe(equipmentID string, metric Metric, value float64, at time.Time) *Detection {
	st := d.state(equipmentID, metric)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.push(value, d.windowSize)
	if st.count < minSamples {
		st.setLast(value, at)
		return nil
	}

	mean, sigma := st.stats()
	if sigma < sigmaFloor {
		sigma = sigmaFloor
	}
	z := (value - mean) / sigma

	roc := 0.0
	if st.primed {
		if dt := at.Sub(st.lastAt).Seconds(); dt > 0 {
			roc = (value - st.last) / dt * 60
		}
	}
	st.setLast(value, at)

	var det *Detection
	switch metric {
	case MetricTemperature:
		det = classifyTemperature(value, z, roc)
	case MetricVibration:
		det = classifyVibration(value, z, roc)
	}
	if det == nil {
		return nil
	}
	det.EquipmentID = equipmentID
	det.Metric = metric
	det.Value = value
	det.ZScore = z
	det.RoCPerMinute = roc
	return det
}

func (st *metricState) push(v float64, max int) {
	if len(st.samples) < max {
		st.samples = append(st.samples, v)
	} else {
		st.samples[st.next] = v
		st.next = (st.next + 1) % max
	}
	if st.count < max {
		st.count++
	}
}

func (st *metricState) setLast(v float64, at time.Time) {
	st.last = v
	st.lastAt = at
	st.primed = true
}

func (st *metricState) stats() (mean, sigma float64) {
	n := float64(len(st.samples))
	var sum float64
	for _, v := range st.samples {
		sum += v
	}
	mean = sum / n
	var variance float64
	for _, v := range st.samples {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

func classifyTemperature(v, z, roc float64) *Detection {
	switch {
	case v > TempEmergency || z > 4:
		return &Detection{
			Severity:  store.SeverityCritical,
			Kind:      "thermal_runaway",
			Message:   fmt.Sprintf("EMERGENCY: temperature %.1fC exceeds emergency threshold", v),
			Action:    "emergency_stop",
			Threshold: TempEmergency,
		}
	case v > TempCritical || (z > 3 && roc > TempRoCLimit):
		return &Detection{
			Severity:  store.SeverityHigh,
			Kind:      "thermal_runaway",
			Message:   fmt.Sprintf("CRITICAL: thermal runaway detected at %.1fC (RoC %.1fC/min)", v, roc),
			Action:    "reduce_thermal_load",
			Threshold: TempCritical,
		}
	case v > TempWarning || z > 2.5:
		return &Detection{
			Severity:  store.SeverityMedium,
			Kind:      "elevated_temperature",
			Message:   fmt.Sprintf("WARNING: elevated temperature %.1fC", v),
			Action:    "increase_coolant",
			Threshold: TempWarning,
		}
	}
	return nil
}

func classifyVibration(v, z, roc float64) *Detection {
	switch {
	case v > VibrationEmergency:
		return &Detection{
			Severity:  store.SeverityCritical,
			Kind:      "bearing_failure",
			Message:   fmt.Sprintf("EMERGENCY: critical vibration %.4f mm/s, possible bearing failure", v),
			Action:    "emergency_stop",
			Threshold: VibrationEmergency,
		}
	case v > VibrationCritical || z > 3.5:
		return &Detection{
			Severity:  store.SeverityHigh,
			Kind:      "bearing_wear",
			Message:   fmt.Sprintf("HIGH: abnormal vibration %.4f mm/s detected", v),
			Action:    "alert_maintenance",
			Threshold: VibrationCritical,
		}
	case v > VibrationWarning || z > 2.5:
		return &Detection{
			Severity:  store.SeverityMedium,
			Kind:      "increased_vibration",
			Message:   fmt.Sprintf("WARNING: elevated vibration %.4f mm/s", v),
			Action:    "schedule_inspection",
			Threshold: VibrationWarning,
		}
	}
	return nil
}
