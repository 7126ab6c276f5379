package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
)

type createEquipmentRequest struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	Zone       string  `json:"zone"`
	Efficiency float64 `json:"efficiency"`
}

type updateEquipmentRequest struct {
	Name       *string  `json:"name"`
	Status     *string  `json:"status"`
	Zone       *string  `json:"zone"`
	Efficiency *float64 `json:"efficiency"`
}

type equipmentStats struct {
	EquipmentID       string                 `json:"equipment_id"`
	Name              string                 `json:"name"`
	Status            store.EquipmentStatus  `json:"status"`
	Efficiency        float64                `json:"efficiency"`
	Utilization24h    float64                `json:"utilization_24h"`
	AvgTemperature24h *float64               `json:"avg_temperature_24h"`
	AvgVibration24h   *float64               `json:"avg_vibration_24h"`
	AnomalyCount24h   int                    `json:"anomaly_count_24h"`
	RecentReadings    []*store.SensorReading `json:"recent_readings"`
}

func (s *Server) handleListEquipment(w http.ResponseWriter, r *http.Request) {
	var f store.EquipmentFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := store.EquipmentStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				writeError(w, r, resilience.Validationf("unknown equipment status %q", part))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.Zone = r.URL.Query().Get("zone")
	f.Kind = r.URL.Query().Get("kind")

	fleet, err := s.store.ListEquipment(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fleet)
}

// equipmentKinds are the process areas a machine may belong to.
var equipmentKinds = map[string]bool{
	"lithography": true,
	"etching":     true,
	"deposition":  true,
	"inspection":  true,
	"cleaning":    true,
}

func (s *Server) handleCreateEquipment(w http.ResponseWriter, r *http.Request) {
	var req createEquipmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, resilience.Validationf("equipment name must not be empty"))
		return
	}
	req.Kind = strings.ToLower(req.Kind)
	if !equipmentKinds[req.Kind] {
		writeError(w, r, resilience.Validationf("unknown equipment kind %q", req.Kind))
		return
	}
	status := store.EquipmentIdle
	if req.Status != "" {
		status = store.EquipmentStatus(strings.ToUpper(req.Status))
	}

	now := s.clock.Now()
	eq := &store.Equipment{
		ID:         s.rng.UUID(),
		Name:       req.Name,
		Kind:       req.Kind,
		Status:     status,
		Zone:       req.Zone,
		Efficiency: req.Efficiency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateEquipment(r.Context(), eq); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eq)
}

func (s *Server) handleGetEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	eq, err := s.store.GetEquipment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if eq == nil {
		writeError(w, r, resilience.NotFound("equipment", id))
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

func (s *Server) handleUpdateEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	var req updateEquipmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	upd := store.EquipmentUpdate{
		Name:       req.Name,
		Zone:       req.Zone,
		Efficiency: req.Efficiency,
	}
	if req.Status != nil {
		st := store.EquipmentStatus(strings.ToUpper(*req.Status))
		upd.Status = &st
	}
	eq, err := s.store.UpdateEquipment(r.Context(), id, upd, s.clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

// handleEquipmentStats aggregates the last 24 hours for one machine:
// sensor averages over at most 100 readings, the anomaly count, the
// five most recent readings and the share of the window spent running
// lots.
func (s *Server) handleEquipmentStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	eq, err := s.store.GetEquipment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if eq == nil {
		writeError(w, r, resilience.NotFound("equipment", id))
		return
	}

	now := s.clock.Now()
	readings, err := s.store.ListSensorReadings(r.Context(), id, store.ReadingFilter{
		Since: now.Add(-24 * time.Hour),
		Limit: 100,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats := equipmentStats{
		EquipmentID: eq.ID,
		Name:        eq.Name,
		Status:      eq.Status,
		Efficiency:  eq.Efficiency,
	}
	if len(readings) > 0 {
		var sumTemp, sumVib float64
		for _, rd := range readings {
			sumTemp += rd.Temperature
			sumVib += rd.Vibration
			if rd.IsAnomaly {
				stats.AnomalyCount24h++
			}
		}
		avgTemp := sumTemp / float64(len(readings))
		avgVib := sumVib / float64(len(readings))
		stats.AvgTemperature24h = &avgTemp
		stats.AvgVibration24h = &avgVib
	}
	recent := readings
	if len(recent) > 5 {
		recent = recent[:5]
	}
	stats.RecentReadings = recent

	lots, err := s.store.ListLots(r.Context(), store.LotFilter{
		Statuses: []store.LotStatus{store.LotRunning, store.LotCompleted, store.LotFailed},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats.Utilization24h = runUtilization(lots, id, now)

	writeJSON(w, http.StatusOK, stats)
}

// runUtilization is the fraction of the trailing 24 hours during which
// the machine had a lot running, from the lots' start/complete stamps.
func runUtilization(lots []*store.Lot, equipmentID string, now time.Time) float64 {
	windowStart := now.Add(-24 * time.Hour)
	var busy time.Duration
	for _, lot := range lots {
		if lot.AssignedEquipmentID == nil || *lot.AssignedEquipmentID != equipmentID {
			continue
		}
		if lot.StartedAt == nil {
			continue
		}
		start := *lot.StartedAt
		end := now
		if lot.CompletedAt != nil {
			end = *lot.CompletedAt
		}
		if start.Before(windowStart) {
			start = windowStart
		}
		if end.After(now) {
			end = now
		}
		if end.After(start) {
			busy += end.Sub(start)
		}
	}
	util := busy.Hours() / 24
	if util > 1 {
		util = 1
	}
	return util
}

func (s *Server) handleEquipmentReadings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	eq, err := s.store.GetEquipment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if eq == nil {
		writeError(w, r, resilience.NotFound("equipment", id))
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	anomaliesOnly, _, err := queryBool(r, "anomalies_only")
	if err != nil {
		writeError(w, r, err)
		return
	}
	readings, err := s.store.ListSensorReadings(r.Context(), id, store.ReadingFilter{
		AnomaliesOnly: anomaliesOnly,
		Limit:         clampLimit(limit, 100, 1000),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}
