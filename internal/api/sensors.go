package api

import (
	"fmt"
	"net/http"
)

// handleSensorSimulate runs one simulation tick across the whole
// fleet and reports what it produced.
func (s *Server) handleSensorSimulate(w http.ResponseWriter, r *http.Request) {
	result, err := s.simulator.TickAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "success",
		"readings_generated": result.ReadingsGenerated,
		"anomalies_created":  result.AnomaliesCreated,
		"incidents_created":  result.IncidentsCreated,
		"message":            fmt.Sprintf("generated %d sensor readings", result.ReadingsGenerated),
	})
}

func (s *Server) handleSensorStart(w http.ResponseWriter, r *http.Request) {
	s.simulator.Start()
	status := s.simulator.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "started",
		"interval_seconds": status.IntervalSeconds,
		"message":          "continuous sensor simulation started",
	})
}

func (s *Server) handleSensorStop(w http.ResponseWriter, r *http.Request) {
	s.simulator.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "stopped",
		"message": "sensor simulation stopped",
	})
}

func (s *Server) handleSensorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.simulator.Status())
}

// handleGenerateAnomaly injects one anomalous reading, on a random
// machine when none is named, so operators can exercise the incident
// path end to end.
func (s *Server) handleGenerateAnomaly(w http.ResponseWriter, r *http.Request) {
	equipmentID := r.URL.Query().Get("equipment_id")
	if equipmentID == "" {
		id, err := s.simulator.RandomEquipmentID(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		equipmentID = id
	}
	reading, incidents, err := s.simulator.InjectAnomaly(r.Context(), equipmentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "success",
		"equipment_id":      reading.EquipmentID,
		"reading_id":        reading.ID,
		"temperature":       reading.Temperature,
		"vibration":         reading.Vibration,
		"incidents_created": len(incidents),
		"message":           "anomalous reading recorded",
	})
}
