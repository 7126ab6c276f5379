package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AngelP17/YieldOps/internal/anomaly"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/streaming"
)

type incidentDecisionRequest struct {
	Approved      bool   `json:"approved"`
	OperatorNotes string `json:"operator_notes"`
}

type incidentResolveRequest struct {
	OperatorNotes string `json:"operator_notes"`
}

type registerAgentRequest struct {
	Kind         string   `json:"kind"`
	EquipmentID  string   `json:"equipment_id"`
	Capabilities []string `json:"capabilities"`
}

type analyzeTelemetryRequest struct {
	EquipmentID string  `json:"equipment_id"`
	Temperature float64 `json:"temperature"`
	Vibration   float64 `json:"vibration"`
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var in anomaly.IncidentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	inc, err := s.sentinel.IngestExternal(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	var f store.IncidentFilter

	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev := store.Severity(strings.ToLower(raw))
		if !sev.Valid() {
			writeError(w, r, resilience.Validationf("unknown severity %q", raw))
			return
		}
		f.Severity = sev
	}
	f.EquipmentID = r.URL.Query().Get("equipment_id")
	resolved, ok, err := queryBool(r, "resolved")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ok {
		f.Resolved = &resolved
	}
	hours, err := queryInt(r, "hours", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hours < 0 {
		writeError(w, r, resilience.Validationf("hours must not be negative, got %d", hours))
		return
	}
	if hours > 0 {
		f.Since = s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.Limit = clampLimit(limit, 50, 500)

	incidents, err := s.store.ListIncidents(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incidentID")
	inc, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if inc == nil {
		writeError(w, r, resilience.NotFound("incident", id))
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleApproveIncident records the operator decision on a yellow-zone
// incident. Only pending_approval incidents accept a decision; a
// second decision conflicts.
func (s *Server) handleApproveIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incidentID")
	var req incidentDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	status := store.ActionApproved
	if !req.Approved {
		status = store.ActionRejected
	}
	inc, err := s.store.SetIncidentAction(r.Context(), id, status, req.OperatorNotes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, streaming.TopicIncidentDecision, inc)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incidentID")
	var req incidentResolveRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inc, err := s.store.ResolveIncident(r.Context(), id, req.OperatorNotes, s.clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, streaming.TopicIncidentResolved, inc)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind := store.AgentKind(strings.ToLower(req.Kind))
	if !kind.Valid() {
		writeError(w, r, resilience.Validationf("unknown agent kind %q", req.Kind))
		return
	}

	now := s.clock.Now()
	agent := &store.Agent{
		ID:            s.rng.UUID(),
		Kind:          kind,
		EquipmentID:   req.EquipmentID,
		Status:        store.AgentActive,
		Capabilities:  req.Capabilities,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := s.store.UpsertAgent(r.Context(), agent); err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, streaming.TopicAgentRegistered, agent)
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var f store.AgentFilter
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := store.AgentKind(strings.ToLower(raw))
		if !kind.Valid() {
			writeError(w, r, resilience.Validationf("unknown agent kind %q", raw))
			return
		}
		f.Kind = kind
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		f.Status = store.AgentStatus(strings.ToLower(raw))
	}
	agents, err := s.store.ListAgents(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if err := s.store.UpdateAgentHeartbeat(r.Context(), id, s.clock.Now()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": "ok"})
}

func (s *Server) handleSafetyCircuit(w http.ResponseWriter, r *http.Request) {
	status, err := s.sentinel.CircuitStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAegisSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sentinel.Summary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAnalyzeTelemetry runs both detectors on one reading. Every
// detection has already been persisted as an incident by the time the
// response is written.
func (s *Server) handleAnalyzeTelemetry(w http.ResponseWriter, r *http.Request) {
	var req analyzeTelemetryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.EquipmentID == "" {
		writeError(w, r, resilience.Validationf("equipment_id must not be empty"))
		return
	}
	incidents, err := s.sentinel.Analyze(r.Context(), req.EquipmentID, req.Temperature, req.Vibration)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []*store.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"equipment_id":       req.EquipmentID,
		"anomalies_detected": len(incidents),
		"detections":         incidents,
	})
}
