package api

import (
	"fmt"
	"net/http"

	"github.com/AngelP17/YieldOps/internal/generator"
	"github.com/AngelP17/YieldOps/internal/resilience"
)

// generatorConfigRequest is a partial update: absent fields keep their
// current values.
type generatorConfigRequest struct {
	Enabled              *bool              `json:"enabled"`
	IntervalSeconds      *int               `json:"interval_seconds"`
	MinLots              *int               `json:"min_lots"`
	MaxLots              *int               `json:"max_lots"`
	BatchSize            *int               `json:"batch_size"`
	HotLotProbability    *float64           `json:"hot_lot_probability"`
	PriorityDistribution map[int]float64    `json:"priority_distribution"`
	CustomerWeights      map[string]float64 `json:"customer_weights"`
	RecipeKinds          []string           `json:"recipe_kinds"`
}

func (s *Server) handleGeneratorGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.generator.EffectiveConfig(r.Context()))
}

func (s *Server) handleGeneratorSetConfig(w http.ResponseWriter, r *http.Request) {
	var req generatorConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	cfg := s.generator.EffectiveConfig(r.Context())
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.IntervalSeconds != nil {
		cfg.IntervalSeconds = *req.IntervalSeconds
	}
	if req.MinLots != nil {
		cfg.MinLots = *req.MinLots
	}
	if req.MaxLots != nil {
		cfg.MaxLots = *req.MaxLots
	}
	if req.BatchSize != nil {
		cfg.BatchSize = *req.BatchSize
	}
	if req.HotLotProbability != nil {
		cfg.HotLotProbability = *req.HotLotProbability
	}
	if req.PriorityDistribution != nil {
		cfg.PriorityDistribution = req.PriorityDistribution
	}
	if req.CustomerWeights != nil {
		cfg.CustomerWeights = req.CustomerWeights
	}
	if req.RecipeKinds != nil {
		cfg.RecipeKinds = req.RecipeKinds
	}

	if err := s.generator.SaveConfig(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.generator.EffectiveConfig(r.Context()))
}

func (s *Server) handleGeneratorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.generator.Status(r.Context()))
}

func (s *Server) handleGeneratorCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.generator.Counts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleGenerationLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reason := r.URL.Query().Get("reason")
	entries, err := s.store.ListGenerationLog(r.Context(), reason, clampLimit(limit, 50, 500))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGeneratorStart(w http.ResponseWriter, r *http.Request) {
	if s.generator.Status(r.Context()).Running {
		writeJSON(w, http.StatusOK, map[string]string{"message": "generator already running"})
		return
	}
	s.generator.Start()
	writeJSON(w, http.StatusOK, map[string]string{"message": "lot generator started"})
}

func (s *Server) handleGeneratorStop(w http.ResponseWriter, r *http.Request) {
	if !s.generator.Status(r.Context()).Running {
		writeJSON(w, http.StatusOK, map[string]string{"message": "generator not running"})
		return
	}
	s.generator.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"message": "lot generator stopped"})
}

// handleGeneratorEnable persists enabled=true and resumes the loop.
func (s *Server) handleGeneratorEnable(w http.ResponseWriter, r *http.Request) {
	cfg := s.generator.EffectiveConfig(r.Context())
	cfg.Enabled = true
	if err := s.generator.SaveConfig(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	s.generator.Start()
	writeJSON(w, http.StatusOK, map[string]string{"message": "lot generation enabled"})
}

func (s *Server) handleGeneratorDisable(w http.ResponseWriter, r *http.Request) {
	cfg := s.generator.EffectiveConfig(r.Context())
	cfg.Enabled = false
	if err := s.generator.SaveConfig(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "lot generation disabled"})
}

func (s *Server) handleGenerateOne(w http.ResponseWriter, r *http.Request) {
	triggeredBy := r.URL.Query().Get("triggered_by")
	if triggeredBy == "" {
		triggeredBy = generator.TriggerManual
	}
	lot, err := s.generator.GenerateLot(r.Context(), triggeredBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"job":     lot,
		"message": fmt.Sprintf("generated lot %s", lot.Name),
	})
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	batchSize, err := queryInt(r, "batch_size", 5)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if batchSize < 1 || batchSize > 100 {
		writeError(w, r, resilience.Validationf("batch_size must be in [1,100], got %d", batchSize))
		return
	}
	generated, err := s.generator.GenerateIfNeeded(r.Context(), batchSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated": generated,
		"message":   fmt.Sprintf("generated %d lots", generated),
	})
}
