package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/streaming"
)

type createLotRequest struct {
	Name                     string     `json:"name"`
	WaferCount               int        `json:"wafer_count"`
	Priority                 int        `json:"priority"`
	HotLot                   bool       `json:"hot_lot"`
	RecipeKind               string     `json:"recipe_kind"`
	CustomerTag              string     `json:"customer_tag"`
	Deadline                 *time.Time `json:"deadline"`
	EstimatedDurationMinutes int        `json:"estimated_duration_minutes"`
}

type updateLotRequest struct {
	Priority                 *int       `json:"priority"`
	HotLot                   *bool      `json:"hot_lot"`
	Deadline                 *time.Time `json:"deadline"`
	ClearDeadline            bool       `json:"clear_deadline"`
	CustomerTag              *string    `json:"customer_tag"`
	EstimatedDurationMinutes *int       `json:"estimated_duration_minutes"`
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	var f store.LotFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := store.LotStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				writeError(w, r, resilience.Validationf("unknown lot status %q", part))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	priority, err := queryInt(r, "priority", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if priority != 0 && (priority < 1 || priority > 5) {
		writeError(w, r, resilience.Validationf("priority must be in [1,5], got %d", priority))
		return
	}
	f.Priority = priority
	hotOnly, _, err := queryBool(r, "hot_lot_only")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.HotOnly = hotOnly

	lots, err := s.store.ListLots(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// handleLotQueue reports the pending backlog: hot lots first, then by
// priority, capped at the top twenty.
func (s *Server) handleLotQueue(w http.ResponseWriter, r *http.Request) {
	lots, err := s.store.ListLots(r.Context(), store.LotFilter{
		Statuses: []store.LotStatus{store.LotPending},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].HotLot != lots[j].HotLot {
			return lots[i].HotLot
		}
		return lots[i].Priority < lots[j].Priority
	})
	hot := 0
	for _, l := range lots {
		if l.HotLot {
			hot++
		}
	}
	top := lots
	if len(top) > 20 {
		top = top[:20]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_length": len(lots),
		"hot_lots":     hot,
		"jobs":         top,
	})
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RecipeKind == "" {
		writeError(w, r, resilience.Validationf("recipe_kind must not be empty"))
		return
	}
	if req.Priority == 0 {
		req.Priority = 3
	}
	if req.HotLot {
		req.Priority = 1
	}
	if req.EstimatedDurationMinutes == 0 {
		req.EstimatedDurationMinutes = 60
	}

	now := s.clock.Now()
	lot := &store.Lot{
		ID:                       s.rng.UUID(),
		Name:                     req.Name,
		WaferCount:               req.WaferCount,
		Priority:                 req.Priority,
		HotLot:                   req.HotLot,
		RecipeKind:               req.RecipeKind,
		CustomerTag:              req.CustomerTag,
		Status:                   store.LotPending,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
		Deadline:                 req.Deadline,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.store.CreateLot(r.Context(), lot); err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(r, streaming.TopicLotCreated, lot)
	writeJSON(w, http.StatusCreated, lot)
}

func (s *Server) handleGetLot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "lotID")
	lot, err := s.store.GetLot(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if lot == nil {
		writeError(w, r, resilience.NotFound("lot", id))
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (s *Server) handleUpdateLot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "lotID")
	var req updateLotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	upd := store.LotUpdate{
		Priority:                 req.Priority,
		HotLot:                   req.HotLot,
		Deadline:                 req.Deadline,
		ClearDeadline:            req.ClearDeadline,
		CustomerTag:              req.CustomerTag,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
	}
	lot, err := s.store.UpdateLot(r.Context(), id, upd, s.clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (s *Server) handleCancelLot(w http.ResponseWriter, r *http.Request) {
	s.transitionLot(w, r, "CANCELLED", streaming.TopicLotCancelled, s.store.CancelLot)
}

func (s *Server) handleStartLot(w http.ResponseWriter, r *http.Request) {
	s.transitionLot(w, r, "RUNNING", streaming.TopicLotStarted, s.store.StartLot)
}

func (s *Server) handleCompleteLot(w http.ResponseWriter, r *http.Request) {
	s.transitionLot(w, r, "COMPLETED", streaming.TopicLotCompleted, s.store.CompleteLot)
}

func (s *Server) handleFailLot(w http.ResponseWriter, r *http.Request) {
	s.transitionLot(w, r, "FAILED", streaming.TopicLotFailed, s.store.FailLot)
}

// transitionLot applies one conditional lifecycle transition and
// reports the updated lot. The store enforces the legal source states.
func (s *Server) transitionLot(
	w http.ResponseWriter,
	r *http.Request,
	to string,
	topic string,
	apply func(ctx context.Context, lotID string, now time.Time) (*store.Lot, error),
) {
	id := chi.URLParam(r, "lotID")
	lot, err := apply(r.Context(), id, s.clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	observability.LotTransitions.WithLabelValues(to).Inc()
	if to == "COMPLETED" {
		observability.WafersProcessed.Add(float64(lot.WaferCount))
	}
	s.publish(r, topic, lot)
	writeJSON(w, http.StatusOK, lot)
}

// publish forwards an event to the hub when one is attached.
func (s *Server) publish(r *http.Request, topic string, payload interface{}) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(r.Context(), topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
