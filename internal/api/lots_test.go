package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/AngelP17/YieldOps/internal/store"
)

func TestCreateLotEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("defaults applied", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
			"name":        "LOT-API-1",
			"wafer_count": 25,
			"recipe_kind": "N5-STD",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var lot store.Lot
		parse(t, rec, &lot)
		if lot.Priority != 3 {
			t.Errorf("expected default priority 3, got %d", lot.Priority)
		}
		if lot.EstimatedDurationMinutes != 60 {
			t.Errorf("expected default duration 60, got %d", lot.EstimatedDurationMinutes)
		}
		if lot.Status != store.LotPending {
			t.Errorf("expected PENDING, got %s", lot.Status)
		}
		if !lot.CreatedAt.Equal(apiBase) {
			t.Errorf("expected clock-stamped creation, got %v", lot.CreatedAt)
		}
	})

	t.Run("hot lot forces priority one", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
			"name":        "LOT-API-HOT",
			"wafer_count": 25,
			"recipe_kind": "N5-STD",
			"hot_lot":     true,
			"priority":    4,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		var lot store.Lot
		parse(t, rec, &lot)
		if !lot.HotLot || lot.Priority != 1 {
			t.Errorf("expected hot lot at priority 1, got hot=%v p=%d", lot.HotLot, lot.Priority)
		}
	})

	t.Run("missing recipe kind", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
			"name": "LOT-API-2", "wafer_count": 25,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing body", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for an empty body, got %d", rec.Code)
		}
	})

	t.Run("store validation surfaces as 400", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
			"name": "LOT-API-3", "wafer_count": 0, "recipe_kind": "N5-STD",
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for zero wafers, got %d", rec.Code)
		}
	})
}

func TestGetAndListLots(t *testing.T) {
	env := newTestEnv(t)
	env.seedLot(t, "lot-1")

	t.Run("get", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs/lot-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var lot store.Lot
		parse(t, rec, &lot)
		if lot.ID != "lot-1" {
			t.Errorf("expected lot-1, got %s", lot.ID)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs/no-such-lot", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("list with status filter", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs?status=PENDING", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var lots []*store.Lot
		parse(t, rec, &lots)
		if len(lots) != 1 {
			t.Errorf("expected 1 pending lot, got %d", len(lots))
		}
	})

	t.Run("list accepts lowercase statuses", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs?status=pending,queued", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("list rejects unknown status", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs?status=SHIPPED", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("list rejects out-of-range priority", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs?priority=9", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestUpdateLotEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedLot(t, "lot-1")

	t.Run("patch priority", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/v1/jobs/lot-1", map[string]interface{}{
			"priority": 2,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var lot store.Lot
		parse(t, rec, &lot)
		if lot.Priority != 2 {
			t.Errorf("expected priority 2, got %d", lot.Priority)
		}
	})

	t.Run("hot flag with conflicting priority", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/v1/jobs/lot-1", map[string]interface{}{
			"hot_lot": true, "priority": 4,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("patch missing lot", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/v1/jobs/no-such-lot", map[string]interface{}{
			"priority": 2,
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestLotTransitionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedLot(t, "lot-1")
	env.seedEquipment(t, "eq-1", "deposition")

	run := env.do(t, http.MethodPost, "/api/v1/dispatch/run", nil)
	if run.Code != http.StatusOK {
		t.Fatalf("dispatch run failed: %d %s", run.Code, run.Body.String())
	}

	t.Run("start", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs/lot-1/start", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var lot store.Lot
		parse(t, rec, &lot)
		if lot.Status != store.LotRunning {
			t.Errorf("expected RUNNING, got %s", lot.Status)
		}
	})

	t.Run("start again conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs/lot-1/start", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 on double start, got %d", rec.Code)
		}
	})

	t.Run("complete", func(t *testing.T) {
		env.clock.Advance(time.Hour)
		rec := env.do(t, http.MethodPost, "/api/v1/jobs/lot-1/complete", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var lot store.Lot
		parse(t, rec, &lot)
		if lot.Status != store.LotCompleted {
			t.Errorf("expected COMPLETED, got %s", lot.Status)
		}
	})

	t.Run("cancel after completion conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs/lot-1/cancel", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("transition on missing lot", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs/no-such-lot/cancel", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestLotQueueEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedLot(t, "lot-1")
	env.seedLot(t, "lot-2")

	hot := &store.Lot{
		ID: "lot-hot", Name: "LOT-HOT", WaferCount: 25, Priority: 1, HotLot: true,
		RecipeKind: "N5-STD", Status: store.LotPending,
		EstimatedDurationMinutes: 60, CreatedAt: apiBase, UpdatedAt: apiBase,
	}
	if err := env.store.CreateLot(context.Background(), hot); err != nil {
		t.Fatalf("CreateLot: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		QueueLength int          `json:"queue_length"`
		HotLots     int          `json:"hot_lots"`
		Jobs        []*store.Lot `json:"jobs"`
	}
	parse(t, rec, &body)
	if body.QueueLength != 3 || body.HotLots != 1 {
		t.Errorf("expected 3 queued with 1 hot, got %+v", body)
	}
	if len(body.Jobs) != 3 || !body.Jobs[0].HotLot {
		t.Errorf("expected the hot lot first, got %+v", body.Jobs)
	}
}
