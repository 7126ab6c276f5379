// Package lifecycle advances dispatched lots through the fab: QUEUED
// lots start on their assigned equipment as soon as it is idle, and
// RUNNING lots complete once their estimated duration has elapsed.
// All transitions go through the store's conditional operations, so a
// concurrent manual transition never double-applies.
package lifecycle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
	"github.com/AngelP17/YieldOps/internal/streaming"
)

// Processor drives lot state transitions on a fixed cadence.
type Processor struct {
	store    store.Store
	stream   streaming.Publisher
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	mu          sync.Mutex
	active      bool
	loopAlive   bool
	completions int
}

func New(st store.Store, pub streaming.Publisher, clk clock.Clock, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Processor{
		store:    st,
		stream:   pub,
		clock:    clk,
		interval: interval,
		active:   true,
		logger:   log.With().Str("component", "lifecycle").Logger(),
	}
}

// Run reconciles equipment state once, then ticks until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	p.loopAlive = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.loopAlive = false
		p.mu.Unlock()
	}()

	p.Reconcile(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.IsActive() {
				p.Tick(ctx)
			}
		}
	}
}

// Tick runs one processing pass: starts due lots, then completes
// elapsed ones. Errors are logged per lot; the pass never aborts.
func (p *Processor) Tick(ctx context.Context) {
	now := p.clock.Now()
	p.startQueued(ctx, now)
	p.completeElapsed(ctx, now)
}

// startQueued starts QUEUED lots whose assigned equipment is idle. At
// most one lot starts per equipment per tick; the rest wait for the
// equipment to come free.
func (p *Processor) startQueued(ctx context.Context, now time.Time) {
	queued, err := p.store.ListLots(ctx, store.LotFilter{Statuses: []store.LotStatus{store.LotQueued}})
	if err != nil {
		p.logger.Error().Err(err).Msg("queued lots unavailable")
		return
	}

	started := make(map[string]bool)
	for _, lot := range queued {
		if lot.AssignedEquipmentID == nil {
			p.logger.Warn().Str("lot", lot.ID).Msg("queued lot has no equipment assignment")
			continue
		}
		eqID := *lot.AssignedEquipmentID
		if started[eqID] {
			continue
		}
		running, err := p.store.StartLot(ctx, lot.ID, now)
		if err != nil {
			// Busy equipment is the normal case; anything else is not.
			if !resilience.IsConflict(err) {
				p.logger.Error().Err(err).Str("lot", lot.ID).Msg("lot start failed")
			}
			continue
		}
		started[eqID] = true
		observability.LotTransitions.WithLabelValues(string(store.LotRunning)).Inc()
		p.publish(ctx, streaming.TopicLotStarted, running)
		p.logger.Info().Str("lot", running.Name).Str("equipment", eqID).Msg("lot started")
	}
}

// completeElapsed completes RUNNING lots whose estimated duration has
// passed, crediting wafers to the equipment.
func (p *Processor) completeElapsed(ctx context.Context, now time.Time) {
	running, err := p.store.ListLots(ctx, store.LotFilter{Statuses: []store.LotStatus{store.LotRunning}})
	if err != nil {
		p.logger.Error().Err(err).Msg("running lots unavailable")
		return
	}

	for _, lot := range running {
		if lot.StartedAt == nil {
			p.logger.Warn().Str("lot", lot.ID).Msg("running lot has no start timestamp")
			continue
		}
		estimated := time.Duration(lot.EstimatedDurationMinutes) * time.Minute
		if now.Sub(*lot.StartedAt) < estimated {
			continue
		}
		done, err := p.store.CompleteLot(ctx, lot.ID, now)
		if err != nil {
			if !resilience.IsConflict(err) {
				p.logger.Error().Err(err).Str("lot", lot.ID).Msg("lot completion failed")
			}
			continue
		}
		p.mu.Lock()
		p.completions++
		p.mu.Unlock()
		observability.LotTransitions.WithLabelValues(string(store.LotCompleted)).Inc()
		observability.WafersProcessed.Add(float64(done.WaferCount))
		p.publish(ctx, streaming.TopicLotCompleted, done)
		p.logger.Info().Str("lot", done.Name).Int("wafers", done.WaferCount).Msg("lot completed")
	}
}

// Reconcile releases equipment whose tracked lot is gone or no longer
// RUNNING. Overdue RUNNING lots themselves are handled by the first
// regular tick.
func (p *Processor) Reconcile(ctx context.Context) {
	now := p.clock.Now()
	equipment, err := p.store.ListEquipment(ctx, store.EquipmentFilter{
		Statuses: []store.EquipmentStatus{store.EquipmentRunning},
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("reconciliation skipped, equipment unavailable")
		return
	}
	for _, eq := range equipment {
		stale := eq.CurrentLotID == nil
		if !stale {
			lot, err := p.store.GetLot(ctx, *eq.CurrentLotID)
			if err != nil {
				p.logger.Error().Err(err).Str("equipment", eq.ID).Msg("reconciliation lookup failed")
				continue
			}
			stale = lot == nil || lot.Status != store.LotRunning
		}
		if !stale {
			continue
		}
		if _, err := p.store.ReleaseEquipment(ctx, eq.ID, now); err != nil {
			p.logger.Error().Err(err).Str("equipment", eq.ID).Msg("equipment release failed")
			continue
		}
		p.logger.Warn().Str("equipment", eq.ID).Msg("released equipment with stale lot tracking")
	}
}

// Start resumes automatic processing after a Stop.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
}

// Stop pauses automatic processing; manual API transitions still work.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}

func (p *Processor) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// RunningLot is the in-flight progress view of one RUNNING lot.
type RunningLot struct {
	LotID               string    `json:"lot_id"`
	LotName             string    `json:"lot_name"`
	EquipmentID         string    `json:"equipment_id"`
	ProgressPercent     float64   `json:"progress_percent"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

// Status is the lifecycle admin view. Progress is derived from the
// store, not from in-process tracking, so it survives restarts.
type Status struct {
	Running              bool         `json:"running"`
	CheckIntervalSeconds int          `json:"check_interval_seconds"`
	CurrentlyRunning     int          `json:"currently_running"`
	TotalCompleted       int          `json:"total_completed"`
	RunningLots          []RunningLot `json:"running_lots"`
}

func (p *Processor) Status(ctx context.Context) (*Status, error) {
	running, err := p.store.ListLots(ctx, store.LotFilter{Statuses: []store.LotStatus{store.LotRunning}})
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()

	details := make([]RunningLot, 0, len(running))
	for _, lot := range running {
		if lot.StartedAt == nil || lot.AssignedEquipmentID == nil {
			continue
		}
		estimated := time.Duration(lot.EstimatedDurationMinutes) * time.Minute
		progress := 100.0
		if estimated > 0 {
			progress = math.Min(100, now.Sub(*lot.StartedAt).Minutes()/float64(lot.EstimatedDurationMinutes)*100)
		}
		details = append(details, RunningLot{
			LotID:               lot.ID,
			LotName:             lot.Name,
			EquipmentID:         *lot.AssignedEquipmentID,
			ProgressPercent:     math.Round(progress*10) / 10,
			EstimatedCompletion: lot.StartedAt.Add(estimated),
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return &Status{
		Running:              p.loopAlive && p.active,
		CheckIntervalSeconds: int(p.interval / time.Second),
		CurrentlyRunning:     len(running),
		TotalCompleted:       p.completions,
		RunningLots:          details,
	}, nil
}

func (p *Processor) publish(ctx context.Context, topic string, payload interface{}) {
	if p.stream == nil {
		return
	}
	if err := p.stream.Publish(ctx, topic, payload); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
