// Package coordination tracks the liveness of registered agents. An
// agent that misses its heartbeat window is marked inactive and stops
// counting toward the safety circuit's active-agent tally.
package coordination

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/store"
)

// Monitor periodically sweeps registered agents for stale heartbeats.
type Monitor struct {
	store     store.Store
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration
	logger    zerolog.Logger
}

// NewMonitor builds a monitor that checks every interval and expires
// agents whose last heartbeat is older than threshold.
func NewMonitor(st store.Store, clk clock.Clock, interval, threshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 120 * time.Second
	}
	return &Monitor{
		store:     st,
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		logger:    log.With().Str("component", "agent_monitor").Logger(),
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("interval", m.interval).
		Dur("threshold", m.threshold).
		Msg("agent liveness monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckLiveness(ctx)
		}
	}
}

// CheckLiveness marks agents with expired heartbeats inactive and
// refreshes the connected-agents gauge.
func (m *Monitor) CheckLiveness(ctx context.Context) {
	agents, err := m.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		m.logger.Error().Err(err).Msg("agent sweep skipped, listing failed")
		return
	}

	now := m.clock.Now()
	active := 0
	for _, agent := range agents {
		if agent.Status == store.AgentInactive {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > m.threshold {
			if err := m.store.SetAgentStatus(ctx, agent.ID, store.AgentInactive); err != nil {
				m.logger.Error().Err(err).Str("agent", agent.ID).Msg("agent expiry failed")
				continue
			}
			m.logger.Warn().
				Str("agent", agent.ID).
				Time("last_heartbeat", agent.LastHeartbeat).
				Msg("agent heartbeat expired, marked inactive")
			continue
		}
		active++
	}
	observability.ConnectedAgents.Set(float64(active))
}
