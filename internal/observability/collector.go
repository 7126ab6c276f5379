package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/store"
)

// RunCollector polls the repository every interval and refreshes the
// backlog, fleet and safety gauges. It returns when ctx is cancelled.
func RunCollector(ctx context.Context, st store.Store, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			collect(ctx, st)
		}
	}
}

func collect(ctx context.Context, st store.Store) {
	counts, err := st.CountLotsByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("metrics collector: lot counts unavailable")
	} else {
		for status, n := range counts {
			LotBacklog.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	equipment, err := st.ListEquipment(ctx, store.EquipmentFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("metrics collector: equipment unavailable")
	} else {
		byStatus := map[store.EquipmentStatus]int{
			store.EquipmentIdle: 0, store.EquipmentRunning: 0,
			store.EquipmentDown: 0, store.EquipmentMaintenance: 0,
		}
		for _, eq := range equipment {
			byStatus[eq.Status]++
		}
		for status, n := range byStatus {
			EquipmentByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	depths, err := st.QueueDepths(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("metrics collector: queue depths unavailable")
	} else {
		EquipmentQueueDepth.Reset()
		for id, n := range depths {
			EquipmentQueueDepth.WithLabelValues(id).Set(float64(n))
		}
	}

	unresolved := false
	open, err := st.ListIncidents(ctx, store.IncidentFilter{Resolved: &unresolved})
	if err != nil {
		log.Warn().Err(err).Msg("metrics collector: incidents unavailable")
		return
	}
	zone := 0.0
	for _, inc := range open {
		switch inc.Severity {
		case store.SeverityCritical:
			zone = 2
		case store.SeverityHigh:
			if zone < 1 {
				zone = 1
			}
		}
	}
	SafetyZone.Set(zone)
}
