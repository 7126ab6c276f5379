package streaming

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/randutil"
)

// LogPublisher writes events to the process log. It stands in for the
// WebSocket hub in tests and headless runs.
type LogPublisher struct {
	logger zerolog.Logger
	rng    *randutil.RNG
	clk    clock.Clock
}

func NewLogPublisher(rng *randutil.RNG, clk clock.Clock) *LogPublisher {
	return &LogPublisher{
		logger: log.With().Str("component", "streaming").Logger(),
		rng:    rng,
		clk:    clk,
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        p.rng.UUID(),
		Topic:     topic,
		Payload:   data,
		Timestamp: p.clk.Now(),
		Source:    "yieldops",
	}
	observability.EventsPublished.WithLabelValues(topic).Inc()
	p.logger.Debug().Str("topic", event.Topic).RawJSON("payload", data).Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
