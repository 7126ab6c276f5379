// Package streaming defines the event feed contract between the
// engines and whatever transport fans events out (WebSocket hub,
// log sink in development).
package streaming

import (
	"context"
	"time"
)

// Event is one control-plane occurrence serialized for consumers.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Topics published by the engines.
const (
	TopicLotCreated       = "lot.created"
	TopicLotDispatched    = "lot.dispatched"
	TopicLotStarted       = "lot.started"
	TopicLotCompleted     = "lot.completed"
	TopicLotFailed        = "lot.failed"
	TopicLotCancelled     = "lot.cancelled"
	TopicIncidentCreated  = "incident.created"
	TopicIncidentDecision = "incident.decision"
	TopicIncidentResolved = "incident.resolved"
	TopicSensorReading    = "sensor.reading"
	TopicAgentRegistered  = "agent.registered"
)

// Publisher fans an event out to all attached consumers. Publish is
// best-effort: implementations log failures instead of blocking the
// engines.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
