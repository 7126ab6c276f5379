// Package store persists the control-plane state: lots, equipment,
// dispatch records, telemetry, incidents, agents and generator
// configuration. Two implementations exist, an in-memory store for
// tests and single-node development, and a PostgreSQL store for
// production. Both enforce the same lifecycle rules so callers never
// need to know which one they hold.
package store

import (
	"context"
	"time"
)

// Store is the persistence boundary of the control plane.
//
// Lookups return (nil, nil) when the entity does not exist; callers
// translate that into a not-found error at the edge that cares.
// Lifecycle transitions (Start/Complete/Fail/Cancel) are conditional
// and atomic: they re-check the source state inside the store so that
// concurrent engines and API calls cannot double-apply a transition.
type Store interface {
	// Equipment.
	CreateEquipment(ctx context.Context, eq *Equipment) error
	GetEquipment(ctx context.Context, id string) (*Equipment, error)
	ListEquipment(ctx context.Context, f EquipmentFilter) ([]*Equipment, error)
	UpdateEquipment(ctx context.Context, id string, upd EquipmentUpdate, now time.Time) (*Equipment, error)
	// QueueDepths returns, per equipment id, the number of lots in
	// QUEUED or RUNNING currently assigned to it. Equipment with no
	// assigned lots is absent from the map.
	QueueDepths(ctx context.Context) (map[string]int, error)

	// Lots.
	CreateLot(ctx context.Context, lot *Lot) error
	GetLot(ctx context.Context, id string) (*Lot, error)
	ListLots(ctx context.Context, f LotFilter) ([]*Lot, error)
	UpdateLot(ctx context.Context, id string, upd LotUpdate, now time.Time) (*Lot, error)
	CountLotsByStatus(ctx context.Context) (map[LotStatus]int, error)
	// ListAutoLotNames returns the names of lots created at or after
	// since whose names carry an autogenerated prefix.
	ListAutoLotNames(ctx context.Context, since time.Time) ([]string, error)

	// Lifecycle transitions.
	//
	// AssignLots applies a whole dispatch batch atomically: every
	// referenced lot moves PENDING -> QUEUED with its equipment
	// assignment, and one dispatch record per lot is appended. If any
	// lot no longer qualifies the whole batch is rolled back.
	AssignLots(ctx context.Context, records []*DispatchRecord) error
	// StartLot moves a QUEUED lot to RUNNING and flips its assigned
	// equipment to RUNNING in the same transaction. The equipment
	// must be IDLE.
	StartLot(ctx context.Context, lotID string, now time.Time) (*Lot, error)
	// CompleteLot moves a RUNNING lot to COMPLETED, releases its
	// equipment back to IDLE and adds the lot's wafers to the
	// equipment counter.
	CompleteLot(ctx context.Context, lotID string, now time.Time) (*Lot, error)
	// FailLot moves a RUNNING lot to FAILED and releases its
	// equipment without crediting wafers.
	FailLot(ctx context.Context, lotID string, now time.Time) (*Lot, error)
	// CancelLot moves a PENDING or QUEUED lot to CANCELLED and clears
	// any equipment assignment.
	CancelLot(ctx context.Context, lotID string, now time.Time) (*Lot, error)
	// ReleaseEquipment forces RUNNING equipment back to IDLE and clears
	// its current lot. Used by startup reconciliation when the tracked
	// lot is gone; a no-op for equipment in any other status.
	ReleaseEquipment(ctx context.Context, id string, now time.Time) (*Equipment, error)

	// Dispatch trace.
	ListDispatchRecords(ctx context.Context, limit int) ([]*DispatchRecord, error)

	// Telemetry.
	CreateSensorReading(ctx context.Context, r *SensorReading) error
	ListSensorReadings(ctx context.Context, equipmentID string, f ReadingFilter) ([]*SensorReading, error)

	// Incidents.
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error)
	// SetIncidentAction records the approval decision for an incident
	// whose action is pending_approval.
	SetIncidentAction(ctx context.Context, id string, status ActionStatus, notes string) (*Incident, error)
	// ResolveIncident marks an incident resolved. This is the only
	// path that sets resolved=true.
	ResolveIncident(ctx context.Context, id string, notes string, now time.Time) (*Incident, error)

	// Agents.
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id string, now time.Time) error
	SetAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// Generator configuration and audit log. GetGeneratorConfig
	// returns (nil, nil) when no row has ever been saved.
	GetGeneratorConfig(ctx context.Context) (*GeneratorConfig, error)
	SaveGeneratorConfig(ctx context.Context, cfg *GeneratorConfig) error
	AppendGenerationLog(ctx context.Context, e *GenerationLogEntry) error
	ListGenerationLog(ctx context.Context, reason string, limit int) ([]*GenerationLogEntry, error)

	Ping(ctx context.Context) error
	Close()
}
