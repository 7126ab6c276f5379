package store

import "time"

// LotStatus is the lifecycle state of a production lot.
type LotStatus string

const (
	LotPending   LotStatus = "PENDING"
	LotQueued    LotStatus = "QUEUED"
	LotRunning   LotStatus = "RUNNING"
	LotCompleted LotStatus = "COMPLETED"
	LotFailed    LotStatus = "FAILED"
	LotCancelled LotStatus = "CANCELLED"
)

// Valid reports whether s is one of the known lot statuses.
func (s LotStatus) Valid() bool {
	switch s {
	case LotPending, LotQueued, LotRunning, LotCompleted, LotFailed, LotCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s LotStatus) Terminal() bool {
	return s == LotCompleted || s == LotFailed || s == LotCancelled
}

// EquipmentStatus is the operational state of a piece of fab equipment.
type EquipmentStatus string

const (
	EquipmentIdle        EquipmentStatus = "IDLE"
	EquipmentRunning     EquipmentStatus = "RUNNING"
	EquipmentDown        EquipmentStatus = "DOWN"
	EquipmentMaintenance EquipmentStatus = "MAINTENANCE"
)

func (s EquipmentStatus) Valid() bool {
	switch s {
	case EquipmentIdle, EquipmentRunning, EquipmentDown, EquipmentMaintenance:
		return true
	}
	return false
}

// Dispatchable reports whether equipment in this state may accept new
// lot assignments.
func (s EquipmentStatus) Dispatchable() bool {
	return s == EquipmentIdle || s == EquipmentRunning
}

// Severity grades an incident from routine to emergency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Zone is the safety-circuit posture derived from incident severity.
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// ActionStatus tracks how a recommended corrective action is handled.
type ActionStatus string

const (
	ActionAutoExecuted    ActionStatus = "auto_executed"
	ActionPendingApproval ActionStatus = "pending_approval"
	ActionAlertOnly       ActionStatus = "alert_only"
	ActionApproved        ActionStatus = "approved"
	ActionRejected        ActionStatus = "rejected"
)

// AgentKind identifies the class of autonomous agent reporting in.
type AgentKind string

const (
	AgentSentinel  AgentKind = "sentinel"
	AgentGem       AgentKind = "gem"
	AgentSimulator AgentKind = "simulator"
)

func (k AgentKind) Valid() bool {
	switch k {
	case AgentSentinel, AgentGem, AgentSimulator:
		return true
	}
	return false
}

// AgentStatus is the liveness of a registered agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Equipment is a single tool on the fab floor.
type Equipment struct {
	ID                   string          `json:"id" db:"id"`
	Name                 string          `json:"name" db:"name"`
	Kind                 string          `json:"kind" db:"kind"`
	Status               EquipmentStatus `json:"status" db:"status"`
	Zone                 string          `json:"zone" db:"zone"`
	Efficiency           float64         `json:"efficiency" db:"efficiency"`
	CurrentLotID         *string         `json:"current_lot_id,omitempty" db:"current_lot_id"`
	TotalWafersProcessed int64           `json:"total_wafers_processed" db:"total_wafers_processed"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Lot is a batch of wafers moving through the line as one unit.
type Lot struct {
	ID                       string     `json:"id" db:"id"`
	Name                     string     `json:"name" db:"name"`
	WaferCount               int        `json:"wafer_count" db:"wafer_count"`
	Priority                 int        `json:"priority" db:"priority"`
	HotLot                   bool       `json:"hot_lot" db:"hot_lot"`
	RecipeKind               string     `json:"recipe_kind" db:"recipe_kind"`
	CustomerTag              string     `json:"customer_tag,omitempty" db:"customer_tag"`
	Status                   LotStatus  `json:"status" db:"status"`
	AssignedEquipmentID      *string    `json:"assigned_equipment_id,omitempty" db:"assigned_equipment_id"`
	EstimatedDurationMinutes int        `json:"estimated_duration_minutes" db:"estimated_duration_minutes"`
	Deadline                 *time.Time `json:"deadline,omitempty" db:"deadline"`
	StartedAt                *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt                time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at" db:"updated_at"`
}

// DispatchRecord is the append-only trace of one scheduler assignment.
type DispatchRecord struct {
	ID           string    `json:"id" db:"id"`
	LotID        string    `json:"lot_id" db:"lot_id"`
	EquipmentID  string    `json:"equipment_id" db:"equipment_id"`
	Score        float64   `json:"score" db:"score"`
	Reason       string    `json:"reason" db:"reason"`
	DispatchedAt time.Time `json:"dispatched_at" db:"dispatched_at"`
}

// SensorReading is one telemetry sample from a piece of equipment.
type SensorReading struct {
	ID           string    `json:"id" db:"id"`
	EquipmentID  string    `json:"equipment_id" db:"equipment_id"`
	Temperature  float64   `json:"temperature_celsius" db:"temperature_celsius"`
	Vibration    float64   `json:"vibration_mm_s" db:"vibration_mm_s"`
	Pressure     float64   `json:"pressure_kpa" db:"pressure_kpa"`
	Power        float64   `json:"power_kw" db:"power_kw"`
	IsAnomaly    bool      `json:"is_anomaly" db:"is_anomaly"`
	AnomalyScore *float64  `json:"anomaly_score,omitempty" db:"anomaly_score"`
	RecordedAt   time.Time `json:"recorded_at" db:"recorded_at"`
}

// Incident is a detected anomaly together with its recommended action
// and the safety-circuit decision about that action.
type Incident struct {
	ID             string       `json:"id" db:"id"`
	EquipmentID    string       `json:"equipment_id" db:"equipment_id"`
	Kind           string       `json:"kind" db:"kind"`
	Severity       Severity     `json:"severity" db:"severity"`
	Zone           Zone         `json:"zone" db:"zone"`
	Message        string       `json:"message" db:"message"`
	DetectedValue  float64      `json:"detected_value" db:"detected_value"`
	ThresholdValue float64      `json:"threshold_value" db:"threshold_value"`
	ZScore         *float64     `json:"z_score,omitempty" db:"z_score"`
	RateOfChange   *float64     `json:"rate_of_change,omitempty" db:"rate_of_change"`
	Action         string       `json:"action" db:"action"`
	ActionStatus   ActionStatus `json:"action_status" db:"action_status"`
	Resolved       bool         `json:"resolved" db:"resolved"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
	OperatorNotes  string       `json:"operator_notes,omitempty" db:"operator_notes"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// Agent is a registered autonomous worker (detector, simulator, ...).
type Agent struct {
	ID            string      `json:"id" db:"id"`
	Kind          AgentKind   `json:"kind" db:"kind"`
	EquipmentID   string      `json:"equipment_id,omitempty" db:"equipment_id"`
	Status        AgentStatus `json:"status" db:"status"`
	Capabilities  []string    `json:"capabilities" db:"capabilities"`
	LastHeartbeat time.Time   `json:"last_heartbeat" db:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at" db:"registered_at"`
}

// ConfigSnapshot captures the generator settings in force when a lot
// was synthesized. Stored verbatim on every generation log entry.
type ConfigSnapshot struct {
	HotLotProbability    float64         `json:"hot_lot_probability"`
	PriorityDistribution map[int]float64 `json:"priority_distribution"`
}

// GenerationLogEntry is the audit record for one autogenerated lot.
type GenerationLogEntry struct {
	ID          string         `json:"id" db:"id"`
	LotID       string         `json:"lot_id" db:"lot_id"`
	Reason      string         `json:"reason" db:"reason"`
	TriggeredBy string         `json:"triggered_by" db:"triggered_by"`
	Config      ConfigSnapshot `json:"config_snapshot" db:"config_snapshot"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// GeneratorConfig is the singleton tuning record for the lot generator.
// Absence of a persisted row means built-in defaults apply.
type GeneratorConfig struct {
	Enabled              bool               `json:"enabled" db:"enabled"`
	IntervalSeconds      int                `json:"interval_seconds" db:"interval_seconds"`
	MinLots              int                `json:"min_lots" db:"min_lots"`
	MaxLots              int                `json:"max_lots" db:"max_lots"`
	BatchSize            int                `json:"batch_size" db:"batch_size"`
	HotLotProbability    float64            `json:"hot_lot_probability" db:"hot_lot_probability"`
	PriorityDistribution map[int]float64    `json:"priority_distribution" db:"priority_distribution"`
	CustomerWeights      map[string]float64 `json:"customer_weights" db:"customer_weights"`
	RecipeKinds          []string           `json:"recipe_kinds" db:"recipe_kinds"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// LotFilter narrows ListLots. Zero values mean "any".
type LotFilter struct {
	Statuses []LotStatus
	Priority int
	HotOnly  bool
	Limit    int
}

// EquipmentFilter narrows ListEquipment. Zero values mean "any".
type EquipmentFilter struct {
	Statuses []EquipmentStatus
	Kind     string
	Zone     string
}

// IncidentFilter narrows ListIncidents. Zero values mean "any".
type IncidentFilter struct {
	EquipmentID string
	Severity    Severity
	Resolved    *bool
	Since       time.Time
	Limit       int
}

// ReadingFilter narrows ListSensorReadings for one equipment.
type ReadingFilter struct {
	AnomaliesOnly bool
	Since         time.Time
	Limit         int
}

// AgentFilter narrows ListAgents. Zero values mean "any".
type AgentFilter struct {
	Kind   AgentKind
	Status AgentStatus
}

// LotUpdate is a partial update for a PENDING or QUEUED lot. Nil
// fields are left untouched.
type LotUpdate struct {
	Priority                 *int
	HotLot                   *bool
	Deadline                 *time.Time
	ClearDeadline            bool
	CustomerTag              *string
	EstimatedDurationMinutes *int
}

// EquipmentUpdate is a partial update for equipment master data. Nil
// fields are left untouched.
type EquipmentUpdate struct {
	Name       *string
	Status     *EquipmentStatus
	Zone       *string
	Efficiency *float64
}
