package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AngelP17/YieldOps/internal/resilience"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// single-node development runs. All reads return copies so callers can
// never mutate shared state, and all list methods sort their output so
// identical histories produce identical listings.
type MemoryStore struct {
	mu sync.RWMutex

	equipment map[string]*Equipment
	lots      map[string]*Lot
	dispatch  []*DispatchRecord
	readings  []*SensorReading
	incidents map[string]*Incident
	agents    map[string]*Agent
	genConfig *GeneratorConfig
	genLog    []*GenerationLogEntry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		equipment: make(map[string]*Equipment),
		lots:      make(map[string]*Lot),
		incidents: make(map[string]*Incident),
		agents:    make(map[string]*Agent),
	}
}

func copyEquipment(eq *Equipment) *Equipment {
	out := *eq
	if eq.CurrentLotID != nil {
		v := *eq.CurrentLotID
		out.CurrentLotID = &v
	}
	return &out
}

func copyLot(l *Lot) *Lot {
	out := *l
	if l.AssignedEquipmentID != nil {
		v := *l.AssignedEquipmentID
		out.AssignedEquipmentID = &v
	}
	if l.Deadline != nil {
		v := *l.Deadline
		out.Deadline = &v
	}
	if l.StartedAt != nil {
		v := *l.StartedAt
		out.StartedAt = &v
	}
	if l.CompletedAt != nil {
		v := *l.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

func copyIncident(inc *Incident) *Incident {
	out := *inc
	if inc.ZScore != nil {
		v := *inc.ZScore
		out.ZScore = &v
	}
	if inc.RateOfChange != nil {
		v := *inc.RateOfChange
		out.RateOfChange = &v
	}
	if inc.ResolvedAt != nil {
		v := *inc.ResolvedAt
		out.ResolvedAt = &v
	}
	return &out
}

func copyAgent(a *Agent) *Agent {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return &out
}

func copyReading(r *SensorReading) *SensorReading {
	out := *r
	if r.AnomalyScore != nil {
		v := *r.AnomalyScore
		out.AnomalyScore = &v
	}
	return &out
}

func copyGeneratorConfig(cfg *GeneratorConfig) *GeneratorConfig {
	out := *cfg
	out.PriorityDistribution = make(map[int]float64, len(cfg.PriorityDistribution))
	for k, v := range cfg.PriorityDistribution {
		out.PriorityDistribution[k] = v
	}
	out.CustomerWeights = make(map[string]float64, len(cfg.CustomerWeights))
	for k, v := range cfg.CustomerWeights {
		out.CustomerWeights[k] = v
	}
	out.RecipeKinds = append([]string(nil), cfg.RecipeKinds...)
	return &out
}

func copyGenLogEntry(e *GenerationLogEntry) *GenerationLogEntry {
	out := *e
	out.Config.PriorityDistribution = make(map[int]float64, len(e.Config.PriorityDistribution))
	for k, v := range e.Config.PriorityDistribution {
		out.Config.PriorityDistribution[k] = v
	}
	return &out
}

// --- Equipment ---

func (s *MemoryStore) CreateEquipment(ctx context.Context, eq *Equipment) error {
	if eq.ID == "" {
		return resilience.Validationf("equipment id must not be empty")
	}
	if eq.Efficiency < 0 || eq.Efficiency > 1 {
		return resilience.Validationf("equipment efficiency %.2f out of range [0,1]", eq.Efficiency)
	}
	if eq.Status == "" {
		eq.Status = EquipmentIdle
	}
	if !eq.Status.Valid() {
		return resilience.Validationf("unknown equipment status %q", eq.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.equipment[eq.ID]; ok {
		return resilience.Validationf("equipment %q already exists", eq.ID)
	}
	s.equipment[eq.ID] = copyEquipment(eq)
	return nil
}

func (s *MemoryStore) GetEquipment(ctx context.Context, id string) (*Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eq, ok := s.equipment[id]
	if !ok {
		return nil, nil
	}
	return copyEquipment(eq), nil
}

func (s *MemoryStore) ListEquipment(ctx context.Context, f EquipmentFilter) ([]*Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Equipment, 0, len(s.equipment))
	for _, eq := range s.equipment {
		if len(f.Statuses) > 0 && !containsEquipmentStatus(f.Statuses, eq.Status) {
			continue
		}
		if f.Kind != "" && eq.Kind != f.Kind {
			continue
		}
		if f.Zone != "" && eq.Zone != f.Zone {
			continue
		}
		out = append(out, copyEquipment(eq))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateEquipment(ctx context.Context, id string, upd EquipmentUpdate, now time.Time) (*Equipment, error) {
	if upd.Efficiency != nil && (*upd.Efficiency < 0 || *upd.Efficiency > 1) {
		return nil, resilience.Validationf("equipment efficiency %.2f out of range [0,1]", *upd.Efficiency)
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, resilience.Validationf("unknown equipment status %q", *upd.Status)
		}
		if *upd.Status == EquipmentRunning {
			return nil, resilience.Validationf("equipment status RUNNING is managed by the lot lifecycle")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	eq, ok := s.equipment[id]
	if !ok {
		return nil, resilience.NotFound("equipment", id)
	}
	if upd.Status != nil && eq.Status == EquipmentRunning {
		return nil, resilience.Conflict("equipment", id, string(EquipmentRunning), string(*upd.Status))
	}
	if upd.Name != nil {
		eq.Name = *upd.Name
	}
	if upd.Status != nil {
		eq.Status = *upd.Status
	}
	if upd.Zone != nil {
		eq.Zone = *upd.Zone
	}
	if upd.Efficiency != nil {
		eq.Efficiency = *upd.Efficiency
	}
	eq.UpdatedAt = now
	return copyEquipment(eq), nil
}

func (s *MemoryStore) QueueDepths(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depths := make(map[string]int)
	for _, lot := range s.lots {
		if lot.AssignedEquipmentID == nil {
			continue
		}
		if lot.Status == LotQueued || lot.Status == LotRunning {
			depths[*lot.AssignedEquipmentID]++
		}
	}
	return depths, nil
}

// --- Lots ---

func validateLot(lot *Lot) error {
	if lot.ID == "" {
		return resilience.Validationf("lot id must not be empty")
	}
	if lot.Name == "" {
		return resilience.Validationf("lot name must not be empty")
	}
	if lot.WaferCount < 1 {
		return resilience.Validationf("wafer_count must be at least 1, got %d", lot.WaferCount)
	}
	if lot.Priority < 1 || lot.Priority > 5 {
		return resilience.Validationf("priority must be in [1,5], got %d", lot.Priority)
	}
	if lot.HotLot && lot.Priority != 1 {
		return resilience.Validationf("hot lots must carry priority 1, got %d", lot.Priority)
	}
	if lot.EstimatedDurationMinutes < 1 {
		return resilience.Validationf("estimated_duration_minutes must be at least 1, got %d", lot.EstimatedDurationMinutes)
	}
	return nil
}

func (s *MemoryStore) CreateLot(ctx context.Context, lot *Lot) error {
	if lot.Status == "" {
		lot.Status = LotPending
	}
	if !lot.Status.Valid() {
		return resilience.Validationf("unknown lot status %q", lot.Status)
	}
	if err := validateLot(lot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; ok {
		return resilience.Validationf("lot %q already exists", lot.ID)
	}
	s.lots[lot.ID] = copyLot(lot)
	return nil
}

func (s *MemoryStore) GetLot(ctx context.Context, id string) (*Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, nil
	}
	return copyLot(lot), nil
}

func (s *MemoryStore) ListLots(ctx context.Context, f LotFilter) ([]*Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Lot, 0, len(s.lots))
	for _, lot := range s.lots {
		if len(f.Statuses) > 0 && !containsLotStatus(f.Statuses, lot.Status) {
			continue
		}
		if f.Priority != 0 && lot.Priority != f.Priority {
			continue
		}
		if f.HotOnly && !lot.HotLot {
			continue
		}
		out = append(out, copyLot(lot))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateLot(ctx context.Context, id string, upd LotUpdate, now time.Time) (*Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, resilience.NotFound("lot", id)
	}
	if lot.Status != LotPending && lot.Status != LotQueued {
		return nil, resilience.Validationf("lot %q in status %s cannot be modified", id, lot.Status)
	}

	next := copyLot(lot)
	if upd.HotLot != nil {
		next.HotLot = *upd.HotLot
		if next.HotLot {
			next.Priority = 1
		}
	}
	if upd.Priority != nil {
		next.Priority = *upd.Priority
	}
	if upd.Deadline != nil {
		v := *upd.Deadline
		next.Deadline = &v
	}
	if upd.ClearDeadline {
		next.Deadline = nil
	}
	if upd.CustomerTag != nil {
		next.CustomerTag = *upd.CustomerTag
	}
	if upd.EstimatedDurationMinutes != nil {
		next.EstimatedDurationMinutes = *upd.EstimatedDurationMinutes
	}
	if err := validateLot(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	s.lots[id] = next
	return copyLot(next), nil
}

func (s *MemoryStore) CountLotsByStatus(ctx context.Context) (map[LotStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[LotStatus]int{
		LotPending:   0,
		LotQueued:    0,
		LotRunning:   0,
		LotCompleted: 0,
		LotFailed:    0,
		LotCancelled: 0,
	}
	for _, lot := range s.lots {
		counts[lot.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ListAutoLotNames(ctx context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for _, lot := range s.lots {
		if lot.CreatedAt.Before(since) {
			continue
		}
		if strings.HasPrefix(lot.Name, "AUTO-") || strings.HasPrefix(lot.Name, "HOT-AUTO-") {
			names = append(names, lot.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// --- Lifecycle transitions ---

func (s *MemoryStore) AssignLots(ctx context.Context, records []*DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching anything so a late
	// failure cannot leave a half-applied dispatch.
	for _, rec := range records {
		lot, ok := s.lots[rec.LotID]
		if !ok {
			return resilience.NotFound("lot", rec.LotID)
		}
		if lot.Status != LotPending {
			return resilience.Conflict("lot", rec.LotID, string(lot.Status), string(LotQueued))
		}
		eq, ok := s.equipment[rec.EquipmentID]
		if !ok {
			return resilience.NotFound("equipment", rec.EquipmentID)
		}
		if !eq.Status.Dispatchable() {
			return resilience.Conflict("equipment", rec.EquipmentID, string(eq.Status), string(LotQueued))
		}
	}
	for _, rec := range records {
		lot := s.lots[rec.LotID]
		eqID := rec.EquipmentID
		lot.Status = LotQueued
		lot.AssignedEquipmentID = &eqID
		lot.UpdatedAt = rec.DispatchedAt
		cp := *rec
		s.dispatch = append(s.dispatch, &cp)
	}
	return nil
}

func (s *MemoryStore) StartLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[lotID]
	if !ok {
		return nil, resilience.NotFound("lot", lotID)
	}
	if lot.Status != LotQueued {
		return nil, resilience.Conflict("lot", lotID, string(lot.Status), string(LotRunning))
	}
	if lot.AssignedEquipmentID == nil {
		return nil, resilience.Validationf("lot %q has no assigned equipment", lotID)
	}
	eq, ok := s.equipment[*lot.AssignedEquipmentID]
	if !ok {
		return nil, resilience.NotFound("equipment", *lot.AssignedEquipmentID)
	}
	if eq.Status != EquipmentIdle {
		return nil, resilience.Conflict("equipment", eq.ID, string(eq.Status), string(EquipmentRunning))
	}

	started := now
	lot.Status = LotRunning
	lot.StartedAt = &started
	lot.UpdatedAt = now
	eq.Status = EquipmentRunning
	lid := lot.ID
	eq.CurrentLotID = &lid
	eq.UpdatedAt = now
	return copyLot(lot), nil
}

func (s *MemoryStore) CompleteLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	return s.finishLot(lotID, now, LotCompleted)
}

func (s *MemoryStore) FailLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	return s.finishLot(lotID, now, LotFailed)
}

func (s *MemoryStore) finishLot(lotID string, now time.Time, terminal LotStatus) (*Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[lotID]
	if !ok {
		return nil, resilience.NotFound("lot", lotID)
	}
	if lot.Status != LotRunning {
		return nil, resilience.Conflict("lot", lotID, string(lot.Status), string(terminal))
	}

	done := now
	lot.Status = terminal
	lot.CompletedAt = &done
	lot.UpdatedAt = now

	if lot.AssignedEquipmentID != nil {
		if eq, ok := s.equipment[*lot.AssignedEquipmentID]; ok &&
			eq.CurrentLotID != nil && *eq.CurrentLotID == lotID {
			eq.Status = EquipmentIdle
			eq.CurrentLotID = nil
			if terminal == LotCompleted {
				eq.TotalWafersProcessed += int64(lot.WaferCount)
			}
			eq.UpdatedAt = now
		}
	}
	return copyLot(lot), nil
}

func (s *MemoryStore) ReleaseEquipment(ctx context.Context, id string, now time.Time) (*Equipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eq, ok := s.equipment[id]
	if !ok {
		return nil, resilience.NotFound("equipment", id)
	}
	if eq.Status == EquipmentRunning {
		eq.Status = EquipmentIdle
		eq.CurrentLotID = nil
		eq.UpdatedAt = now
	}
	return copyEquipment(eq), nil
}

func (s *MemoryStore) CancelLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[lotID]
	if !ok {
		return nil, resilience.NotFound("lot", lotID)
	}
	if lot.Status != LotPending && lot.Status != LotQueued {
		return nil, resilience.Conflict("lot", lotID, string(lot.Status), string(LotCancelled))
	}

	done := now
	lot.Status = LotCancelled
	lot.AssignedEquipmentID = nil
	lot.CompletedAt = &done
	lot.UpdatedAt = now
	return copyLot(lot), nil
}

// --- Dispatch trace ---

func (s *MemoryStore) ListDispatchRecords(ctx context.Context, limit int) ([]*DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DispatchRecord, 0, len(s.dispatch))
	for _, rec := range s.dispatch {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispatchedAt.Equal(out[j].DispatchedAt) {
			return out[i].DispatchedAt.After(out[j].DispatchedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Telemetry ---

func (s *MemoryStore) CreateSensorReading(ctx context.Context, r *SensorReading) error {
	if r.ID == "" {
		return resilience.Validationf("sensor reading id must not be empty")
	}
	if r.EquipmentID == "" {
		return resilience.Validationf("sensor reading equipment_id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, copyReading(r))
	return nil
}

func (s *MemoryStore) ListSensorReadings(ctx context.Context, equipmentID string, f ReadingFilter) ([]*SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SensorReading
	for _, r := range s.readings {
		if equipmentID != "" && r.EquipmentID != equipmentID {
			continue
		}
		if f.AnomaliesOnly && !r.IsAnomaly {
			continue
		}
		if !f.Since.IsZero() && r.RecordedAt.Before(f.Since) {
			continue
		}
		out = append(out, copyReading(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.After(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- Incidents ---

func (s *MemoryStore) CreateIncident(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		return resilience.Validationf("incident id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; ok {
		return resilience.Validationf("incident %q already exists", inc.ID)
	}
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, nil
	}
	return copyIncident(inc), nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if f.EquipmentID != "" && inc.EquipmentID != f.EquipmentID {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Resolved != nil && inc.Resolved != *f.Resolved {
			continue
		}
		if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, copyIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SetIncidentAction(ctx context.Context, id string, status ActionStatus, notes string) (*Incident, error) {
	if status != ActionApproved && status != ActionRejected {
		return nil, resilience.Validationf("action decision must be approved or rejected, got %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, resilience.NotFound("incident", id)
	}
	if inc.ActionStatus != ActionPendingApproval {
		return nil, resilience.Conflict("incident", id, string(inc.ActionStatus), string(status))
	}
	inc.ActionStatus = status
	if notes != "" {
		inc.OperatorNotes = notes
	}
	return copyIncident(inc), nil
}

func (s *MemoryStore) ResolveIncident(ctx context.Context, id string, notes string, now time.Time) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, resilience.NotFound("incident", id)
	}
	if inc.Resolved {
		return nil, resilience.Validationf("incident %q is already resolved", id)
	}
	done := now
	inc.Resolved = true
	inc.ResolvedAt = &done
	if notes != "" {
		inc.OperatorNotes = notes
	}
	return copyIncident(inc), nil
}

// --- Agents ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		return resilience.Validationf("agent id must not be empty")
	}
	if !a.Kind.Valid() {
		return resilience.Validationf("unknown agent kind %q", a.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.agents[a.ID]; ok {
		next := copyAgent(a)
		next.RegisteredAt = prev.RegisteredAt
		s.agents[a.ID] = next
		return nil
	}
	s.agents[a.ID] = copyAgent(a)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return copyAgent(a), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateAgentHeartbeat(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return resilience.NotFound("agent", id)
	}
	a.LastHeartbeat = now
	a.Status = AgentActive
	return nil
}

func (s *MemoryStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return resilience.NotFound("agent", id)
	}
	a.Status = status
	return nil
}

// --- Generator configuration and audit ---

func (s *MemoryStore) GetGeneratorConfig(ctx context.Context) (*GeneratorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.genConfig == nil {
		return nil, nil
	}
	return copyGeneratorConfig(s.genConfig), nil
}

func (s *MemoryStore) SaveGeneratorConfig(ctx context.Context, cfg *GeneratorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genConfig = copyGeneratorConfig(cfg)
	return nil
}

func (s *MemoryStore) AppendGenerationLog(ctx context.Context, e *GenerationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genLog = append(s.genLog, copyGenLogEntry(e))
	return nil
}

func (s *MemoryStore) ListGenerationLog(ctx context.Context, reason string, limit int) ([]*GenerationLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*GenerationLogEntry
	for _, e := range s.genLog {
		if reason != "" && e.Reason != reason {
			continue
		}
		out = append(out, copyGenLogEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func containsLotStatus(list []LotStatus, v LotStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsEquipmentStatus(list []EquipmentStatus, v EquipmentStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
