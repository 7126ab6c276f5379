package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/AngelP17/YieldOps/internal/resilience"
)

// PostgresStore is the production Store backed by a pgx connection
// pool. Every operation runs behind a retry loop for transient
// connectivity faults and a circuit breaker that sheds load once the
// database has been failing persistently. Callers receive
// UnavailableError once retries are exhausted or the breaker is open.
type PostgresStore struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
}

// NewPostgresStore connects to databaseURL and verifies the
// connection. onBreakerChange, if non-nil, observes breaker state
// transitions (wired to the process logger at composition time).
func NewPostgresStore(ctx context.Context, databaseURL string, onBreakerChange func(from, to gobreaker.State)) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, resilience.Unavailable(fmt.Errorf("ping database: %w", err))
	}

	breaker := resilience.NewBreaker("postgres",
		func(err error) bool { return err == nil || !isTransient(err) },
		onBreakerChange)

	return &PostgresStore{pool: pool, breaker: breaker}, nil
}

// isTransient reports whether err looks like a connectivity fault
// worth retrying. Server-side SQL errors are transient only for
// connection exceptions (08xxx) and transaction rollbacks (40xxx,
// e.g. serialization failures); anything else the server said on
// purpose.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resilience.IsValidation(err) || resilience.IsNotFound(err) || resilience.IsConflict(err) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40")
	}
	return true
}

// do runs op behind the retry loop and the circuit breaker, mapping
// exhausted retries and an open breaker to UnavailableError.
func (s *PostgresStore) do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, resilience.Retry(ctx, func() (bool, error) {
			err := op(ctx)
			return isTransient(err), err
		})
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return resilience.Unavailable(err)
	}
	if isTransient(err) {
		return resilience.Unavailable(err)
	}
	return err
}

// inTx begins a transaction, runs op, and commits. Rollback on any
// error.
func (s *PostgresStore) inTx(ctx context.Context, op func(tx pgx.Tx) error) error {
	return s.do(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := op(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// --- Equipment ---

const equipmentColumns = `id, name, kind, status, zone, efficiency, current_lot_id, total_wafers_processed, created_at, updated_at`

func scanEquipment(row pgx.Row) (*Equipment, error) {
	var eq Equipment
	err := row.Scan(&eq.ID, &eq.Name, &eq.Kind, &eq.Status, &eq.Zone, &eq.Efficiency,
		&eq.CurrentLotID, &eq.TotalWafersProcessed, &eq.CreatedAt, &eq.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &eq, nil
}

func (s *PostgresStore) CreateEquipment(ctx context.Context, eq *Equipment) error {
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
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO equipment (id, name, kind, status, zone, efficiency, current_lot_id, total_wafers_processed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			eq.ID, eq.Name, eq.Kind, eq.Status, eq.Zone, eq.Efficiency,
			eq.CurrentLotID, eq.TotalWafersProcessed, eq.CreatedAt, eq.UpdatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return resilience.Validationf("equipment %q already exists", eq.ID)
		}
		return err
	})
}

func (s *PostgresStore) GetEquipment(ctx context.Context, id string) (*Equipment, error) {
	var out *Equipment
	err := s.do(ctx, func(ctx context.Context) error {
		eq, err := scanEquipment(s.pool.QueryRow(ctx,
			`SELECT `+equipmentColumns+` FROM equipment WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			out = nil
			return nil
		}
		out = eq
		return err
	})
	return out, err
}

func (s *PostgresStore) ListEquipment(ctx context.Context, f EquipmentFilter) ([]*Equipment, error) {
	q := `SELECT ` + equipmentColumns + ` FROM equipment`
	var conds []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		args = append(args, equipmentStatusStrings(f.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Zone != "" {
		args = append(args, f.Zone)
		conds = append(conds, fmt.Sprintf("zone = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"

	var out []*Equipment
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			eq, err := scanEquipment(rows)
			if err != nil {
				return err
			}
			out = append(out, eq)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) UpdateEquipment(ctx context.Context, id string, upd EquipmentUpdate, now time.Time) (*Equipment, error) {
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

	var out *Equipment
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		eq, err := scanEquipment(tx.QueryRow(ctx,
			`SELECT `+equipmentColumns+` FROM equipment WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("equipment", id)
		}
		if err != nil {
			return err
		}
		if upd.Status != nil && eq.Status == EquipmentRunning {
			return resilience.Conflict("equipment", id, string(EquipmentRunning), string(*upd.Status))
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
		_, err = tx.Exec(ctx, `
			UPDATE equipment SET name = $2, status = $3, zone = $4, efficiency = $5, updated_at = $6
			WHERE id = $1`,
			id, eq.Name, eq.Status, eq.Zone, eq.Efficiency, eq.UpdatedAt)
		if err != nil {
			return err
		}
		out = eq
		return nil
	})
	return out, err
}

func (s *PostgresStore) QueueDepths(ctx context.Context) (map[string]int, error) {
	var out map[string]int
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT assigned_equipment_id, COUNT(*)
			FROM lots
			WHERE status IN ('QUEUED', 'RUNNING') AND assigned_equipment_id IS NOT NULL
			GROUP BY assigned_equipment_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = make(map[string]int)
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				return err
			}
			out[id] = n
		}
		return rows.Err()
	})
	return out, err
}

// --- Lots ---

const lotColumns = `id, name, wafer_count, priority, hot_lot, recipe_kind, customer_tag, status, assigned_equipment_id, estimated_duration_minutes, deadline, started_at, completed_at, created_at, updated_at`

func scanLot(row pgx.Row) (*Lot, error) {
	var l Lot
	err := row.Scan(&l.ID, &l.Name, &l.WaferCount, &l.Priority, &l.HotLot, &l.RecipeKind,
		&l.CustomerTag, &l.Status, &l.AssignedEquipmentID, &l.EstimatedDurationMinutes,
		&l.Deadline, &l.StartedAt, &l.CompletedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) CreateLot(ctx context.Context, lot *Lot) error {
	if lot.Status == "" {
		lot.Status = LotPending
	}
	if !lot.Status.Valid() {
		return resilience.Validationf("unknown lot status %q", lot.Status)
	}
	if err := validateLot(lot); err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO lots (id, name, wafer_count, priority, hot_lot, recipe_kind, customer_tag, status,
			                  assigned_equipment_id, estimated_duration_minutes, deadline, started_at,
			                  completed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			lot.ID, lot.Name, lot.WaferCount, lot.Priority, lot.HotLot, lot.RecipeKind,
			lot.CustomerTag, lot.Status, lot.AssignedEquipmentID, lot.EstimatedDurationMinutes,
			lot.Deadline, lot.StartedAt, lot.CompletedAt, lot.CreatedAt, lot.UpdatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return resilience.Validationf("lot %q already exists", lot.ID)
		}
		return err
	})
}

func (s *PostgresStore) GetLot(ctx context.Context, id string) (*Lot, error) {
	var out *Lot
	err := s.do(ctx, func(ctx context.Context) error {
		lot, err := scanLot(s.pool.QueryRow(ctx,
			`SELECT `+lotColumns+` FROM lots WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			out = nil
			return nil
		}
		out = lot
		return err
	})
	return out, err
}

func (s *PostgresStore) ListLots(ctx context.Context, f LotFilter) ([]*Lot, error) {
	q := `SELECT ` + lotColumns + ` FROM lots`
	var conds []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		args = append(args, lotStatusStrings(f.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Priority != 0 {
		args = append(args, f.Priority)
		conds = append(conds, fmt.Sprintf("priority = $%d", len(args)))
	}
	if f.HotOnly {
		conds = append(conds, "hot_lot")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, name, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*Lot
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			lot, err := scanLot(rows)
			if err != nil {
				return err
			}
			out = append(out, lot)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) UpdateLot(ctx context.Context, id string, upd LotUpdate, now time.Time) (*Lot, error) {
	var out *Lot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lot, err := scanLot(tx.QueryRow(ctx,
			`SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("lot", id)
		}
		if err != nil {
			return err
		}
		if lot.Status != LotPending && lot.Status != LotQueued {
			return resilience.Validationf("lot %q in status %s cannot be modified", id, lot.Status)
		}
		if upd.HotLot != nil {
			lot.HotLot = *upd.HotLot
			if lot.HotLot {
				lot.Priority = 1
			}
		}
		if upd.Priority != nil {
			lot.Priority = *upd.Priority
		}
		if upd.Deadline != nil {
			v := *upd.Deadline
			lot.Deadline = &v
		}
		if upd.ClearDeadline {
			lot.Deadline = nil
		}
		if upd.CustomerTag != nil {
			lot.CustomerTag = *upd.CustomerTag
		}
		if upd.EstimatedDurationMinutes != nil {
			lot.EstimatedDurationMinutes = *upd.EstimatedDurationMinutes
		}
		if err := validateLot(lot); err != nil {
			return err
		}
		lot.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			UPDATE lots SET priority = $2, hot_lot = $3, deadline = $4, customer_tag = $5,
			                estimated_duration_minutes = $6, updated_at = $7
			WHERE id = $1`,
			id, lot.Priority, lot.HotLot, lot.Deadline, lot.CustomerTag,
			lot.EstimatedDurationMinutes, lot.UpdatedAt)
		if err != nil {
			return err
		}
		out = lot
		return nil
	})
	return out, err
}

func (s *PostgresStore) CountLotsByStatus(ctx context.Context) (map[LotStatus]int, error) {
	var out map[LotStatus]int
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM lots GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = map[LotStatus]int{
			LotPending: 0, LotQueued: 0, LotRunning: 0,
			LotCompleted: 0, LotFailed: 0, LotCancelled: 0,
		}
		for rows.Next() {
			var st LotStatus
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				return err
			}
			out[st] = n
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ListAutoLotNames(ctx context.Context, since time.Time) ([]string, error) {
	var out []string
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT name FROM lots
			WHERE created_at >= $1 AND (name LIKE 'AUTO-%' OR name LIKE 'HOT-AUTO-%')
			ORDER BY name`, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			out = append(out, name)
		}
		return rows.Err()
	})
	return out, err
}

// --- Lifecycle transitions ---

func (s *PostgresStore) AssignLots(ctx context.Context, records []*DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, rec := range records {
			var lotStatus LotStatus
			err := tx.QueryRow(ctx,
				`SELECT status FROM lots WHERE id = $1 FOR UPDATE`, rec.LotID).Scan(&lotStatus)
			if errors.Is(err, pgx.ErrNoRows) {
				return resilience.NotFound("lot", rec.LotID)
			}
			if err != nil {
				return err
			}
			if lotStatus != LotPending {
				return resilience.Conflict("lot", rec.LotID, string(lotStatus), string(LotQueued))
			}

			var eqStatus EquipmentStatus
			err = tx.QueryRow(ctx,
				`SELECT status FROM equipment WHERE id = $1 FOR UPDATE`, rec.EquipmentID).Scan(&eqStatus)
			if errors.Is(err, pgx.ErrNoRows) {
				return resilience.NotFound("equipment", rec.EquipmentID)
			}
			if err != nil {
				return err
			}
			if !eqStatus.Dispatchable() {
				return resilience.Conflict("equipment", rec.EquipmentID, string(eqStatus), string(LotQueued))
			}

			if _, err := tx.Exec(ctx, `
				UPDATE lots SET status = $2, assigned_equipment_id = $3, updated_at = $4
				WHERE id = $1`,
				rec.LotID, LotQueued, rec.EquipmentID, rec.DispatchedAt); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO dispatch_records (id, lot_id, equipment_id, score, reason, dispatched_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				rec.ID, rec.LotID, rec.EquipmentID, rec.Score, rec.Reason, rec.DispatchedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) StartLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	var out *Lot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lot, err := scanLot(tx.QueryRow(ctx,
			`SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("lot", lotID)
		}
		if err != nil {
			return err
		}
		if lot.Status != LotQueued {
			return resilience.Conflict("lot", lotID, string(lot.Status), string(LotRunning))
		}
		if lot.AssignedEquipmentID == nil {
			return resilience.Validationf("lot %q has no assigned equipment", lotID)
		}

		var eqStatus EquipmentStatus
		err = tx.QueryRow(ctx,
			`SELECT status FROM equipment WHERE id = $1 FOR UPDATE`, *lot.AssignedEquipmentID).Scan(&eqStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("equipment", *lot.AssignedEquipmentID)
		}
		if err != nil {
			return err
		}
		if eqStatus != EquipmentIdle {
			return resilience.Conflict("equipment", *lot.AssignedEquipmentID, string(eqStatus), string(EquipmentRunning))
		}

		if _, err := tx.Exec(ctx, `
			UPDATE lots SET status = $2, started_at = $3, updated_at = $3 WHERE id = $1`,
			lotID, LotRunning, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE equipment SET status = $2, current_lot_id = $3, updated_at = $4 WHERE id = $1`,
			*lot.AssignedEquipmentID, EquipmentRunning, lotID, now); err != nil {
			return err
		}

		started := now
		lot.Status = LotRunning
		lot.StartedAt = &started
		lot.UpdatedAt = now
		out = lot
		return nil
	})
	return out, err
}

func (s *PostgresStore) CompleteLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	return s.finishLot(ctx, lotID, now, LotCompleted)
}

func (s *PostgresStore) FailLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	return s.finishLot(ctx, lotID, now, LotFailed)
}

func (s *PostgresStore) finishLot(ctx context.Context, lotID string, now time.Time, terminal LotStatus) (*Lot, error) {
	var out *Lot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lot, err := scanLot(tx.QueryRow(ctx,
			`SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("lot", lotID)
		}
		if err != nil {
			return err
		}
		if lot.Status != LotRunning {
			return resilience.Conflict("lot", lotID, string(lot.Status), string(terminal))
		}

		if _, err := tx.Exec(ctx, `
			UPDATE lots SET status = $2, completed_at = $3, updated_at = $3 WHERE id = $1`,
			lotID, terminal, now); err != nil {
			return err
		}
		if lot.AssignedEquipmentID != nil {
			wafers := 0
			if terminal == LotCompleted {
				wafers = lot.WaferCount
			}
			// Release only if this lot still owns the equipment.
			if _, err := tx.Exec(ctx, `
				UPDATE equipment
				SET status = $3, current_lot_id = NULL,
				    total_wafers_processed = total_wafers_processed + $4, updated_at = $5
				WHERE id = $1 AND current_lot_id = $2`,
				*lot.AssignedEquipmentID, lotID, EquipmentIdle, wafers, now); err != nil {
				return err
			}
		}

		done := now
		lot.Status = terminal
		lot.CompletedAt = &done
		lot.UpdatedAt = now
		out = lot
		return nil
	})
	return out, err
}

func (s *PostgresStore) CancelLot(ctx context.Context, lotID string, now time.Time) (*Lot, error) {
	var out *Lot
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lot, err := scanLot(tx.QueryRow(ctx,
			`SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, lotID))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("lot", lotID)
		}
		if err != nil {
			return err
		}
		if lot.Status != LotPending && lot.Status != LotQueued {
			return resilience.Conflict("lot", lotID, string(lot.Status), string(LotCancelled))
		}

		if _, err := tx.Exec(ctx, `
			UPDATE lots SET status = $2, assigned_equipment_id = NULL, completed_at = $3, updated_at = $3
			WHERE id = $1`,
			lotID, LotCancelled, now); err != nil {
			return err
		}

		done := now
		lot.Status = LotCancelled
		lot.AssignedEquipmentID = nil
		lot.CompletedAt = &done
		lot.UpdatedAt = now
		out = lot
		return nil
	})
	return out, err
}

func (s *PostgresStore) ReleaseEquipment(ctx context.Context, id string, now time.Time) (*Equipment, error) {
	var out *Equipment
	err := s.do(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `
			UPDATE equipment SET status = $2, current_lot_id = NULL, updated_at = $3
			WHERE id = $1 AND status = $4`,
			id, EquipmentIdle, now, EquipmentRunning); err != nil {
			return err
		}
		eq, err := scanEquipment(s.pool.QueryRow(ctx,
			`SELECT `+equipmentColumns+` FROM equipment WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("equipment", id)
		}
		out = eq
		return err
	})
	return out, err
}

// --- Dispatch trace ---

func (s *PostgresStore) ListDispatchRecords(ctx context.Context, limit int) ([]*DispatchRecord, error) {
	q := `SELECT id, lot_id, equipment_id, score, reason, dispatched_at FROM dispatch_records
	      ORDER BY dispatched_at DESC, id`
	var args []interface{}
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}
	var out []*DispatchRecord
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var rec DispatchRecord
			if err := rows.Scan(&rec.ID, &rec.LotID, &rec.EquipmentID, &rec.Score, &rec.Reason, &rec.DispatchedAt); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return rows.Err()
	})
	return out, err
}

// --- Telemetry ---

func (s *PostgresStore) CreateSensorReading(ctx context.Context, r *SensorReading) error {
	if r.ID == "" || r.EquipmentID == "" {
		return resilience.Validationf("sensor reading id and equipment_id must not be empty")
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sensor_readings (id, equipment_id, temperature_celsius, vibration_mm_s, pressure_kpa, power_kw, is_anomaly, anomaly_score, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.EquipmentID, r.Temperature, r.Vibration, r.Pressure, r.Power,
			r.IsAnomaly, r.AnomalyScore, r.RecordedAt)
		return err
	})
}

func (s *PostgresStore) ListSensorReadings(ctx context.Context, equipmentID string, f ReadingFilter) ([]*SensorReading, error) {
	q := `SELECT id, equipment_id, temperature_celsius, vibration_mm_s, pressure_kpa, power_kw, is_anomaly, anomaly_score, recorded_at
	      FROM sensor_readings`
	var conds []string
	var args []interface{}
	if equipmentID != "" {
		args = append(args, equipmentID)
		conds = append(conds, fmt.Sprintf("equipment_id = $%d", len(args)))
	}
	if f.AnomaliesOnly {
		conds = append(conds, "is_anomaly")
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY recorded_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*SensorReading
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var r SensorReading
			if err := rows.Scan(&r.ID, &r.EquipmentID, &r.Temperature, &r.Vibration, &r.Pressure,
				&r.Power, &r.IsAnomaly, &r.AnomalyScore, &r.RecordedAt); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	return out, err
}

// --- Incidents ---

const incidentColumns = `id, equipment_id, kind, severity, zone, message, detected_value, threshold_value, z_score, rate_of_change, action, action_status, resolved, resolved_at, operator_notes, created_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var inc Incident
	err := row.Scan(&inc.ID, &inc.EquipmentID, &inc.Kind, &inc.Severity, &inc.Zone, &inc.Message,
		&inc.DetectedValue, &inc.ThresholdValue, &inc.ZScore, &inc.RateOfChange,
		&inc.Action, &inc.ActionStatus, &inc.Resolved, &inc.ResolvedAt, &inc.OperatorNotes, &inc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		return resilience.Validationf("incident id must not be empty")
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO incidents (id, equipment_id, kind, severity, zone, message, detected_value, threshold_value,
			                       z_score, rate_of_change, action, action_status, resolved, resolved_at, operator_notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			inc.ID, inc.EquipmentID, inc.Kind, inc.Severity, inc.Zone, inc.Message,
			inc.DetectedValue, inc.ThresholdValue, inc.ZScore, inc.RateOfChange,
			inc.Action, inc.ActionStatus, inc.Resolved, inc.ResolvedAt, inc.OperatorNotes, inc.CreatedAt)
		return err
	})
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var out *Incident
	err := s.do(ctx, func(ctx context.Context) error {
		inc, err := scanIncident(s.pool.QueryRow(ctx,
			`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			out = nil
			return nil
		}
		out = inc
		return err
	})
	return out, err
}

func (s *PostgresStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM incidents`
	var conds []string
	var args []interface{}
	if f.EquipmentID != "" {
		args = append(args, f.EquipmentID)
		conds = append(conds, fmt.Sprintf("equipment_id = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		conds = append(conds, fmt.Sprintf("resolved = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*Incident
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			inc, err := scanIncident(rows)
			if err != nil {
				return err
			}
			out = append(out, inc)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) SetIncidentAction(ctx context.Context, id string, status ActionStatus, notes string) (*Incident, error) {
	if status != ActionApproved && status != ActionRejected {
		return nil, resilience.Validationf("action decision must be approved or rejected, got %q", status)
	}
	var out *Incident
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inc, err := scanIncident(tx.QueryRow(ctx,
			`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("incident", id)
		}
		if err != nil {
			return err
		}
		if inc.ActionStatus != ActionPendingApproval {
			return resilience.Conflict("incident", id, string(inc.ActionStatus), string(status))
		}
		inc.ActionStatus = status
		if notes != "" {
			inc.OperatorNotes = notes
		}
		_, err = tx.Exec(ctx, `
			UPDATE incidents SET action_status = $2, operator_notes = $3 WHERE id = $1`,
			id, inc.ActionStatus, inc.OperatorNotes)
		if err != nil {
			return err
		}
		out = inc
		return nil
	})
	return out, err
}

func (s *PostgresStore) ResolveIncident(ctx context.Context, id string, notes string, now time.Time) (*Incident, error) {
	var out *Incident
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inc, err := scanIncident(tx.QueryRow(ctx,
			`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NotFound("incident", id)
		}
		if err != nil {
			return err
		}
		if inc.Resolved {
			return resilience.Validationf("incident %q is already resolved", id)
		}
		done := now
		inc.Resolved = true
		inc.ResolvedAt = &done
		if notes != "" {
			inc.OperatorNotes = notes
		}
		_, err = tx.Exec(ctx, `
			UPDATE incidents SET resolved = TRUE, resolved_at = $2, operator_notes = $3 WHERE id = $1`,
			id, inc.ResolvedAt, inc.OperatorNotes)
		if err != nil {
			return err
		}
		out = inc
		return nil
	})
	return out, err
}

// --- Agents ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		return resilience.Validationf("agent id must not be empty")
	}
	if !a.Kind.Valid() {
		return resilience.Validationf("unknown agent kind %q", a.Kind)
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO agents (id, kind, equipment_id, status, capabilities, last_heartbeat, registered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				equipment_id = EXCLUDED.equipment_id,
				status = EXCLUDED.status,
				capabilities = EXCLUDED.capabilities,
				last_heartbeat = EXCLUDED.last_heartbeat`,
			a.ID, a.Kind, a.EquipmentID, a.Status, caps, a.LastHeartbeat, a.RegisteredAt)
		return err
	})
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var caps []byte
	err := row.Scan(&a.ID, &a.Kind, &a.EquipmentID, &a.Status, &caps, &a.LastHeartbeat, &a.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var out *Agent
	err := s.do(ctx, func(ctx context.Context) error {
		a, err := scanAgent(s.pool.QueryRow(ctx, `
			SELECT id, kind, equipment_id, status, capabilities, last_heartbeat, registered_at
			FROM agents WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			out = nil
			return nil
		}
		out = a
		return err
	})
	return out, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	q := `SELECT id, kind, equipment_id, status, capabilities, last_heartbeat, registered_at FROM agents`
	var conds []string
	var args []interface{}
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"

	var out []*Agent
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, id string, now time.Time) error {
	return s.do(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE agents SET last_heartbeat = $2, status = $3 WHERE id = $1`,
			id, now, AgentActive)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return resilience.NotFound("agent", id)
		}
		return nil
	})
}

func (s *PostgresStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	return s.do(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return resilience.NotFound("agent", id)
		}
		return nil
	})
}

// --- Generator configuration and audit ---

func (s *PostgresStore) GetGeneratorConfig(ctx context.Context) (*GeneratorConfig, error) {
	var out *GeneratorConfig
	err := s.do(ctx, func(ctx context.Context) error {
		var cfg GeneratorConfig
		var dist, weights, recipes []byte
		err := s.pool.QueryRow(ctx, `
			SELECT enabled, interval_seconds, min_lots, max_lots, batch_size, hot_lot_probability,
			       priority_distribution, customer_weights, recipe_kinds, updated_at
			FROM generator_config WHERE id = 1`).Scan(
			&cfg.Enabled, &cfg.IntervalSeconds, &cfg.MinLots, &cfg.MaxLots, &cfg.BatchSize,
			&cfg.HotLotProbability, &dist, &weights, &recipes, &cfg.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(dist, &cfg.PriorityDistribution); err != nil {
			return fmt.Errorf("unmarshal priority distribution: %w", err)
		}
		if err := json.Unmarshal(weights, &cfg.CustomerWeights); err != nil {
			return fmt.Errorf("unmarshal customer weights: %w", err)
		}
		if err := json.Unmarshal(recipes, &cfg.RecipeKinds); err != nil {
			return fmt.Errorf("unmarshal recipe kinds: %w", err)
		}
		out = &cfg
		return nil
	})
	return out, err
}

func (s *PostgresStore) SaveGeneratorConfig(ctx context.Context, cfg *GeneratorConfig) error {
	dist, err := json.Marshal(cfg.PriorityDistribution)
	if err != nil {
		return fmt.Errorf("marshal priority distribution: %w", err)
	}
	weights, err := json.Marshal(cfg.CustomerWeights)
	if err != nil {
		return fmt.Errorf("marshal customer weights: %w", err)
	}
	recipes, err := json.Marshal(cfg.RecipeKinds)
	if err != nil {
		return fmt.Errorf("marshal recipe kinds: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO generator_config (id, enabled, interval_seconds, min_lots, max_lots, batch_size,
			                              hot_lot_probability, priority_distribution, customer_weights,
			                              recipe_kinds, updated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				enabled = EXCLUDED.enabled,
				interval_seconds = EXCLUDED.interval_seconds,
				min_lots = EXCLUDED.min_lots,
				max_lots = EXCLUDED.max_lots,
				batch_size = EXCLUDED.batch_size,
				hot_lot_probability = EXCLUDED.hot_lot_probability,
				priority_distribution = EXCLUDED.priority_distribution,
				customer_weights = EXCLUDED.customer_weights,
				recipe_kinds = EXCLUDED.recipe_kinds,
				updated_at = EXCLUDED.updated_at`,
			cfg.Enabled, cfg.IntervalSeconds, cfg.MinLots, cfg.MaxLots, cfg.BatchSize,
			cfg.HotLotProbability, dist, weights, recipes, cfg.UpdatedAt)
		return err
	})
}

func (s *PostgresStore) AppendGenerationLog(ctx context.Context, e *GenerationLogEntry) error {
	snapshot, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO generation_log (id, lot_id, reason, triggered_by, config_snapshot, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.LotID, e.Reason, e.TriggeredBy, snapshot, e.CreatedAt)
		return err
	})
}

func (s *PostgresStore) ListGenerationLog(ctx context.Context, reason string, limit int) ([]*GenerationLogEntry, error) {
	q := `SELECT id, lot_id, reason, triggered_by, config_snapshot, created_at FROM generation_log`
	var args []interface{}
	if reason != "" {
		args = append(args, reason)
		q += " WHERE reason = $1"
	}
	q += " ORDER BY created_at DESC, id"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*GenerationLogEntry
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var e GenerationLogEntry
			var snapshot []byte
			if err := rows.Scan(&e.ID, &e.LotID, &e.Reason, &e.TriggeredBy, &snapshot, &e.CreatedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(snapshot, &e.Config); err != nil {
				return fmt.Errorf("unmarshal config snapshot: %w", err)
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.pool.Ping(ctx)
	})
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func lotStatusStrings(in []LotStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func equipmentStatusStrings(in []EquipmentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
