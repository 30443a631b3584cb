package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
	signals "machine-time/internal/signals/domain"
)

const (
	defaultEquipmentTable = "machine_equipment"
	defaultEntryTable     = "machine_time_entries"
	defaultCostTable      = "cost_breakdowns"
)

// RepositoryOption configures a repository table name.
type RepositoryOption func(*string)

// WithTable overrides the default table.
func WithTable(table string) RepositoryOption {
	return func(target *string) {
		if table != "" {
			*target = table
		}
	}
}

// EquipmentRepository stores equipment in Postgres.
type EquipmentRepository struct {
	db    *sql.DB
	table string
}

// NewEquipmentRepository constructs a repository.
func NewEquipmentRepository(db *sql.DB, opts ...RepositoryOption) *EquipmentRepository {
	repo := &EquipmentRepository{db: db, table: defaultEquipmentTable}
	for _, opt := range opts {
		opt(&repo.table)
	}
	return repo
}

const equipmentColumns = `id, equipment_type, name, adapter_id, status_map, rates, shift_rules,
	idle_timeout_ns, active, created_at, updated_at`

// FindByID loads equipment.
func (r *EquipmentRepository) FindByID(ctx context.Context, id string) (*machinetime.Equipment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("equipment repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, equipmentColumns, r.table)
	eq, err := scanEquipment(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return eq, err
}

// List returns all equipment ordered by id.
func (r *EquipmentRepository) List(ctx context.Context) ([]*machinetime.Equipment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("equipment repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, equipmentColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*machinetime.Equipment
	for rows.Next() {
		eq, err := scanEquipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, eq)
	}
	return out, rows.Err()
}

// Save upserts equipment.
func (r *EquipmentRepository) Save(ctx context.Context, equipment *machinetime.Equipment) error {
	if r == nil || r.db == nil {
		return errors.New("equipment repo: nil db")
	}
	if equipment == nil {
		return machinetime.ErrUnknownEquipment
	}
	statusMap, err := json.Marshal(equipment.Source.StatusMap)
	if err != nil {
		return err
	}
	rates, err := json.Marshal(equipment.Rates)
	if err != nil {
		return err
	}
	shifts, err := json.Marshal(equipment.ShiftRules)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id)
DO UPDATE SET
	equipment_type = EXCLUDED.equipment_type,
	name = EXCLUDED.name,
	adapter_id = EXCLUDED.adapter_id,
	status_map = EXCLUDED.status_map,
	rates = EXCLUDED.rates,
	shift_rules = EXCLUDED.shift_rules,
	idle_timeout_ns = EXCLUDED.idle_timeout_ns,
	active = EXCLUDED.active,
	updated_at = EXCLUDED.updated_at`, r.table, equipmentColumns)

	_, err = r.db.ExecContext(ctx, query,
		equipment.ID,
		equipment.Type,
		equipment.Name,
		equipment.Source.AdapterID,
		statusMap,
		rates,
		shifts,
		int64(equipment.IdleTimeout),
		equipment.Active,
		equipment.CreatedAt.UTC(),
		equipment.UpdatedAt.UTC(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEquipment(row rowScanner) (*machinetime.Equipment, error) {
	var (
		eq                      machinetime.Equipment
		statusMap, rates, shift []byte
		idle                    int64
	)
	if err := row.Scan(&eq.ID, &eq.Type, &eq.Name, &eq.Source.AdapterID, &statusMap, &rates, &shift,
		&idle, &eq.Active, &eq.CreatedAt, &eq.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(statusMap, &eq.Source.StatusMap); err != nil {
		return nil, fmt.Errorf("equipment %s status map: %w", eq.ID, err)
	}
	if err := unmarshalOptional(rates, &eq.Rates); err != nil {
		return nil, fmt.Errorf("equipment %s rates: %w", eq.ID, err)
	}
	if err := unmarshalOptional(shift, &eq.ShiftRules); err != nil {
		return nil, fmt.Errorf("equipment %s shift rules: %w", eq.ID, err)
	}
	eq.IdleTimeout = time.Duration(idle)
	eq.CreatedAt = eq.CreatedAt.UTC()
	eq.UpdatedAt = eq.UpdatedAt.UTC()
	return &eq, nil
}

// EntryRepository stores machine time entries in Postgres. A partial unique
// index on (equipment_id) WHERE status IN ('ACTIVE','PAUSED') backs the
// one-open-entry rule.
type EntryRepository struct {
	db    *sql.DB
	table string
}

// NewEntryRepository constructs a repository.
func NewEntryRepository(db *sql.DB, opts ...RepositoryOption) *EntryRepository {
	repo := &EntryRepository{db: db, table: defaultEntryTable}
	for _, opt := range opts {
		opt(&repo.table)
	}
	return repo
}

const entryColumns = `id, equipment_id, work_order_id, operation_id, source, start_time, end_time,
	status, pauses, paused_duration_ns, duration_ns, cycle_count, part_count, setup_count,
	first_running_at, last_cycle_at, rates, flags, cost, total_cost_cents, created_at, updated_at`

// FindByID loads an entry.
func (r *EntryRepository) FindByID(ctx context.Context, id string) (*machinetime.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("entry repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, entryColumns, r.table)
	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// FindOpenByEquipment loads the ACTIVE or PAUSED entry of an equipment.
func (r *EntryRepository) FindOpenByEquipment(ctx context.Context, equipmentID string) (*machinetime.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("entry repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE equipment_id = $1 AND status IN ('ACTIVE', 'PAUSED')
ORDER BY start_time DESC
LIMIT 1`, entryColumns, r.table)
	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, equipmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// ListByEquipment returns an equipment's entries ordered by start time.
func (r *EntryRepository) ListByEquipment(ctx context.Context, equipmentID string) ([]*machinetime.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE equipment_id = $1 ORDER BY start_time, id`, entryColumns, r.table)
	return r.list(ctx, query, equipmentID)
}

// ListOpen returns every ACTIVE or PAUSED entry.
func (r *EntryRepository) ListOpen(ctx context.Context) ([]*machinetime.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status IN ('ACTIVE', 'PAUSED') ORDER BY start_time, id`, entryColumns, r.table)
	return r.list(ctx, query)
}

func (r *EntryRepository) list(ctx context.Context, query string, args ...any) ([]*machinetime.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("entry repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*machinetime.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Save upserts an entry. A unique violation on the open-entry index is
// reported as ErrEquipmentBusy.
func (r *EntryRepository) Save(ctx context.Context, entry *machinetime.Entry) error {
	if r == nil || r.db == nil {
		return errors.New("entry repo: nil db")
	}
	if entry == nil {
		return machinetime.ErrNilEntry
	}
	pauses, err := json.Marshal(entry.Pauses)
	if err != nil {
		return err
	}
	rates, err := json.Marshal(entry.Rates)
	if err != nil {
		return err
	}
	flags, err := json.Marshal(entry.Flags)
	if err != nil {
		return err
	}
	var cost []byte
	var total sql.NullInt64
	if entry.Cost != nil {
		if cost, err = json.Marshal(entry.Cost); err != nil {
			return err
		}
		total = sql.NullInt64{Int64: entry.Cost.TotalCost.Cents(), Valid: true}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
ON CONFLICT (id)
DO UPDATE SET
	end_time = EXCLUDED.end_time,
	status = EXCLUDED.status,
	pauses = EXCLUDED.pauses,
	paused_duration_ns = EXCLUDED.paused_duration_ns,
	duration_ns = EXCLUDED.duration_ns,
	cycle_count = EXCLUDED.cycle_count,
	part_count = EXCLUDED.part_count,
	setup_count = EXCLUDED.setup_count,
	first_running_at = EXCLUDED.first_running_at,
	last_cycle_at = EXCLUDED.last_cycle_at,
	rates = EXCLUDED.rates,
	flags = EXCLUDED.flags,
	cost = EXCLUDED.cost,
	total_cost_cents = EXCLUDED.total_cost_cents,
	updated_at = EXCLUDED.updated_at`, r.table, entryColumns)

	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.EquipmentID,
		entry.WorkOrderID,
		entry.OperationID,
		string(entry.Source),
		entry.StartTime.UTC(),
		nullTimePtr(entry.EndTime),
		string(entry.Status),
		pauses,
		int64(entry.PausedDuration),
		int64(entry.Duration),
		entry.CycleCount,
		entry.PartCount,
		entry.SetupCount,
		nullTime(entry.FirstRunningAt),
		nullTime(entry.LastCycleAt),
		rates,
		flags,
		cost,
		total,
		entry.CreatedAt.UTC(),
		entry.UpdatedAt.UTC(),
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", machinetime.ErrEquipmentBusy, err)
	}
	return err
}

func scanEntry(row rowScanner) (*machinetime.Entry, error) {
	var (
		entry                     machinetime.Entry
		source, status            string
		endTime, firstRun, lastCy sql.NullTime
		pauses, rates, flags      []byte
		cost                      []byte
		paused, duration          int64
		total                     sql.NullInt64
	)
	if err := row.Scan(
		&entry.ID, &entry.EquipmentID, &entry.WorkOrderID, &entry.OperationID, &source,
		&entry.StartTime, &endTime, &status, &pauses, &paused, &duration,
		&entry.CycleCount, &entry.PartCount, &entry.SetupCount, &firstRun, &lastCy,
		&rates, &flags, &cost, &total, &entry.CreatedAt, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.Source = signals.SourceType(source)
	entry.Status = machinetime.EntryStatus(status)
	entry.StartTime = entry.StartTime.UTC()
	if endTime.Valid {
		end := endTime.Time.UTC()
		entry.EndTime = &end
	}
	if firstRun.Valid {
		entry.FirstRunningAt = firstRun.Time.UTC()
	}
	if lastCy.Valid {
		entry.LastCycleAt = lastCy.Time.UTC()
	}
	entry.PausedDuration = time.Duration(paused)
	entry.Duration = time.Duration(duration)
	if err := unmarshalOptional(pauses, &entry.Pauses); err != nil {
		return nil, fmt.Errorf("entry %s pauses: %w", entry.ID, err)
	}
	if err := unmarshalOptional(rates, &entry.Rates); err != nil {
		return nil, fmt.Errorf("entry %s rates: %w", entry.ID, err)
	}
	if err := unmarshalOptional(flags, &entry.Flags); err != nil {
		return nil, fmt.Errorf("entry %s flags: %w", entry.ID, err)
	}
	if len(cost) > 0 && string(cost) != "null" {
		var breakdown costing.CostBreakdown
		if err := json.Unmarshal(cost, &breakdown); err != nil {
			return nil, fmt.Errorf("entry %s cost: %w", entry.ID, err)
		}
		entry.Cost = &breakdown
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

// CostRepository stores cost breakdowns in Postgres, one row per entry.
type CostRepository struct {
	db    *sql.DB
	table string
}

// NewCostRepository constructs a repository.
func NewCostRepository(db *sql.DB, opts ...RepositoryOption) *CostRepository {
	repo := &CostRepository{db: db, table: defaultCostTable}
	for _, opt := range opts {
		opt(&repo.table)
	}
	return repo
}

// Save overwrites the breakdown of an entry.
func (r *CostRepository) Save(ctx context.Context, breakdown costing.CostBreakdown) error {
	if r == nil || r.db == nil {
		return errors.New("cost repo: nil db")
	}
	if breakdown.EntryID == "" {
		return machinetime.ErrEntryNotFound
	}
	detail, err := json.Marshal(breakdown)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	entry_id, model, duration_ns, labor_cents, machine_cents, direct_cents,
	overhead_cents, total_cents, detail, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (entry_id)
DO UPDATE SET
	model = EXCLUDED.model,
	duration_ns = EXCLUDED.duration_ns,
	labor_cents = EXCLUDED.labor_cents,
	machine_cents = EXCLUDED.machine_cents,
	direct_cents = EXCLUDED.direct_cents,
	overhead_cents = EXCLUDED.overhead_cents,
	total_cents = EXCLUDED.total_cents,
	detail = EXCLUDED.detail,
	updated_at = NOW()`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		breakdown.EntryID,
		string(breakdown.Model),
		int64(breakdown.Duration),
		breakdown.LaborCost.Cents(),
		breakdown.MachineCost.Cents(),
		breakdown.DirectCost.Cents(),
		breakdown.OverheadCost.Cents(),
		breakdown.TotalCost.Cents(),
		detail,
	)
	return err
}

// FindByEntry loads the breakdown of an entry.
func (r *CostRepository) FindByEntry(ctx context.Context, entryID string) (*costing.CostBreakdown, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("cost repo: nil db")
	}
	query := fmt.Sprintf(`SELECT detail FROM %s WHERE entry_id = $1`, r.table)
	var detail []byte
	if err := r.db.QueryRowContext(ctx, query, entryID).Scan(&detail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var breakdown costing.CostBreakdown
	if err := json.Unmarshal(detail, &breakdown); err != nil {
		return nil, err
	}
	return &breakdown, nil
}

func unmarshalOptional(data []byte, target any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, target)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
