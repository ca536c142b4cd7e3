package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/stock"
)

const sqlDateLayout = "2006-01-02"

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Migrate creates the sequence and inventory tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	stmts, err := migrationStatements("mysql.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// NextValue locks the prefix row, bumps it and checks the version it read,
// so concurrent issuers for one prefix are strictly serialized.
func (m *MySQLAdapter) NextValue(ctx context.Context, prefix string) (uint64, error) {
	if err := m.ensureSequence(ctx, prefix); err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last, version uint64
	err = tx.QueryRowContext(ctx, `
		SELECT last_value, version FROM id_sequences
		WHERE prefix = ? FOR UPDATE`, prefix,
	).Scan(&last, &version)
	if err != nil {
		return 0, classifyMySQLError("lock sequence", err)
	}

	next := last + 1
	result, err := tx.ExecContext(ctx, `
		UPDATE id_sequences
		SET last_value = ?, version = version + 1
		WHERE prefix = ? AND version = ?`,
		next, prefix, version,
	)
	if err != nil {
		return 0, classifyMySQLError("update sequence", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, domain.ErrConcurrentIssuance
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyMySQLError("commit sequence", err)
	}
	return next, nil
}

func (m *MySQLAdapter) Seed(ctx context.Context, prefix string, floor uint64) error {
	if err := m.ensureSequence(ctx, prefix); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `
		UPDATE id_sequences
		SET last_value = ?, version = version + 1
		WHERE prefix = ? AND last_value < ?`,
		floor, prefix, floor,
	)
	if err != nil {
		return classifyMySQLError("seed sequence", err)
	}
	return nil
}

func (m *MySQLAdapter) ensureSequence(ctx context.Context, prefix string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT IGNORE INTO id_sequences (prefix, last_value, version)
		VALUES (?, 0, 0)`, prefix)
	if err != nil {
		return classifyMySQLError("create sequence", err)
	}
	return nil
}

// classifyMySQLError maps lock timeouts and deadlocks to ErrConcurrentIssuance
// so the service can retry them.
func classifyMySQLError(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrConcurrentIssuance, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

const mysqlItemColumns = `id, item_code, name, description, category, unit_of_measure, unit_cost,
	minimum_stock_level, maximum_stock_level, has_expiry_date, is_active, notes, created_at, updated_at`

const mysqlBatchColumns = `id, inventory_item_id, batch_number, supplier_batch_number,
	quantity_received, quantity_remaining, quantity_used, manufacturing_date, expiry_date,
	unit_cost, total_cost, status, notes, created_at, updated_at`

func (m *MySQLAdapter) CreateItem(ctx context.Context, item *domain.InventoryItem) error {
	now := time.Now().UTC()
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory_items (item_code, name, description, category, unit_of_measure, unit_cost,
			minimum_stock_level, maximum_stock_level, has_expiry_date, is_active, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemCode, item.Name, item.Description, item.Category, item.UnitOfMeasure, item.UnitCost,
		item.MinimumStockLevel, nullInt(item.MaximumStockLevel), item.HasExpiryDate, item.IsActive, item.Notes,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	item.ID = id
	item.CreatedAt, item.UpdatedAt = now, now
	return nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, id int64) (*domain.InventoryItem, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+mysqlItemColumns+` FROM inventory_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.InventoryItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		where = append(where, "(name LIKE ? OR item_code LIKE ? OR category LIKE ?)")
		args = append(args, like, like, like)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = TRUE")
	}
	if filter.ExpiryTracked {
		where = append(where, "has_expiry_date = TRUE")
	}
	if filter.ExpiryOn != nil {
		where = append(where, `EXISTS (SELECT 1 FROM inventory_batches b
			WHERE b.inventory_item_id = inventory_items.id AND b.expiry_date = ?)`)
		args = append(args, filter.ExpiryOn.Format(sqlDateLayout))
	}

	query := `SELECT ` + mysqlItemColumns + ` FROM inventory_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.InventoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) CreateBatch(ctx context.Context, batch *domain.InventoryBatch) error {
	now := time.Now().UTC()
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory_batches (inventory_item_id, batch_number, supplier_batch_number,
			quantity_received, quantity_remaining, quantity_used, manufacturing_date, expiry_date,
			unit_cost, total_cost, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ItemID, batch.BatchNumber, batch.SupplierBatchNumber,
		batch.QuantityReceived, batch.QuantityRemaining, batch.QuantityUsed,
		nullTime(batch.ManufacturingDate), nullTime(batch.ExpiryDate),
		batch.UnitCost, batch.TotalCost, batch.Status, batch.Notes, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("batch id: %w", err)
	}
	batch.ID = id
	batch.CreatedAt, batch.UpdatedAt = now, now
	return nil
}

func (m *MySQLAdapter) ListBatches(ctx context.Context, itemID int64) ([]domain.InventoryBatch, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+mysqlBatchColumns+` FROM inventory_batches
		WHERE inventory_item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (m *MySQLAdapter) UpdateBatchStatus(ctx context.Context, batchID int64, from, to domain.BatchStatus) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE inventory_batches
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), batchID, from,
	)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// Withdraw locks the item's batches, allocates first-expired-first-out,
// writes every touched batch and records the withdrawal in one transaction.
func (m *MySQLAdapter) Withdraw(ctx context.Context, w *domain.Withdrawal) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+mysqlBatchColumns+` FROM inventory_batches
		WHERE inventory_item_id = ? AND status = 'active'
		ORDER BY id FOR UPDATE`, w.ItemID)
	if err != nil {
		return fmt.Errorf("lock batches: %w", err)
	}
	batches, err := collectBatches(rows)
	rows.Close()
	if err != nil {
		return err
	}

	allocs, err := stock.Allocate(batches, w.Quantity, w.WithdrawnAt)
	if err != nil {
		return err
	}

	for _, a := range allocs {
		result, err := tx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET quantity_remaining = ?, quantity_used = quantity_used + ?, status = ?, updated_at = ?
			WHERE id = ? AND quantity_remaining = ?`,
			a.Remaining, a.Quantity, a.Status, time.Now().UTC(), a.BatchID, a.Remaining+a.Quantity,
		)
		if err != nil {
			return fmt.Errorf("update batch %d: %w", a.BatchID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return domain.ErrOptimisticLock
		}
	}

	encoded, err := json.Marshal(allocs)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_withdrawals (withdrawal_number, inventory_item_id, doctor_id, appointment_id,
			quantity, operation_name, withdrawn_by, notes, allocations, withdrawn_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WithdrawalNumber, w.ItemID, nullInt64(w.DoctorID), nullInt64(w.AppointmentID),
		w.Quantity, w.OperationName, w.WithdrawnBy, w.Notes, encoded, w.WithdrawnAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("withdrawal id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit withdrawal: %w", err)
	}
	w.ID = id
	w.Allocations = allocs
	return nil
}

func (m *MySQLAdapter) ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.Withdrawal, error) {
	var (
		where []string
		args  []any
	)
	if filter.ItemID != 0 {
		where = append(where, "w.inventory_item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.DoctorID != nil {
		where = append(where, "w.doctor_id = ?")
		args = append(args, *filter.DoctorID)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		where = append(where, "(i.name LIKE ? OR w.operation_name LIKE ?)")
		args = append(args, like, like)
	}
	if filter.Date != nil {
		start, end := utcDay(*filter.Date)
		where = append(where, "w.withdrawn_at >= ? AND w.withdrawn_at < ?")
		args = append(args, start, end)
	}

	query := `
		SELECT w.id, w.withdrawal_number, w.inventory_item_id, i.name, w.doctor_id, w.appointment_id,
			w.quantity, w.operation_name, w.withdrawn_by, w.notes, w.allocations, w.withdrawn_at
		FROM inventory_withdrawals w
		JOIN inventory_items i ON i.id = w.inventory_item_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.withdrawn_at DESC, w.id DESC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		var (
			w                   domain.Withdrawal
			doctor, appointment sql.NullInt64
			encoded             []byte
		)
		err := rows.Scan(
			&w.ID, &w.WithdrawalNumber, &w.ItemID, &w.ItemName, &doctor, &appointment,
			&w.Quantity, &w.OperationName, &w.WithdrawnBy, &w.Notes, &encoded, &w.WithdrawnAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		if err := json.Unmarshal(encoded, &w.Allocations); err != nil {
			return nil, fmt.Errorf("decode allocations of %s: %w", w.WithdrawalNumber, err)
		}
		w.DoctorID = int64Ptr(doctor)
		w.AppointmentID = int64Ptr(appointment)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) LastIdentifier(ctx context.Context, prefix string) (string, bool, error) {
	var query string
	switch prefix {
	case domain.SchemeInventoryItem.Prefix:
		query = `SELECT item_code FROM inventory_items WHERE item_code LIKE ?
			ORDER BY CHAR_LENGTH(item_code) DESC, item_code DESC LIMIT 1`
	case domain.SchemeBatch.Prefix:
		query = `SELECT batch_number FROM inventory_batches WHERE batch_number LIKE ?
			ORDER BY CHAR_LENGTH(batch_number) DESC, batch_number DESC LIMIT 1`
	case domain.SchemeWithdrawal.Prefix:
		query = `SELECT withdrawal_number FROM inventory_withdrawals WHERE withdrawal_number LIKE ?
			ORDER BY CHAR_LENGTH(withdrawal_number) DESC, withdrawal_number DESC LIMIT 1`
	default:
		return "", false, nil
	}

	var last string
	err := m.db.QueryRowContext(ctx, query, prefix+"%").Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query last %s identifier: %w", prefix, err)
	}
	return last, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.InventoryItem, error) {
	var (
		item    domain.InventoryItem
		maximum sql.NullInt64
	)
	err := row.Scan(
		&item.ID, &item.ItemCode, &item.Name, &item.Description, &item.Category, &item.UnitOfMeasure,
		&item.UnitCost, &item.MinimumStockLevel, &maximum, &item.HasExpiryDate, &item.IsActive,
		&item.Notes, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if maximum.Valid {
		v := int(maximum.Int64)
		item.MaximumStockLevel = &v
	}
	return &item, nil
}

func collectBatches(rows *sql.Rows) ([]domain.InventoryBatch, error) {
	var batches []domain.InventoryBatch
	for rows.Next() {
		var (
			b                 domain.InventoryBatch
			status            string
			manufactured, exp sql.NullTime
		)
		err := rows.Scan(
			&b.ID, &b.ItemID, &b.BatchNumber, &b.SupplierBatchNumber,
			&b.QuantityReceived, &b.QuantityRemaining, &b.QuantityUsed, &manufactured, &exp,
			&b.UnitCost, &b.TotalCost, &status, &b.Notes, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = domain.BatchStatus(status)
		b.ManufacturingDate = timePtr(manufactured)
		b.ExpiryDate = timePtr(exp)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// utcDay is the half-open UTC range covering t's calendar date.
func utcDay(t time.Time) (time.Time, time.Time) {
	y, mo, d := t.Date()
	start := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
