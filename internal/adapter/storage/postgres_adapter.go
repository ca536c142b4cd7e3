package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/stock"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// NewPostgresPool opens a pgx pool and verifies it with a ping.
func NewPostgresPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	stmts, err := migrationStatements("postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// NextValue is a single upsert: the row lock taken by ON CONFLICT serializes
// concurrent callers for the same prefix.
func (p *PostgresAdapter) NextValue(ctx context.Context, prefix string) (uint64, error) {
	var next int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO id_sequences (prefix, last_value) VALUES ($1, 1)
		ON CONFLICT (prefix) DO UPDATE
		SET last_value = id_sequences.last_value + 1, updated_at = NOW()
		RETURNING last_value`, prefix,
	).Scan(&next)
	if err != nil {
		return 0, classifyPgError("advance sequence", err)
	}
	return uint64(next), nil
}

func (p *PostgresAdapter) Seed(ctx context.Context, prefix string, floor uint64) error {
	if floor > math.MaxInt64 {
		return fmt.Errorf("%w: seed %d exceeds bigint range", domain.ErrInvalidInput, floor)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO id_sequences (prefix, last_value) VALUES ($1, $2)
		ON CONFLICT (prefix) DO UPDATE
		SET last_value = GREATEST(id_sequences.last_value, EXCLUDED.last_value), updated_at = NOW()`,
		prefix, int64(floor),
	)
	if err != nil {
		return classifyPgError("seed sequence", err)
	}
	return nil
}

func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrConcurrentIssuance, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

const pgItemColumns = `id, item_code, name, description, category, unit_of_measure, unit_cost,
	minimum_stock_level, maximum_stock_level, has_expiry_date, is_active, notes, created_at, updated_at`

const pgBatchColumns = `id, inventory_item_id, batch_number, supplier_batch_number,
	quantity_received, quantity_remaining, quantity_used, manufacturing_date, expiry_date,
	unit_cost, total_cost, status, notes, created_at, updated_at`

func (p *PostgresAdapter) CreateItem(ctx context.Context, item *domain.InventoryItem) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO inventory_items (item_code, name, description, category, unit_of_measure, unit_cost,
			minimum_stock_level, maximum_stock_level, has_expiry_date, is_active, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		item.ItemCode, item.Name, item.Description, item.Category, item.UnitOfMeasure, item.UnitCost,
		item.MinimumStockLevel, item.MaximumStockLevel, item.HasExpiryDate, item.IsActive, item.Notes,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) GetItem(ctx context.Context, id int64) (*domain.InventoryItem, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgItemColumns+` FROM inventory_items WHERE id = $1`, id)
	item, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (p *PostgresAdapter) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.InventoryItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR item_code ILIKE $%d OR category ILIKE $%d)", n, n, n))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}
	if filter.ExpiryTracked {
		where = append(where, "has_expiry_date")
	}
	if filter.ExpiryOn != nil {
		day, _ := utcDay(*filter.ExpiryOn)
		args = append(args, day)
		where = append(where, fmt.Sprintf(`EXISTS (SELECT 1 FROM inventory_batches b
			WHERE b.inventory_item_id = inventory_items.id AND b.expiry_date = $%d::date)`, len(args)))
	}

	query := `SELECT ` + pgItemColumns + ` FROM inventory_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.InventoryItem
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (p *PostgresAdapter) CreateBatch(ctx context.Context, batch *domain.InventoryBatch) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO inventory_batches (inventory_item_id, batch_number, supplier_batch_number,
			quantity_received, quantity_remaining, quantity_used, manufacturing_date, expiry_date,
			unit_cost, total_cost, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		batch.ItemID, batch.BatchNumber, batch.SupplierBatchNumber,
		batch.QuantityReceived, batch.QuantityRemaining, batch.QuantityUsed,
		batch.ManufacturingDate, batch.ExpiryDate,
		batch.UnitCost, batch.TotalCost, string(batch.Status), batch.Notes,
	).Scan(&batch.ID, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) ListBatches(ctx context.Context, itemID int64) ([]domain.InventoryBatch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgBatchColumns+` FROM inventory_batches
		WHERE inventory_item_id = $1 ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	return collectPgBatches(rows)
}

func (p *PostgresAdapter) UpdateBatchStatus(ctx context.Context, batchID int64, from, to domain.BatchStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE inventory_batches
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), batchID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

func (p *PostgresAdapter) Withdraw(ctx context.Context, w *domain.Withdrawal) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+pgBatchColumns+` FROM inventory_batches
		WHERE inventory_item_id = $1 AND status = 'active'
		ORDER BY id FOR UPDATE`, w.ItemID)
	if err != nil {
		return fmt.Errorf("lock batches: %w", err)
	}
	batches, err := collectPgBatches(rows)
	rows.Close()
	if err != nil {
		return err
	}

	allocs, err := stock.Allocate(batches, w.Quantity, w.WithdrawnAt)
	if err != nil {
		return err
	}

	for _, a := range allocs {
		tag, err := tx.Exec(ctx, `
			UPDATE inventory_batches
			SET quantity_remaining = $1, quantity_used = quantity_used + $2, status = $3, updated_at = NOW()
			WHERE id = $4 AND quantity_remaining = $5`,
			a.Remaining, a.Quantity, string(a.Status), a.BatchID, a.Remaining+a.Quantity,
		)
		if err != nil {
			return fmt.Errorf("update batch %d: %w", a.BatchID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrOptimisticLock
		}
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO inventory_withdrawals (withdrawal_number, inventory_item_id, doctor_id, appointment_id,
			quantity, operation_name, withdrawn_by, notes, allocations, withdrawn_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		w.WithdrawalNumber, w.ItemID, w.DoctorID, w.AppointmentID,
		w.Quantity, w.OperationName, w.WithdrawnBy, w.Notes, allocs, w.WithdrawnAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit withdrawal: %w", err)
	}
	w.ID = id
	w.Allocations = allocs
	return nil
}

func (p *PostgresAdapter) ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.Withdrawal, error) {
	var (
		where []string
		args  []any
	)
	if filter.ItemID != 0 {
		args = append(args, filter.ItemID)
		where = append(where, fmt.Sprintf("w.inventory_item_id = $%d", len(args)))
	}
	if filter.DoctorID != nil {
		args = append(args, *filter.DoctorID)
		where = append(where, fmt.Sprintf("w.doctor_id = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(i.name ILIKE $%d OR w.operation_name ILIKE $%d)", n, n))
	}
	if filter.Date != nil {
		start, end := utcDay(*filter.Date)
		args = append(args, start, end)
		where = append(where, fmt.Sprintf("w.withdrawn_at >= $%d AND w.withdrawn_at < $%d", len(args)-1, len(args)))
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

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		err := rows.Scan(
			&w.ID, &w.WithdrawalNumber, &w.ItemID, &w.ItemName, &w.DoctorID, &w.AppointmentID,
			&w.Quantity, &w.OperationName, &w.WithdrawnBy, &w.Notes, &w.Allocations, &w.WithdrawnAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) LastIdentifier(ctx context.Context, prefix string) (string, bool, error) {
	var query string
	switch prefix {
	case domain.SchemeInventoryItem.Prefix:
		query = `SELECT item_code FROM inventory_items WHERE item_code LIKE $1
			ORDER BY LENGTH(item_code) DESC, item_code DESC LIMIT 1`
	case domain.SchemeBatch.Prefix:
		query = `SELECT batch_number FROM inventory_batches WHERE batch_number LIKE $1
			ORDER BY LENGTH(batch_number) DESC, batch_number DESC LIMIT 1`
	case domain.SchemeWithdrawal.Prefix:
		query = `SELECT withdrawal_number FROM inventory_withdrawals WHERE withdrawal_number LIKE $1
			ORDER BY LENGTH(withdrawal_number) DESC, withdrawal_number DESC LIMIT 1`
	default:
		return "", false, nil
	}

	var last string
	err := p.pool.QueryRow(ctx, query, prefix+"%").Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query last %s identifier: %w", prefix, err)
	}
	return last, true, nil
}

func scanPgItem(row pgx.Row) (*domain.InventoryItem, error) {
	var (
		item    domain.InventoryItem
		maximum *int32
	)
	err := row.Scan(
		&item.ID, &item.ItemCode, &item.Name, &item.Description, &item.Category, &item.UnitOfMeasure,
		&item.UnitCost, &item.MinimumStockLevel, &maximum, &item.HasExpiryDate, &item.IsActive,
		&item.Notes, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if maximum != nil {
		v := int(*maximum)
		item.MaximumStockLevel = &v
	}
	return &item, nil
}

func collectPgBatches(rows pgx.Rows) ([]domain.InventoryBatch, error) {
	var batches []domain.InventoryBatch
	for rows.Next() {
		var (
			b      domain.InventoryBatch
			status string
		)
		err := rows.Scan(
			&b.ID, &b.ItemID, &b.BatchNumber, &b.SupplierBatchNumber,
			&b.QuantityReceived, &b.QuantityRemaining, &b.QuantityUsed, &b.ManufacturingDate, &b.ExpiryDate,
			&b.UnitCost, &b.TotalCost, &status, &b.Notes, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = domain.BatchStatus(status)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
