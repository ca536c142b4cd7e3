package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/stock"
	"github.com/rl1809/clinic-core/internal/port"
)

type InventoryConfig struct {
	HorizonDays      int
	ReconcileWorkers int
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Planned     int                      `json:"planned"`
	Applied     int                      `json:"applied"`
	Conflicts   int                      `json:"conflicts"`
	Transitions []domain.BatchTransition `json:"transitions"`
}

type InventoryService struct {
	repo port.InventoryRepository
	ids  *IdentifierService
	cfg  InventoryConfig
	log  zerolog.Logger
	now  func() time.Time
}

func NewInventoryService(repo port.InventoryRepository, ids *IdentifierService, cfg InventoryConfig, log zerolog.Logger) *InventoryService {
	if cfg.HorizonDays < 0 {
		cfg.HorizonDays = domain.DefaultNearlyExpiredHorizonDays
	}
	if cfg.ReconcileWorkers < 1 {
		cfg.ReconcileWorkers = 1
	}
	return &InventoryService{
		repo: repo,
		ids:  ids,
		cfg:  cfg,
		log:  log.With().Str("component", "inventory_service").Logger(),
		now:  time.Now,
	}
}

// CreateItem assigns the next ITM code and stores the item.
func (s *InventoryService) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	item.IsActive = true
	if err := item.Validate(); err != nil {
		return nil, err
	}

	code, err := s.ids.Generate(ctx, domain.SchemeInventoryItem)
	if err != nil {
		return nil, fmt.Errorf("issue item code: %w", err)
	}
	item.ItemCode = code

	if err := s.repo.CreateItem(ctx, &item); err != nil {
		return nil, fmt.Errorf("create item %s: %w", code, err)
	}
	s.log.Info().Int64("item_id", item.ID).Str("item_code", code).Msg("inventory item created")
	return &item, nil
}

func (s *InventoryService) GetItem(ctx context.Context, itemID int64) (*domain.InventoryItem, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", itemID, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: id %d", domain.ErrItemNotFound, itemID)
	}
	return item, nil
}

// ReceiveBatch records a new lot for an item. The full received quantity
// starts out remaining and the batch gets the next BATCH number.
func (s *InventoryService) ReceiveBatch(ctx context.Context, itemID int64, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, fmt.Errorf("%w: item %s is inactive", domain.ErrInvalidInput, item.ItemCode)
	}
	if batch.QuantityReceived <= 0 {
		return nil, fmt.Errorf("%w: quantity received must be positive, got %d", domain.ErrInvalidInput, batch.QuantityReceived)
	}
	if item.HasExpiryDate && batch.ExpiryDate == nil {
		return nil, fmt.Errorf("%w: item %s requires an expiry date", domain.ErrInvalidInput, item.ItemCode)
	}

	batch.ItemID = item.ID
	batch.QuantityRemaining = batch.QuantityReceived
	batch.QuantityUsed = 0
	batch.Status = domain.BatchStatusActive
	if batch.UnitCost.IsZero() {
		batch.UnitCost = item.UnitCost
	}
	batch.TotalCost = batch.UnitCost.Mul(decimal.NewFromInt(int64(batch.QuantityReceived)))
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	number, err := s.ids.Generate(ctx, domain.SchemeBatch)
	if err != nil {
		return nil, fmt.Errorf("issue batch number: %w", err)
	}
	batch.BatchNumber = number

	if err := s.repo.CreateBatch(ctx, &batch); err != nil {
		return nil, fmt.Errorf("create batch %s: %w", number, err)
	}
	s.log.Info().
		Int64("item_id", item.ID).
		Str("batch_number", number).
		Int("quantity", batch.QuantityReceived).
		Msg("batch received")
	return &batch, nil
}

// Snapshot computes the item's stock view at the given instant; a zero at
// means now and a negative horizon means the configured default.
func (s *InventoryService) Snapshot(ctx context.Context, itemID int64, at time.Time, horizonDays int) (*domain.StockSnapshot, error) {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	batches, err := s.repo.ListBatches(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("list batches of item %d: %w", itemID, err)
	}
	snap := stock.ComputeStockSnapshot(itemID, batches, s.at(at), s.horizon(horizonDays))
	return &snap, nil
}

// ItemStatus adds threshold flags and stock value to the snapshot.
func (s *InventoryService) ItemStatus(ctx context.Context, itemID int64) (*domain.ItemStatus, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	batches, err := s.repo.ListBatches(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("list batches of item %d: %w", itemID, err)
	}
	status := stock.Evaluate(*item, batches, s.now(), s.cfg.HorizonDays)
	return &status, nil
}

// ExpiryReport evaluates every expiry-tracked item matching the filter.
func (s *InventoryService) ExpiryReport(ctx context.Context, filter domain.ItemFilter) (*domain.ExpiryReport, error) {
	filter.ExpiryTracked = true
	items, err := s.repo.ListItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	now := s.now()
	statuses := make([]domain.ItemStatus, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReconcileWorkers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			batches, err := s.repo.ListBatches(gctx, item.ID)
			if err != nil {
				return fmt.Errorf("list batches of item %d: %w", item.ID, err)
			}
			statuses[i] = stock.Evaluate(item, batches, now, s.cfg.HorizonDays)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := stock.BuildExpiryReport(statuses, now)
	return &report, nil
}

// Withdraw takes w.Quantity units of an item first-expired-first-out and
// records the withdrawal under the next WD number. Stock is checked before
// the number is issued, so a plainly short request does not consume one.
func (s *InventoryService) Withdraw(ctx context.Context, itemID int64, w domain.Withdrawal) (*domain.Withdrawal, error) {
	if w.Quantity <= 0 {
		return nil, fmt.Errorf("%w: withdrawal quantity must be positive, got %d", domain.ErrInvalidInput, w.Quantity)
	}
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	w.ItemID = item.ID
	w.ItemName = item.Name
	w.WithdrawnAt = s.now().UTC()

	batches, err := s.repo.ListBatches(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("list batches of item %d: %w", item.ID, err)
	}
	if _, err := stock.Allocate(batches, w.Quantity, w.WithdrawnAt); err != nil {
		return nil, fmt.Errorf("withdraw %d from item %d: %w", w.Quantity, item.ID, err)
	}

	number, err := s.ids.Generate(ctx, domain.SchemeWithdrawal)
	if err != nil {
		return nil, fmt.Errorf("issue withdrawal number: %w", err)
	}
	w.WithdrawalNumber = number

	if err := s.repo.Withdraw(ctx, &w); err != nil {
		return nil, fmt.Errorf("withdraw %d from item %d: %w", w.Quantity, item.ID, err)
	}
	for _, a := range w.Allocations {
		s.log.Info().
			Int64("item_id", item.ID).
			Str("withdrawal_number", number).
			Str("batch_number", a.BatchNumber).
			Int("quantity", a.Quantity).
			Int("remaining", a.Remaining).
			Msg("stock withdrawn")
	}
	return &w, nil
}

// ListWithdrawals returns the withdrawal ledger, newest first.
func (s *InventoryService) ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.Withdrawal, error) {
	out, err := s.repo.ListWithdrawals(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	if out == nil {
		out = []domain.Withdrawal{}
	}
	return out, nil
}

// Reconcile writes the batch status changes that snapshots only infer:
// empty active batches become depleted and lapsed ones become expired.
// A batch changed concurrently by someone else is counted as a conflict.
func (s *InventoryService) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	items, err := s.repo.ListItems(ctx, domain.ItemFilter{})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	now := s.now()
	var plan []domain.BatchTransition
	for _, item := range items {
		batches, err := s.repo.ListBatches(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("list batches of item %d: %w", item.ID, err)
		}
		plan = append(plan, stock.PlanTransitions(batches, now)...)
	}

	var applied, conflicts atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReconcileWorkers)
	for _, tr := range plan {
		tr := tr
		g.Go(func() error {
			err := s.repo.UpdateBatchStatus(gctx, tr.BatchID, tr.From, tr.To)
			if errors.Is(err, domain.ErrOptimisticLock) {
				conflicts.Add(1)
				s.log.Warn().Int64("batch_id", tr.BatchID).Msg("batch changed during reconciliation, skipped")
				return nil
			}
			if err != nil {
				return fmt.Errorf("update batch %d: %w", tr.BatchID, err)
			}
			applied.Add(1)
			s.log.Info().
				Int64("batch_id", tr.BatchID).
				Str("from", string(tr.From)).
				Str("to", string(tr.To)).
				Msg("batch status reconciled")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if plan == nil {
		plan = []domain.BatchTransition{}
	}
	return &ReconcileResult{
		Planned:     len(plan),
		Applied:     int(applied.Load()),
		Conflicts:   int(conflicts.Load()),
		Transitions: plan,
	}, nil
}

// SeedCounters raises the ITM, BATCH and WD counters past the codes already
// stored, so rows created before the counters existed are never reissued.
func (s *InventoryService) SeedCounters(ctx context.Context) error {
	for _, scheme := range []domain.Scheme{domain.SchemeInventoryItem, domain.SchemeBatch, domain.SchemeWithdrawal} {
		last, ok, err := s.repo.LastIdentifier(ctx, scheme.Prefix)
		if err != nil {
			return fmt.Errorf("scan last %s identifier: %w", scheme.Prefix, err)
		}
		if !ok {
			continue
		}
		if err := s.ids.Seed(ctx, scheme, last); err != nil {
			return err
		}
	}
	return nil
}

func (s *InventoryService) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func (s *InventoryService) horizon(days int) int {
	if days < 0 {
		return s.cfg.HorizonDays
	}
	return days
}
