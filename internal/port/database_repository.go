package port

import (
	"context"

	"github.com/rl1809/clinic-core/internal/core/domain"
)

// SequenceRepository hands out per-prefix counter values. Each call to
// NextValue is one atomic read-increment-write; two callers never observe
// the same value for the same prefix.
type SequenceRepository interface {
	// NextValue advances the prefix counter and returns the new value (first call returns 1)
	NextValue(ctx context.Context, prefix string) (uint64, error)

	// Seed raises the prefix counter to at least floor, never lowering it
	Seed(ctx context.Context, prefix string, floor uint64) error
}

type InventoryRepository interface {
	// CreateItem persists a new item and fills in its ID and timestamps
	CreateItem(ctx context.Context, item *domain.InventoryItem) error

	// GetItem retrieves an item by ID, nil when absent
	GetItem(ctx context.Context, id int64) (*domain.InventoryItem, error)

	// ListItems returns items matching the filter ordered by name, then ID
	ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.InventoryItem, error)

	// CreateBatch persists a new batch and fills in its ID and timestamps
	CreateBatch(ctx context.Context, batch *domain.InventoryBatch) error

	// ListBatches returns every batch of an item ordered by ID
	ListBatches(ctx context.Context, itemID int64) ([]domain.InventoryBatch, error)

	// UpdateBatchStatus moves a batch from one status to another with a version check on the current status
	UpdateBatchStatus(ctx context.Context, batchID int64, from, to domain.BatchStatus) error

	// Withdraw allocates w.Quantity units of w.ItemID as of w.WithdrawnAt under row locks and
	// records the withdrawal in the same transaction, filling in its ID and Allocations
	Withdraw(ctx context.Context, w *domain.Withdrawal) error

	// ListWithdrawals returns ledger entries matching the filter, newest first
	ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.Withdrawal, error)

	// LastIdentifier returns the highest stored identifier for a prefix, used to seed counters
	LastIdentifier(ctx context.Context, prefix string) (string, bool, error)
}
