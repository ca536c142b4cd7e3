package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchStatusActive   BatchStatus = "active"
	BatchStatusExpired  BatchStatus = "expired"
	BatchStatusDepleted BatchStatus = "depleted"
	BatchStatusRecalled BatchStatus = "recalled"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusActive, BatchStatusExpired, BatchStatusDepleted, BatchStatusRecalled:
		return true
	}
	return false
}

// InventoryItem is a catalog entry. Its stock is always derived from batches.
type InventoryItem struct {
	ID                int64           `json:"id"`
	ItemCode          string          `json:"item_code"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category"`
	UnitOfMeasure     string          `json:"unit_of_measure"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	MinimumStockLevel int             `json:"minimum_stock_level"`
	MaximumStockLevel *int            `json:"maximum_stock_level,omitempty"`
	HasExpiryDate     bool            `json:"has_expiry_date"`
	IsActive          bool            `json:"is_active"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (i InventoryItem) Validate() error {
	if i.Name == "" || i.Category == "" || i.UnitOfMeasure == "" {
		return fmt.Errorf("%w: name, category and unit of measure are required", ErrInvalidInput)
	}
	if i.MinimumStockLevel < 0 {
		return fmt.Errorf("%w: minimum stock level %d is negative", ErrInvalidInput, i.MinimumStockLevel)
	}
	if i.MaximumStockLevel != nil && *i.MaximumStockLevel < i.MinimumStockLevel {
		return fmt.Errorf("%w: maximum stock level %d below minimum %d", ErrInvalidInput, *i.MaximumStockLevel, i.MinimumStockLevel)
	}
	if i.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit cost cannot be negative, got %s", ErrInvalidInput, i.UnitCost)
	}
	return nil
}

// InventoryBatch is one receipt lot of an item.
type InventoryBatch struct {
	ID                  int64           `json:"id"`
	ItemID              int64           `json:"inventory_item_id"`
	BatchNumber         string          `json:"batch_number"`
	SupplierBatchNumber string          `json:"supplier_batch_number,omitempty"`
	QuantityReceived    int             `json:"quantity_received"`
	QuantityRemaining   int             `json:"quantity_remaining"`
	QuantityUsed        int             `json:"quantity_used"`
	ManufacturingDate   *time.Time      `json:"manufacturing_date,omitempty"`
	ExpiryDate          *time.Time      `json:"expiry_date,omitempty"`
	UnitCost            decimal.Decimal `json:"unit_cost"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	Status              BatchStatus     `json:"status"`
	Notes               string          `json:"notes,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Validate enforces the write-boundary invariants: non-negative quantities
// and remaining = received - used.
func (b InventoryBatch) Validate() error {
	if b.QuantityReceived < 0 || b.QuantityRemaining < 0 || b.QuantityUsed < 0 {
		return fmt.Errorf("%w: batch quantities must be non-negative", ErrInvalidInput)
	}
	if b.QuantityRemaining != b.QuantityReceived-b.QuantityUsed {
		return fmt.Errorf("%w: remaining %d != received %d - used %d",
			ErrInvalidInput, b.QuantityRemaining, b.QuantityReceived, b.QuantityUsed)
	}
	if !b.Status.Valid() {
		return fmt.Errorf("%w: unknown batch status %q", ErrInvalidInput, b.Status)
	}
	if b.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit cost cannot be negative, got %s", ErrInvalidInput, b.UnitCost)
	}
	if b.ManufacturingDate != nil && b.ExpiryDate != nil && b.ExpiryDate.Before(*b.ManufacturingDate) {
		return fmt.Errorf("%w: expiry date precedes manufacturing date", ErrInvalidInput)
	}
	return nil
}

// Consume takes qty units out of the batch, flipping it to depleted when
// nothing remains.
func (b *InventoryBatch) Consume(qty int) error {
	if qty <= 0 || qty > b.QuantityRemaining {
		return fmt.Errorf("%w: cannot take %d from batch %s with %d remaining",
			ErrInsufficientStock, qty, b.BatchNumber, b.QuantityRemaining)
	}
	b.QuantityRemaining -= qty
	b.QuantityUsed += qty
	if b.QuantityRemaining == 0 {
		b.Status = BatchStatusDepleted
	}
	return nil
}

// ItemFilter narrows item listings. Search matches name, code or category;
// ExpiryOn keeps items with at least one batch expiring on that calendar date.
type ItemFilter struct {
	Category      string
	Search        string
	ActiveOnly    bool
	ExpiryTracked bool
	ExpiryOn      *time.Time
}

// Allocation is the share of a withdrawal served by one batch.
type Allocation struct {
	BatchID     int64       `json:"batch_id"`
	BatchNumber string      `json:"batch_number"`
	Quantity    int         `json:"quantity"`
	Remaining   int         `json:"remaining"`
	Status      BatchStatus `json:"status"`
}

// Withdrawal is the ledger record of stock taken out of an item, typically
// for an operation. Allocations lists the batches it was served from.
type Withdrawal struct {
	ID               int64        `json:"id"`
	WithdrawalNumber string       `json:"withdrawal_number"`
	ItemID           int64        `json:"inventory_item_id"`
	ItemName         string       `json:"item_name,omitempty"`
	DoctorID         *int64       `json:"doctor_id,omitempty"`
	AppointmentID    *int64       `json:"appointment_id,omitempty"`
	Quantity         int          `json:"quantity"`
	OperationName    string       `json:"operation_name,omitempty"`
	WithdrawnBy      string       `json:"withdrawn_by,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	Allocations      []Allocation `json:"allocations"`
	WithdrawnAt      time.Time    `json:"withdrawn_at"`
}

// WithdrawalFilter narrows the ledger. Search matches the item name or the
// operation name; Date keeps withdrawals made on that UTC calendar date.
type WithdrawalFilter struct {
	ItemID   int64
	DoctorID *int64
	Search   string
	Date     *time.Time
}

// BatchTransition is a status change the reconciliation job should write.
type BatchTransition struct {
	BatchID int64       `json:"batch_id"`
	ItemID  int64       `json:"item_id"`
	From    BatchStatus `json:"from"`
	To      BatchStatus `json:"to"`
}
