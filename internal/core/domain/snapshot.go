package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Classification string

const (
	ClassificationActive        Classification = "active"
	ClassificationNearlyExpired Classification = "nearly_expired"
	ClassificationExpired       Classification = "expired"
)

const DefaultNearlyExpiredHorizonDays = 30

// StockSnapshot is the point-in-time stock and expiry view of one item.
// It is only valid for ComputedAt.
type StockSnapshot struct {
	ItemID          int64          `json:"item_id"`
	CurrentStock    int            `json:"current_stock"`
	Classification  Classification `json:"classification"`
	DaysUntilExpiry *int           `json:"days_until_expiry"`
	ExpiryDate      *time.Time     `json:"expiry_date,omitempty"`
	ExpiryBatchID   *int64         `json:"expiry_batch_id,omitempty"`
	LastUsedDate    *time.Time     `json:"last_used_date"`
	ComputedAt      time.Time      `json:"computed_at"`
}

type ItemStatus struct {
	Item       InventoryItem   `json:"item"`
	Snapshot   StockSnapshot   `json:"snapshot"`
	LowStock   bool            `json:"low_stock"`
	OverStock  bool            `json:"over_stock"`
	StockValue decimal.Decimal `json:"stock_value"`
}

type ExpiryReportRow struct {
	ItemID            int64          `json:"id"`
	ItemCode          string         `json:"item_code"`
	ToolName          string         `json:"tool_name"`
	Category          string         `json:"category"`
	RemainingQuantity int            `json:"remaining_quantity"`
	LastUsedDate      *time.Time     `json:"last_used_date"`
	ExpiryStatus      Classification `json:"expiry_status"`
	ExpiryDate        *time.Time     `json:"expiry_date"`
	DaysUntilExpiry   *int           `json:"days_until_expiry"`
}

type ExpiryReport struct {
	CompletelyExpired int               `json:"completely_expired"`
	NearlyExpired     int               `json:"nearly_expired"`
	Items             []ExpiryReportRow `json:"items"`
	ComputedAt        time.Time         `json:"computed_at"`
}
