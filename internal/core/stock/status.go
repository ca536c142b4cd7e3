package stock

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/clinic-core/internal/core/domain"
)

// Evaluate combines the stock snapshot with the item's thresholds and the
// value of what is left on the shelf.
func Evaluate(item domain.InventoryItem, batches []domain.InventoryBatch, now time.Time, horizonDays int) domain.ItemStatus {
	snap := ComputeStockSnapshot(item.ID, batches, now, horizonDays)

	status := domain.ItemStatus{
		Item:       item,
		Snapshot:   snap,
		LowStock:   snap.CurrentStock <= item.MinimumStockLevel,
		StockValue: Value(batches),
	}
	if item.MaximumStockLevel != nil {
		status.OverStock = snap.CurrentStock > *item.MaximumStockLevel
	}
	return status
}

// Value sums remaining quantity times unit cost over active batches.
func Value(batches []domain.InventoryBatch) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		if b.Status != domain.BatchStatusActive {
			continue
		}
		total = total.Add(b.UnitCost.Mul(decimal.NewFromInt(int64(b.QuantityRemaining))))
	}
	return total
}

// BuildExpiryReport turns evaluated items into the expired-items listing,
// ordered by item name then ID, and counts how many items are completely or
// nearly expired.
func BuildExpiryReport(statuses []domain.ItemStatus, now time.Time) domain.ExpiryReport {
	report := domain.ExpiryReport{
		Items:      make([]domain.ExpiryReportRow, 0, len(statuses)),
		ComputedAt: now,
	}

	for _, st := range statuses {
		switch st.Snapshot.Classification {
		case domain.ClassificationExpired:
			report.CompletelyExpired++
		case domain.ClassificationNearlyExpired:
			report.NearlyExpired++
		}

		report.Items = append(report.Items, domain.ExpiryReportRow{
			ItemID:            st.Item.ID,
			ItemCode:          st.Item.ItemCode,
			ToolName:          st.Item.Name,
			Category:          st.Item.Category,
			RemainingQuantity: st.Snapshot.CurrentStock,
			LastUsedDate:      st.Snapshot.LastUsedDate,
			ExpiryStatus:      st.Snapshot.Classification,
			ExpiryDate:        st.Snapshot.ExpiryDate,
			DaysUntilExpiry:   st.Snapshot.DaysUntilExpiry,
		})
	}

	sort.SliceStable(report.Items, func(i, j int) bool {
		a, b := report.Items[i], report.Items[j]
		if a.ToolName != b.ToolName {
			return a.ToolName < b.ToolName
		}
		return a.ItemID < b.ItemID
	})
	return report
}
