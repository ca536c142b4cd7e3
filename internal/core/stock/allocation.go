package stock

import (
	"fmt"
	"sort"
	"time"

	"github.com/rl1809/clinic-core/internal/core/domain"
)

// PlanTransitions lists the status changes an explicit reconciliation write
// should apply: active batches with nothing left become depleted, active
// batches past their expiry date become expired. Depletion wins when both hold.
func PlanTransitions(batches []domain.InventoryBatch, now time.Time) []domain.BatchTransition {
	var plan []domain.BatchTransition
	for _, b := range batches {
		if b.Status != domain.BatchStatusActive {
			continue
		}
		switch {
		case b.QuantityRemaining == 0:
			plan = append(plan, domain.BatchTransition{BatchID: b.ID, ItemID: b.ItemID, From: b.Status, To: domain.BatchStatusDepleted})
		case b.ExpiryDate != nil && DaysUntil(*b.ExpiryDate, now) < 0:
			plan = append(plan, domain.BatchTransition{BatchID: b.ID, ItemID: b.ItemID, From: b.Status, To: domain.BatchStatusExpired})
		}
	}
	return plan
}

// Allocate picks batches for a withdrawal of qty units, first-expired-first-out.
// Only active, unexpired batches with stock qualify; batches without an expiry
// date are used last. Nothing is allocated unless the whole quantity is covered.
func Allocate(batches []domain.InventoryBatch, qty int, now time.Time) ([]domain.Allocation, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: withdrawal quantity must be positive, got %d", domain.ErrInvalidInput, qty)
	}

	candidates := make([]domain.InventoryBatch, 0, len(batches))
	available := 0
	for _, b := range batches {
		if b.Status != domain.BatchStatusActive || b.QuantityRemaining <= 0 {
			continue
		}
		if b.ExpiryDate != nil && DaysUntil(*b.ExpiryDate, now) < 0 {
			continue
		}
		candidates = append(candidates, b)
		available += b.QuantityRemaining
	}
	if available < qty {
		return nil, fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientStock, qty, available)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			return a.ID < b.ID
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		}
		return expiresFirst(&a, &b)
	})

	var out []domain.Allocation
	left := qty
	for i := range candidates {
		if left == 0 {
			break
		}
		b := &candidates[i]
		take := min(left, b.QuantityRemaining)
		if err := b.Consume(take); err != nil {
			return nil, err
		}
		left -= take
		out = append(out, domain.Allocation{
			BatchID:     b.ID,
			BatchNumber: b.BatchNumber,
			Quantity:    take,
			Remaining:   b.QuantityRemaining,
			Status:      b.Status,
		})
	}
	return out, nil
}
