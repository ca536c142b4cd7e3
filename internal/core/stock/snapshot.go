// Package stock folds inventory batches into derived stock and expiry views.
// Every function here is pure: callers pass "now" and the batch set, nothing
// is cached and no batch is mutated.
package stock

import (
	"time"

	"github.com/rl1809/clinic-core/internal/core/domain"
)

const secondsPerDay = 24 * 60 * 60

// DaysUntil is the signed calendar-day distance from now to expiry. Expiry
// dates are calendar dates, so only their year/month/day are used; now is
// taken in its own location.
func DaysUntil(expiry, now time.Time) int {
	ey, em, ed := expiry.Date()
	ny, nm, nd := now.Date()
	a := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC).Unix()
	b := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC).Unix()
	// time.Duration tops out near 292 years, so count days on Unix seconds.
	return int((a - b) / secondsPerDay)
}

// ComputeStockSnapshot derives current stock and expiry classification for
// one item. A negative horizon selects the default of 30 days.
//
// When several batches qualify as expired (or nearly expired) the one with
// the earliest expiry date is reported; ties fall back to the lowest batch ID.
func ComputeStockSnapshot(itemID int64, batches []domain.InventoryBatch, now time.Time, horizonDays int) domain.StockSnapshot {
	if horizonDays < 0 {
		horizonDays = domain.DefaultNearlyExpiredHorizonDays
	}

	snap := domain.StockSnapshot{
		ItemID:         itemID,
		Classification: domain.ClassificationActive,
		ComputedAt:     now,
	}

	var expired, nearly *domain.InventoryBatch
	for i := range batches {
		b := &batches[i]

		if b.Status == domain.BatchStatusActive {
			snap.CurrentStock += b.QuantityRemaining
		}

		if !b.CreatedAt.IsZero() && (snap.LastUsedDate == nil || b.CreatedAt.After(*snap.LastUsedDate)) {
			created := b.CreatedAt
			snap.LastUsedDate = &created
		}

		if b.ExpiryDate == nil {
			continue
		}
		days := DaysUntil(*b.ExpiryDate, now)
		switch {
		case days < 0:
			if expired == nil || expiresFirst(b, expired) {
				expired = b
			}
		case days <= horizonDays:
			if nearly == nil || expiresFirst(b, nearly) {
				nearly = b
			}
		}
	}

	reported := expired
	if expired != nil {
		snap.Classification = domain.ClassificationExpired
	} else if nearly != nil {
		snap.Classification = domain.ClassificationNearlyExpired
		reported = nearly
	}

	if reported != nil {
		days := DaysUntil(*reported.ExpiryDate, now)
		expiry := *reported.ExpiryDate
		batchID := reported.ID
		snap.DaysUntilExpiry = &days
		snap.ExpiryDate = &expiry
		snap.ExpiryBatchID = &batchID
	}

	return snap
}

// expiresFirst orders batches by calendar expiry date, then ID, then creation.
func expiresFirst(a, b *domain.InventoryBatch) bool {
	if d := DaysUntil(*a.ExpiryDate, *b.ExpiryDate); d != 0 {
		return d < 0
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
