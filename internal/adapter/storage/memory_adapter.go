package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/stock"
)

// MemoryAdapter keeps sequences, inventory and idempotency keys in process.
// It backs single-instance deployments and tests.
type MemoryAdapter struct {
	mu          sync.Mutex
	sequences   map[string]uint64
	items       map[int64]domain.InventoryItem
	batches     map[int64]domain.InventoryBatch
	withdrawals map[int64]domain.Withdrawal
	idempotency map[string]time.Time
	nextItemID  int64
	nextBatchID int64
	nextWDID    int64
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		sequences:   make(map[string]uint64),
		items:       make(map[int64]domain.InventoryItem),
		batches:     make(map[int64]domain.InventoryBatch),
		withdrawals: make(map[int64]domain.Withdrawal),
		idempotency: make(map[string]time.Time),
	}
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryAdapter) NextValue(ctx context.Context, prefix string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequences[prefix]++
	return m.sequences[prefix], nil
}

func (m *MemoryAdapter) Seed(ctx context.Context, prefix string, floor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sequences[prefix] < floor {
		m.sequences[prefix] = floor
	}
	return nil
}

func (m *MemoryAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expires, ok := m.idempotency[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.idempotency[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (m *MemoryAdapter) DeleteIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idempotency, key)
	return nil
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item *domain.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextItemID++
	now := time.Now().UTC()
	item.ID = m.nextItemID
	item.CreatedAt, item.UpdatedAt = now, now
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, id int64) (*domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryAdapter) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(filter.Search)
	var items []domain.InventoryItem
	for _, item := range m.items {
		if filter.Category != "" && item.Category != filter.Category {
			continue
		}
		if filter.ActiveOnly && !item.IsActive {
			continue
		}
		if filter.ExpiryTracked && !item.HasExpiryDate {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(item.Name), search) &&
			!strings.Contains(strings.ToLower(item.ItemCode), search) &&
			!strings.Contains(strings.ToLower(item.Category), search) {
			continue
		}
		if filter.ExpiryOn != nil && !m.expiresOn(item.ID, *filter.ExpiryOn) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *MemoryAdapter) CreateBatch(ctx context.Context, batch *domain.InventoryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBatchID++
	now := time.Now().UTC()
	batch.ID = m.nextBatchID
	batch.CreatedAt, batch.UpdatedAt = now, now
	m.batches[batch.ID] = *batch
	return nil
}

func (m *MemoryAdapter) ListBatches(ctx context.Context, itemID int64) ([]domain.InventoryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemBatches(itemID, false), nil
}

func (m *MemoryAdapter) UpdateBatchStatus(ctx context.Context, batchID int64, from, to domain.BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok || b.Status != from {
		return domain.ErrOptimisticLock
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	m.batches[batchID] = b
	return nil
}

func (m *MemoryAdapter) Withdraw(ctx context.Context, w *domain.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocs, err := stock.Allocate(m.itemBatches(w.ItemID, true), w.Quantity, w.WithdrawnAt)
	if err != nil {
		return err
	}

	updated := time.Now().UTC()
	for _, a := range allocs {
		b := m.batches[a.BatchID]
		b.QuantityRemaining = a.Remaining
		b.QuantityUsed += a.Quantity
		b.Status = a.Status
		b.UpdatedAt = updated
		m.batches[a.BatchID] = b
	}

	m.nextWDID++
	w.ID = m.nextWDID
	w.Allocations = allocs
	m.withdrawals[w.ID] = *w
	return nil
}

func (m *MemoryAdapter) ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(filter.Search)
	var out []domain.Withdrawal
	for _, w := range m.withdrawals {
		w.ItemName = m.items[w.ItemID].Name
		if filter.ItemID != 0 && w.ItemID != filter.ItemID {
			continue
		}
		if filter.DoctorID != nil && (w.DoctorID == nil || *w.DoctorID != *filter.DoctorID) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(w.ItemName), search) &&
			!strings.Contains(strings.ToLower(w.OperationName), search) {
			continue
		}
		if filter.Date != nil {
			start, end := utcDay(*filter.Date)
			if w.WithdrawnAt.Before(start) || !w.WithdrawnAt.Before(end) {
				continue
			}
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WithdrawnAt.Equal(out[j].WithdrawnAt) {
			return out[i].WithdrawnAt.After(out[j].WithdrawnAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryAdapter) LastIdentifier(ctx context.Context, prefix string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var codes []string
	switch prefix {
	case domain.SchemeInventoryItem.Prefix:
		for _, item := range m.items {
			codes = append(codes, item.ItemCode)
		}
	case domain.SchemeBatch.Prefix:
		for _, b := range m.batches {
			codes = append(codes, b.BatchNumber)
		}
	case domain.SchemeWithdrawal.Prefix:
		for _, w := range m.withdrawals {
			codes = append(codes, w.WithdrawalNumber)
		}
	}

	var last string
	for _, code := range codes {
		if !strings.HasPrefix(code, prefix) {
			continue
		}
		if len(code) > len(last) || (len(code) == len(last) && code > last) {
			last = code
		}
	}
	return last, last != "", nil
}

// itemBatches must be called with mu held.
func (m *MemoryAdapter) itemBatches(itemID int64, activeOnly bool) []domain.InventoryBatch {
	var out []domain.InventoryBatch
	for _, b := range m.batches {
		if b.ItemID != itemID {
			continue
		}
		if activeOnly && b.Status != domain.BatchStatusActive {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// expiresOn must be called with mu held.
func (m *MemoryAdapter) expiresOn(itemID int64, day time.Time) bool {
	dy, dm, dd := day.Date()
	for _, b := range m.batches {
		if b.ItemID != itemID || b.ExpiryDate == nil {
			continue
		}
		if ey, em, ed := b.ExpiryDate.Date(); ey == dy && em == dm && ed == dd {
			return true
		}
	}
	return false
}
