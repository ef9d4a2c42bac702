// Package auditmem is the in-memory append-only trail store, used in
// tests and in no-db deployments.
package auditmem

import (
	"context"
	"sync"

	"ciaf/internal/domain"
)

type Trail struct {
	mu       sync.RWMutex
	receipts []domain.Receipt
	byID     map[string]int
}

func New() *Trail {
	return &Trail{byID: make(map[string]int)}
}

// Append stores a receipt, preserving arrival order. Appending a receipt
// id that is already present is a no-op.
func (t *Trail) Append(_ context.Context, receipt domain.Receipt) error {
	if receipt.ID == "" {
		return domain.ErrMalformedContext
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[receipt.ID]; ok {
		return nil
	}
	t.byID[receipt.ID] = len(t.receipts)
	t.receipts = append(t.receipts, receipt)
	return nil
}

func (t *Trail) Get(_ context.Context, receiptID string) (*domain.Receipt, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[receiptID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	receipt := t.receipts[idx]
	return &receipt, nil
}

func (t *Trail) List(_ context.Context, q domain.TrailQuery) ([]domain.Receipt, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []domain.Receipt
	for _, receipt := range t.receipts {
		if matches(receipt, q) {
			out = append(out, receipt)
		}
	}
	return out, nil
}

func matches(r domain.Receipt, q domain.TrailQuery) bool {
	if q.OperationID != "" && r.OperationID != q.OperationID {
		return false
	}
	if q.LifecycleID != "" && r.LifecycleID != q.LifecycleID {
		return false
	}
	if q.Stage != "" && r.Stage != q.Stage {
		return false
	}
	if !q.From.IsZero() && r.WallTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.WallTime.After(q.To) {
		return false
	}
	return true
}
