package domain

import (
	"context"
	"time"
)

// TrailQuery filters receipts; zero-value fields are ignored.
type TrailQuery struct {
	OperationID string
	LifecycleID string
	Stage       Stage
	From        time.Time
	To          time.Time
}

// TrailStore is the append-only log the audit trail compiler writes to.
// Append is idempotent on receipt ID; receipts are write-once, read-many
// and List preserves append order.
type TrailStore interface {
	Append(ctx context.Context, receipt Receipt) error
	Get(ctx context.Context, receiptID string) (*Receipt, error)
	List(ctx context.Context, q TrailQuery) ([]Receipt, error)
}
