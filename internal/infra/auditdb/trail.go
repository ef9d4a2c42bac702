// Package auditdb is the postgres-backed append-only trail store.
// Receipts are stored write-once; a unique index on the receipt id makes
// Append idempotent at the database level.
package auditdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ciaf/internal/domain"
)

type ReceiptModel struct {
	ID          string    `gorm:"primaryKey"`
	OperationID string    `gorm:"index;not null"`
	LifecycleID string    `gorm:"index;not null"`
	Stage       string    `gorm:"index;not null"`
	Kind        string    `gorm:"not null"`
	Seq         int64     `gorm:"not null"`
	WallTime    time.Time `gorm:"index;not null"`
	ReceiptJSON []byte    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (ReceiptModel) TableName() string { return "receipts" }

type Trail struct {
	db *gorm.DB
}

func Open(dsn string) (*Trail, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := gdb.AutoMigrate(&ReceiptModel{}); err != nil {
		return nil, fmt.Errorf("migrate receipts: %w", err)
	}
	return &Trail{db: gdb}, nil
}

func NewTrail(db *gorm.DB) *Trail {
	return &Trail{db: db}
}

func (t *Trail) Append(ctx context.Context, receipt domain.Receipt) error {
	if receipt.ID == "" {
		return domain.ErrMalformedContext
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	model := ReceiptModel{
		ID:          receipt.ID,
		OperationID: receipt.OperationID,
		LifecycleID: receipt.LifecycleID,
		Stage:       string(receipt.Stage),
		Kind:        string(receipt.Kind),
		Seq:         receipt.Seq,
		WallTime:    receipt.WallTime.UTC(),
		ReceiptJSON: payload,
		CreatedAt:   time.Now().UTC(),
	}
	// Duplicate receipt ids are dropped, keeping Append idempotent.
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
}

func (t *Trail) Get(ctx context.Context, receiptID string) (*domain.Receipt, error) {
	var model ReceiptModel
	err := t.db.WithContext(ctx).First(&model, "id = ?", receiptID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeReceipt(model)
}

func (t *Trail) List(ctx context.Context, q domain.TrailQuery) ([]domain.Receipt, error) {
	tx := t.db.WithContext(ctx).Model(&ReceiptModel{}).Order("seq asc, created_at asc")
	if q.OperationID != "" {
		tx = tx.Where("operation_id = ?", q.OperationID)
	}
	if q.LifecycleID != "" {
		tx = tx.Where("lifecycle_id = ?", q.LifecycleID)
	}
	if q.Stage != "" {
		tx = tx.Where("stage = ?", string(q.Stage))
	}
	if !q.From.IsZero() {
		tx = tx.Where("wall_time >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		tx = tx.Where("wall_time <= ?", q.To.UTC())
	}

	var models []ReceiptModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Receipt, 0, len(models))
	for _, model := range models {
		receipt, err := decodeReceipt(model)
		if err != nil {
			return nil, err
		}
		out = append(out, *receipt)
	}
	return out, nil
}

func decodeReceipt(model ReceiptModel) (*domain.Receipt, error) {
	var receipt domain.Receipt
	if err := json.Unmarshal(model.ReceiptJSON, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", model.ID, err)
	}
	return &receipt, nil
}
