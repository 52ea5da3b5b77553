package warehouse

import (
	"context"

	"gorm.io/gorm"
)

// Warehouse bundles the stores that share one connection or transaction.
type Warehouse struct {
	DB        *gorm.DB
	Index     *IndexStore
	Facts     *FactTable
	Reference *ReferenceStore
	Pending   *PendingStore
}

// New wraps db.
func New(db *gorm.DB) *Warehouse {
	return &Warehouse{
		DB:        db,
		Index:     NewIndexStore(db),
		Facts:     NewFactTable(db),
		Reference: NewReferenceStore(db),
		Pending:   NewPendingStore(db),
	}
}

// EnsureSchema creates the index, pending, fact and reference tables.
// Existing tables are left as they are.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	if err := w.Index.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := w.Pending.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := w.Facts.EnsureTable(ctx); err != nil {
		return err
	}
	return w.Reference.EnsureSchema(ctx)
}

// Transaction runs fn with stores bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (w *Warehouse) Transaction(ctx context.Context, fn func(tx *Warehouse) error) error {
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}
