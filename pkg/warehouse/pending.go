package warehouse

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingRecord is a changed item whose detail fetch came back empty. It is
// requested again by every incremental run until a snapshot is committed,
// because the global watermark may already have passed its updated_at.
type PendingRecord struct {
	ItemID        int64     `gorm:"primaryKey;autoIncrement:false;column:item_id"`
	ItemName      string    `gorm:"column:item_name"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	FirstMissedAt time.Time `gorm:"column:first_missed_at;autoCreateTime:false"`
	Attempts      int       `gorm:"column:attempts;not null;default:1"`
}

// TableName returns the GORM table name.
func (PendingRecord) TableName() string { return "worklog_pending" }

// PendingStore holds items still owed a snapshot.
type PendingStore struct {
	db *gorm.DB
}

// NewPendingStore creates a PendingStore.
func NewPendingStore(db *gorm.DB) *PendingStore {
	return &PendingStore{db: db}
}

// EnsureSchema creates the pending table if it is missing.
func (s *PendingStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&PendingRecord{}); err != nil {
		return fmt.Errorf("migrate worklog_pending: %w", err)
	}
	return nil
}

// List returns every pending item, ascending by id.
func (s *PendingStore) List(ctx context.Context) ([]PendingRecord, error) {
	var recs []PendingRecord
	if err := s.db.WithContext(ctx).Order("item_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return recs, nil
}

// Upsert inserts records. Existing rows keep first_missed_at and take the
// new name, updated_at and attempt count.
func (s *PendingStore) Upsert(ctx context.Context, records []PendingRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]PendingRecord, len(records))
	for i, r := range records {
		r.UpdatedAt = r.UpdatedAt.UTC()
		r.FirstMissedAt = r.FirstMissedAt.UTC()
		rows[i] = r
	}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_name", "updated_at", "attempts"}),
	}
	if err := s.db.WithContext(ctx).Clauses(upsert).CreateInBatches(&rows, upsertBatchSize).Error; err != nil {
		return &PersistenceError{Op: "upsert worklog_pending", Err: err}
	}
	return nil
}

// Delete removes ids from the pending table.
func (s *PendingStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("item_id IN ?", ids).Delete(&PendingRecord{}).Error; err != nil {
		return &PersistenceError{Op: "delete worklog_pending", Err: err}
	}
	return nil
}

// Clear empties the pending table.
func (s *PendingStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&PendingRecord{}).Error; err != nil {
		return &PersistenceError{Op: "clear worklog_pending", Err: err}
	}
	return nil
}

// Count returns the number of pending items.
func (s *PendingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&PendingRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return n, nil
}
