package warehouse

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Epoch is the watermark of an empty index.
var Epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

const upsertBatchSize = 500

// IndexRecord is the last ingested snapshot time of one board item.
type IndexRecord struct {
	ItemID    int64     `gorm:"primaryKey;autoIncrement:false;column:item_id"`
	ItemName  string    `gorm:"column:item_name"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false;index:idx_worklog_index_updated_at"`
}

// TableName returns the GORM table name.
func (IndexRecord) TableName() string { return "worklog_index" }

// IndexStore is the watermark table. Rows are only ever upserted.
type IndexStore struct {
	db *gorm.DB
}

// NewIndexStore creates an IndexStore.
func NewIndexStore(db *gorm.DB) *IndexStore {
	return &IndexStore{db: db}
}

// EnsureSchema creates the watermark table if it is missing.
func (s *IndexStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&IndexRecord{}); err != nil {
		return fmt.Errorf("migrate worklog_index: %w", err)
	}
	return nil
}

// ReadWatermark returns the greatest updated_at in the index, or Epoch when
// the index is empty.
func (s *IndexStore) ReadWatermark(ctx context.Context) (time.Time, error) {
	watermark := Epoch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest []IndexRecord
		if err := tx.Order("updated_at DESC").Limit(1).Find(&latest).Error; err != nil {
			return err
		}
		if len(latest) == 1 {
			watermark = latest[0].UpdatedAt.UTC()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return watermark, nil
}

// UpsertMany inserts records, replacing item_name and updated_at of rows
// that already exist.
func (s *IndexStore) UpsertMany(ctx context.Context, records []IndexRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]IndexRecord, len(records))
	for i, r := range records {
		r.UpdatedAt = r.UpdatedAt.UTC()
		rows[i] = r
	}

	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_name", "updated_at"}),
	}
	db := s.db.WithContext(ctx)
	for start := 0; start < len(rows); start += upsertBatchSize {
		batch := rows[start:min(start+upsertBatchSize, len(rows))]
		if err := db.Clauses(upsert).Create(&batch).Error; err != nil {
			return &PersistenceError{Op: "upsert worklog_index", Err: err}
		}
	}
	return nil
}

// Get returns the index row for itemID, or nil.
func (s *IndexStore) Get(ctx context.Context, itemID int64) (*IndexRecord, error) {
	var recs []IndexRecord
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Limit(1).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("get index record: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// Count returns the number of indexed items.
func (s *IndexStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&IndexRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count index records: %w", err)
	}
	return n, nil
}
