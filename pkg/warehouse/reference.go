package warehouse

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mto-ops/worklog-sync/pkg/registry"
)

// ColumnRename maps a remote column id to its warehouse column name.
type ColumnRename struct {
	ColumnID     string `gorm:"primaryKey;column:column_id"`
	FriendlyName string `gorm:"column:friendly_name"`
}

func (ColumnRename) TableName() string { return registry.TableColumnRenames }

// ColumnDescription documents a remote column id.
type ColumnDescription struct {
	ColumnID    string `gorm:"primaryKey;column:column_id"`
	Description string `gorm:"column:description"`
}

func (ColumnDescription) TableName() string { return registry.TableColumnDescriptions }

// StatusEntry describes one status label.
type StatusEntry struct {
	Status      string `gorm:"primaryKey;column:status"`
	Description string `gorm:"column:description"`
}

func (StatusEntry) TableName() string { return registry.TableStatusMap }

// JobTypeEntry describes one job type label.
type JobTypeEntry struct {
	JobType     string `gorm:"primaryKey;column:job_type"`
	Description string `gorm:"column:description"`
}

func (JobTypeEntry) TableName() string { return registry.TableJobTypeMap }

// ColumnInfo is one row of the column dictionary.
type ColumnInfo struct {
	ColumnID     string  `json:"columnId"`
	FriendlyName string  `json:"friendlyName"`
	Description  *string `json:"description,omitempty"`
}

// VocabularyEntry is one key of a status or job type vocabulary.
type VocabularyEntry struct {
	Key         string `gorm:"column:entry_key" json:"key"`
	Description string `gorm:"column:description" json:"description"`
}

// ErrUnknownTable is returned for a table name that is not a reference table.
var ErrUnknownTable = errors.New("unknown reference table")

// ReferenceStore mirrors the registry vocabularies into the warehouse.
type ReferenceStore struct {
	db *gorm.DB
}

// NewReferenceStore creates a ReferenceStore.
func NewReferenceStore(db *gorm.DB) *ReferenceStore {
	return &ReferenceStore{db: db}
}

// EnsureSchema creates the four reference tables.
func (s *ReferenceStore) EnsureSchema(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&ColumnRename{}, &ColumnDescription{}, &StatusEntry{}, &JobTypeEntry{})
	if err != nil {
		return fmt.Errorf("migrate reference tables: %w", err)
	}
	return nil
}

// Upsert writes every entry of tables, overwriting existing values.
func (s *ReferenceStore) Upsert(ctx context.Context, tables []registry.ReferenceTable) error {
	return s.write(ctx, tables, false)
}

// AddMissing inserts entries whose key is absent and leaves the rest alone.
func (s *ReferenceStore) AddMissing(ctx context.Context, tables []registry.ReferenceTable) error {
	return s.write(ctx, tables, true)
}

func (s *ReferenceStore) write(ctx context.Context, tables []registry.ReferenceTable, keepExisting bool) error {
	db := s.db.WithContext(ctx)
	for _, t := range tables {
		if !knownTable(t.Name) {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t.Name)
		}
		if len(t.Entries) == 0 {
			continue
		}

		rows := make([]map[string]interface{}, 0, len(t.Entries))
		for _, key := range t.Keys() {
			rows = append(rows, map[string]interface{}{t.KeyColumn: key, t.ValueColumn: t.Entries[key]})
		}

		conflict := clause.OnConflict{Columns: []clause.Column{{Name: t.KeyColumn}}}
		if keepExisting {
			conflict.DoNothing = true
		} else {
			conflict.DoUpdates = clause.AssignmentColumns([]string{t.ValueColumn})
		}
		if err := db.Table(t.Name).Clauses(conflict).Create(rows).Error; err != nil {
			return &PersistenceError{Op: "write " + t.Name, Err: err}
		}
	}
	return nil
}

// ColumnDictionary joins column renames with their descriptions.
func (s *ReferenceStore) ColumnDictionary(ctx context.Context) ([]ColumnInfo, error) {
	var out []ColumnInfo
	err := s.db.WithContext(ctx).
		Table(registry.TableColumnRenames + " AS r").
		Select("r.column_id AS column_id, r.friendly_name AS friendly_name, d.description AS description").
		Joins("LEFT JOIN " + registry.TableColumnDescriptions + " AS d ON d.column_id = r.column_id").
		Order("r.column_id").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("read column dictionary: %w", err)
	}
	return out, nil
}

// Vocabulary returns the entries of status_map or job_type_map.
func (s *ReferenceStore) Vocabulary(ctx context.Context, table string) ([]VocabularyEntry, error) {
	var key string
	switch table {
	case registry.TableStatusMap:
		key = "status"
	case registry.TableJobTypeMap:
		key = "job_type"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var out []VocabularyEntry
	err := s.db.WithContext(ctx).
		Table(table).
		Select(key + " AS entry_key, description").
		Order(key).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return out, nil
}

func knownTable(name string) bool {
	switch name {
	case registry.TableColumnRenames, registry.TableColumnDescriptions, registry.TableStatusMap, registry.TableJobTypeMap:
		return true
	}
	return false
}
