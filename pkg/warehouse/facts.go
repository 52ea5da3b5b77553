package warehouse

import (
	"context"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Fact table base columns. Every other column is TEXT and added on demand.
const (
	FactTableName   = "worklog"
	ColumnItemID    = "monday_item_id"
	ColumnJobName   = "job_name"
	ColumnUpdatedAt = "updated_at"

	deleteChunkSize = 500
	insertBatchSize = 200
)

// BaseColumns are created with the fact table and never added by evolution.
var BaseColumns = []string{ColumnItemID, ColumnJobName, ColumnUpdatedAt}

// Row is one fact-table row. Values holds every column except the item id;
// a nil value is stored as NULL.
type Row struct {
	ItemID int64
	Values map[string]*string
}

// FactTable is the denormalized worklog table. Its column set only grows.
type FactTable struct {
	db   *gorm.DB
	name string
}

// NewFactTable creates a FactTable over the worklog table.
func NewFactTable(db *gorm.DB) *FactTable {
	return &FactTable{db: db, name: FactTableName}
}

// Name returns the table name.
func (t *FactTable) Name() string { return t.name }

// EnsureTable creates the fact table with its base columns if it is missing.
func (t *FactTable) EnsureTable(ctx context.Context) error {
	db := t.db.WithContext(ctx)
	m := db.Migrator()
	if !m.HasTable(t.name) {
		err := db.Exec("CREATE TABLE ? (? BIGINT NOT NULL, ? TEXT, ? TEXT)",
			clause.Table{Name: t.name},
			clause.Column{Name: ColumnItemID},
			clause.Column{Name: ColumnJobName},
			clause.Column{Name: ColumnUpdatedAt},
		).Error
		if err != nil && !m.HasTable(t.name) {
			return &SchemaEvolutionError{Table: t.name, Column: ColumnItemID, Err: err}
		}
	}

	index := "idx_" + t.name + "_" + ColumnItemID
	if !m.HasIndex(t.name, index) {
		err := db.Exec("CREATE INDEX ? ON ? (?)",
			clause.Table{Name: index},
			clause.Table{Name: t.name},
			clause.Column{Name: ColumnItemID},
		).Error
		if err != nil && !m.HasIndex(t.name, index) {
			return fmt.Errorf("create index %s: %w", index, err)
		}
	}
	return nil
}

// Columns returns the current column names, lowercased.
func (t *FactTable) Columns(ctx context.Context) (mapset.Set[string], error) {
	types, err := t.db.WithContext(ctx).Migrator().ColumnTypes(t.name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s columns: %w", t.name, err)
	}
	cols := mapset.NewThreadUnsafeSetWithSize[string](len(types))
	for _, ct := range types {
		cols.Add(strings.ToLower(ct.Name()))
	}
	return cols, nil
}

// EnsureColumns adds every wanted column that is not yet present as a
// nullable TEXT column and returns the ones it added, sorted. Columns are
// never dropped, renamed or retyped. Each ALTER runs on its own so a
// failure leaves earlier additions in place.
func (t *FactTable) EnsureColumns(ctx context.Context, wanted []string) ([]string, error) {
	existing, err := t.Columns(ctx)
	if err != nil {
		return nil, &SchemaEvolutionError{Table: t.name, Err: err}
	}

	missing := mapset.NewThreadUnsafeSet[string]()
	for _, col := range wanted {
		if col == "" {
			continue
		}
		if !existing.Contains(strings.ToLower(col)) {
			missing.Add(col)
		}
	}
	if missing.Cardinality() == 0 {
		return nil, nil
	}

	toAdd := missing.ToSlice()
	sort.Strings(toAdd)

	db := t.db.WithContext(ctx)
	added := make([]string, 0, len(toAdd))
	for _, col := range toAdd {
		err := db.Exec("ALTER TABLE ? ADD COLUMN ? TEXT", clause.Table{Name: t.name}, clause.Column{Name: col}).Error
		if err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return added, &SchemaEvolutionError{Table: t.name, Column: col, Err: err}
		}
		added = append(added, col)
	}
	return added, nil
}

// Replace deletes every row whose item id is in ids and inserts rows. Call
// it inside a transaction so readers never see a partial replacement.
func (t *FactTable) Replace(ctx context.Context, ids []int64, rows []Row) error {
	db := t.db.WithContext(ctx)
	for start := 0; start < len(ids); start += deleteChunkSize {
		chunk := ids[start:min(start+deleteChunkSize, len(ids))]
		err := db.Exec("DELETE FROM ? WHERE ? IN ?",
			clause.Table{Name: t.name}, clause.Column{Name: ColumnItemID}, chunk).Error
		if err != nil {
			return &PersistenceError{Op: "delete " + t.name + " rows", Err: err}
		}
	}
	return t.insert(db, rows)
}

// Truncate removes every row. Used by full refresh inside its transaction.
func (t *FactTable) Truncate(ctx context.Context) error {
	if err := t.db.WithContext(ctx).Exec("DELETE FROM ?", clause.Table{Name: t.name}).Error; err != nil {
		return &PersistenceError{Op: "truncate " + t.name, Err: err}
	}
	return nil
}

// Count returns the number of rows.
func (t *FactTable) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.db.WithContext(ctx).Table(t.name).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s rows: %w", t.name, err)
	}
	return n, nil
}

// Rows returns the rows of itemID as column to value maps.
func (t *FactTable) Rows(ctx context.Context, itemID int64) ([]map[string]any, error) {
	var out []map[string]any
	err := t.db.WithContext(ctx).Table(t.name).Where(clause.Eq{Column: clause.Column{Name: ColumnItemID}, Value: itemID}).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("read %s rows: %w", t.name, err)
	}
	return out, nil
}

func (t *FactTable) insert(db *gorm.DB, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	// Every map needs the same keys for a multi-row insert.
	cols := mapset.NewThreadUnsafeSet[string]()
	for _, r := range rows {
		for col := range r.Values {
			cols.Add(col)
		}
	}
	cols.Remove(ColumnItemID)

	records := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		rec := make(map[string]interface{}, cols.Cardinality()+1)
		rec[ColumnItemID] = r.ItemID
		for col := range cols.Iter() {
			if v := r.Values[col]; v != nil {
				rec[col] = *v
			} else {
				rec[col] = nil
			}
		}
		records[i] = rec
	}

	for start := 0; start < len(records); start += insertBatchSize {
		batch := records[start:min(start+insertBatchSize, len(records))]
		if err := db.Table(t.name).Create(batch).Error; err != nil {
			return &PersistenceError{Op: "insert " + t.name + " rows", Err: err}
		}
	}
	return nil
}
