package reconcile

import (
	"log/slog"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mto-ops/worklog-sync/pkg/monday"
	"github.com/mto-ops/worklog-sync/pkg/registry"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

// batch is the set of fact rows and watermark records built from one
// detail fetch, keyed by item id.
type batch struct {
	ids     []int64
	rows    []warehouse.Row
	records []warehouse.IndexRecord
	columns []string
	// unregistered maps remote ids the registry does not know to the column
	// they were written to.
	unregistered map[string]string
	latest       time.Time
}

var baseColumns = mapset.NewThreadUnsafeSet(warehouse.BaseColumns...)

// buildBatch turns item snapshots into fact rows. Every value is kept as
// text; a duplicate item id keeps its first snapshot.
func buildBatch(items []monday.Item, reg *registry.Registry, logger *slog.Logger) batch {
	b := batch{unregistered: map[string]string{}}
	seen := mapset.NewThreadUnsafeSetWithSize[int64](len(items))
	columns := mapset.NewThreadUnsafeSet[string]()
	warned := mapset.NewThreadUnsafeSet[string]()

	for _, item := range items {
		if !seen.Add(item.ID) {
			continue
		}
		updated := item.UpdatedAt.UTC()
		name := item.Name
		stamp := updated.Format(time.RFC3339)

		values := map[string]*string{
			warehouse.ColumnJobName:   &name,
			warehouse.ColumnUpdatedAt: &stamp,
		}
		// Sorted so that two remote ids landing on one column resolve the
		// same way every run.
		cvs := append([]monday.ColumnValue(nil), item.ColumnValues...)
		sort.Slice(cvs, func(i, j int) bool { return cvs[i].ID < cvs[j].ID })
		owner := map[string]string{}
		for _, cv := range cvs {
			col := reg.ColumnName(cv.ID)
			switch {
			case col == "":
				if warned.Add("empty:" + cv.ID) {
					logger.Warn("skipping field with no usable column name", "field", cv.ID)
				}
				continue
			case baseColumns.Contains(col):
				continue
			}
			if prev, ok := owner[col]; ok && prev != cv.ID {
				if warned.Add("dup:" + col) {
					logger.Warn("fields share a column, keeping the first", "column", col, "kept", prev, "dropped", cv.ID)
				}
				continue
			}
			owner[col] = cv.ID
			values[col] = cv.Text
			columns.Add(col)
			if _, known := reg.Describe(cv.ID); !known {
				b.unregistered[cv.ID] = col
			}
		}

		b.ids = append(b.ids, item.ID)
		b.rows = append(b.rows, warehouse.Row{ItemID: item.ID, Values: values})
		b.records = append(b.records, warehouse.IndexRecord{ItemID: item.ID, ItemName: name, UpdatedAt: updated})
		if updated.After(b.latest) {
			b.latest = updated
		}
	}

	b.columns = columns.ToSlice()
	sort.Strings(b.columns)
	return b
}

// unregisteredTables describes fields the registry does not know, using the
// board's column titles, for insert-if-absent into the reference tables.
func (b batch) unregisteredTables(titles map[string]string) []registry.ReferenceTable {
	if len(b.unregistered) == 0 {
		return nil
	}
	renames := make(map[string]string, len(b.unregistered))
	descriptions := map[string]string{}
	for id, col := range b.unregistered {
		renames[id] = col
		if title, ok := titles[id]; ok && title != "" {
			descriptions[id] = title
		}
	}
	return []registry.ReferenceTable{
		{Name: registry.TableColumnRenames, KeyColumn: "column_id", ValueColumn: "friendly_name", Entries: renames},
		{Name: registry.TableColumnDescriptions, KeyColumn: "column_id", ValueColumn: "description", Entries: descriptions},
	}
}

// dedupeIDs returns the distinct ids of metas in ascending order.
func dedupeIDs(metas []monday.ItemMeta, more ...monday.ItemMeta) []int64 {
	set := mapset.NewThreadUnsafeSetWithSize[int64](len(metas) + len(more))
	for _, m := range metas {
		set.Add(m.ID)
	}
	for _, m := range more {
		set.Add(m.ID)
	}
	ids := set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// missingIDs returns the ids in want that are not in got, ascending.
func missingIDs(want, got []int64) []int64 {
	diff := mapset.NewThreadUnsafeSet(want...).Difference(mapset.NewThreadUnsafeSet(got...)).ToSlice()
	sort.Slice(diff, func(i, j int) bool { return diff[i] < diff[j] })
	return diff
}

func pendingMetas(pending []warehouse.PendingRecord) []monday.ItemMeta {
	metas := make([]monday.ItemMeta, len(pending))
	for i, p := range pending {
		metas[i] = monday.ItemMeta{ID: p.ItemID, Name: p.ItemName, UpdatedAt: p.UpdatedAt}
	}
	return metas
}

// pendingRecords builds the retry rows for missing. Ids already pending
// count one more attempt; metadata from this run's listing wins.
func pendingRecords(missing []int64, metas []monday.ItemMeta, pending []warehouse.PendingRecord, now time.Time) []warehouse.PendingRecord {
	if len(missing) == 0 {
		return nil
	}
	prev := make(map[int64]warehouse.PendingRecord, len(pending))
	for _, p := range pending {
		prev[p.ItemID] = p
	}
	listed := make(map[int64]monday.ItemMeta, len(metas))
	for _, m := range metas {
		listed[m.ID] = m
	}

	out := make([]warehouse.PendingRecord, 0, len(missing))
	for _, id := range missing {
		rec, ok := prev[id]
		if ok {
			rec.Attempts++
		} else {
			rec = warehouse.PendingRecord{ItemID: id, FirstMissedAt: now.UTC(), Attempts: 1}
		}
		if m, ok := listed[id]; ok {
			rec.ItemName = m.Name
			rec.UpdatedAt = m.UpdatedAt
		}
		out = append(out, rec)
	}
	return out
}
