package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mto-ops/worklog-sync/pkg/registry"
	"github.com/mto-ops/worklog-sync/pkg/warehouse/warehousetest"
)

func text(s string) *string { return &s }

func setupWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	w := New(warehousetest.Open(t))
	require.NoError(t, w.EnsureSchema(context.Background()))
	return w
}

func TestReadWatermarkEmptyIsEpoch(t *testing.T) {
	w := setupWarehouse(t)

	wm, err := w.Index.ReadWatermark(context.Background())
	require.NoError(t, err)
	assert.True(t, wm.Equal(Epoch))
}

func TestReadWatermarkReturnsMax(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)
	require.NoError(t, w.Index.UpsertMany(ctx, []IndexRecord{
		{ItemID: 1, ItemName: "a", UpdatedAt: t1},
		{ItemID: 2, ItemName: "b", UpdatedAt: t2},
	}))

	wm, err := w.Index.ReadWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2), "got %v", wm)
}

func TestUpsertManyReplacesExisting(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := old.Add(48 * time.Hour)
	require.NoError(t, w.Index.UpsertMany(ctx, []IndexRecord{{ItemID: 42, ItemName: "Job A", UpdatedAt: old}}))
	require.NoError(t, w.Index.UpsertMany(ctx, []IndexRecord{{ItemID: 42, ItemName: "Job A v2", UpdatedAt: newer}}))

	n, err := w.Index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := w.Index.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Job A v2", rec.ItemName)
	assert.True(t, rec.UpdatedAt.Equal(newer))
}

func TestUpsertManyStoresUTC(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2024, 6, 1, 12, 0, 0, 0, loc)
	require.NoError(t, w.Index.UpsertMany(ctx, []IndexRecord{{ItemID: 7, ItemName: "x", UpdatedAt: local}}))

	wm, err := w.Index.ReadWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(local))
	assert.Equal(t, time.UTC, wm.Location())
}

func TestGetMissingReturnsNil(t *testing.T) {
	w := setupWarehouse(t)

	rec, err := w.Index.Get(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEnsureTableIsIdempotent(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	require.NoError(t, w.Facts.EnsureTable(ctx))
	cols, err := w.Facts.Columns(ctx)
	require.NoError(t, err)
	for _, c := range BaseColumns {
		assert.True(t, cols.Contains(c), "missing base column %s", c)
	}
	assert.Equal(t, len(BaseColumns), cols.Cardinality())
}

func TestEnsureColumnsAddsOnlyMissing(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	added, err := w.Facts.EnsureColumns(ctx, []string{"primary_status", "job_name", "received_date"})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary_status", "received_date"}, added)

	added, err = w.Facts.EnsureColumns(ctx, []string{"primary_status", "numeric99"})
	require.NoError(t, err)
	assert.Equal(t, []string{"numeric99"}, added)

	cols, err := w.Facts.Columns(ctx)
	require.NoError(t, err)
	for _, c := range []string{"monday_item_id", "job_name", "updated_at", "primary_status", "received_date", "numeric99"} {
		assert.True(t, cols.Contains(c), "missing column %s", c)
	}
}

func TestEnsureColumnsNothingToDo(t *testing.T) {
	w := setupWarehouse(t)

	added, err := w.Facts.EnsureColumns(context.Background(), []string{"job_name", ""})
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestEnsureColumnsIgnoresCase(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	require.NoError(t, w.DB.Exec(`ALTER TABLE worklog ADD COLUMN "Legacy" TEXT`).Error)

	added, err := w.Facts.EnsureColumns(ctx, []string{"legacy"})
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestReplaceDeletesThenInserts(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()
	_, err := w.Facts.EnsureColumns(ctx, []string{"primary_status"})
	require.NoError(t, err)

	first := []Row{
		{ItemID: 1, Values: map[string]*string{"job_name": text("A"), "updated_at": text("2024-01-01T00:00:00Z"), "primary_status": text("Working on it")}},
		{ItemID: 2, Values: map[string]*string{"job_name": text("B"), "updated_at": text("2024-01-01T00:00:00Z"), "primary_status": nil}},
	}
	require.NoError(t, w.Facts.Replace(ctx, []int64{1, 2}, first))

	second := []Row{
		{ItemID: 1, Values: map[string]*string{"job_name": text("A"), "updated_at": text("2024-01-02T00:00:00Z"), "primary_status": text("Done")}},
	}
	require.NoError(t, w.Facts.Replace(ctx, []int64{1}, second))

	n, err := w.Facts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := w.Facts.Rows(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Done", rows[0]["primary_status"])

	rows, err = w.Facts.Rows(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["primary_status"])
}

func TestReplaceFillsAbsentColumnsWithNull(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()
	_, err := w.Facts.EnsureColumns(ctx, []string{"numeric99"})
	require.NoError(t, err)

	rows := []Row{
		{ItemID: 1, Values: map[string]*string{"job_name": text("A"), "numeric99": text("7")}},
		{ItemID: 2, Values: map[string]*string{"job_name": text("B")}},
	}
	require.NoError(t, w.Facts.Replace(ctx, []int64{1, 2}, rows))

	got, err := w.Facts.Rows(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0]["numeric99"])
}

func TestReplaceManyIDsChunksDeletes(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	ids := make([]int64, 0, 1200)
	rows := make([]Row, 0, 1200)
	for i := int64(1); i <= 1200; i++ {
		ids = append(ids, i)
		rows = append(rows, Row{ItemID: i, Values: map[string]*string{"job_name": text("job")}})
	}
	require.NoError(t, w.Facts.Replace(ctx, ids, rows))
	require.NoError(t, w.Facts.Replace(ctx, ids, rows))

	n, err := w.Facts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := w.Transaction(ctx, func(tx *Warehouse) error {
		require.NoError(t, tx.Facts.Replace(ctx, []int64{5}, []Row{{ItemID: 5, Values: map[string]*string{"job_name": text("X")}}}))
		require.NoError(t, tx.Index.UpsertMany(ctx, []IndexRecord{{ItemID: 5, ItemName: "X", UpdatedAt: time.Now()}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := w.Facts.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = w.Index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTruncate(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	require.NoError(t, w.Facts.Replace(ctx, []int64{1}, []Row{{ItemID: 1, Values: map[string]*string{"job_name": text("A")}}}))
	require.NoError(t, w.Facts.Truncate(ctx))

	n, err := w.Facts.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReferenceUpsertAndVocabulary(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()
	reg := registry.Default()

	require.NoError(t, w.Reference.Upsert(ctx, reg.ReferenceTables()))
	require.NoError(t, w.Reference.Upsert(ctx, reg.ReferenceTables()))

	statuses, err := w.Reference.Vocabulary(ctx, registry.TableStatusMap)
	require.NoError(t, err)
	assert.Len(t, statuses, 18)

	jobTypes, err := w.Reference.Vocabulary(ctx, registry.TableJobTypeMap)
	require.NoError(t, err)
	assert.Len(t, jobTypes, 16)

	dict, err := w.Reference.ColumnDictionary(ctx)
	require.NoError(t, err)
	assert.Len(t, dict, reg.Len())
	for _, c := range dict {
		if c.ColumnID == "color56" {
			assert.Equal(t, "primary_status", c.FriendlyName)
			require.NotNil(t, c.Description)
		}
	}
}

func TestReferenceUpsertOverwritesAddMissingDoesNot(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	table := func(desc string) []registry.ReferenceTable {
		return []registry.ReferenceTable{{
			Name: registry.TableStatusMap, KeyColumn: "status", ValueColumn: "description",
			Entries: map[string]string{"Done": desc},
		}}
	}

	require.NoError(t, w.Reference.Upsert(ctx, table("first")))
	require.NoError(t, w.Reference.AddMissing(ctx, table("second")))
	got, err := w.Reference.Vocabulary(ctx, registry.TableStatusMap)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Description)

	require.NoError(t, w.Reference.Upsert(ctx, table("third")))
	got, err = w.Reference.Vocabulary(ctx, registry.TableStatusMap)
	require.NoError(t, err)
	assert.Equal(t, "third", got[0].Description)
}

func TestReferenceUnknownTable(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	err := w.Reference.Upsert(ctx, []registry.ReferenceTable{{Name: "worklog", KeyColumn: "k", ValueColumn: "v", Entries: map[string]string{"a": "b"}}})
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = w.Reference.Vocabulary(ctx, registry.TableColumnRenames)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestIsDuplicateColumn(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"postgres duplicate", &pgconn.PgError{Code: "42701"}, true},
		{"postgres other", &pgconn.PgError{Code: "42P01"}, false},
		{"mysql duplicate", &mysql.MySQLError{Number: 1060, Message: "Duplicate column name 'x'"}, true},
		{"mysql other", &mysql.MySQLError{Number: 1146}, false},
		{"wrapped postgres", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "42701"}), true},
		{"sqlite duplicate", errors.New("SQL logic error: duplicate column name: foo (1)"), true},
		{"sqlite other", errors.New("no such table: worklog"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDuplicateColumn(tt.err))
		})
	}
}

func TestErrorTypes(t *testing.T) {
	cause := errors.New("disk full")

	var se error = &SchemaEvolutionError{Table: "worklog", Column: "x", Err: cause}
	assert.ErrorIs(t, se, cause)
	assert.Contains(t, se.Error(), `"x"`)

	var pe error = &PersistenceError{Op: "insert worklog rows", Err: cause}
	assert.ErrorIs(t, pe, cause)
	assert.Equal(t, "insert worklog rows: disk full", pe.Error())
}

func TestPendingUpsertKeepsFirstMiss(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, w.Pending.Upsert(ctx, []PendingRecord{
		{ItemID: 3, ItemName: "c", UpdatedAt: updated, FirstMissedAt: first, Attempts: 1},
		{ItemID: 1, ItemName: "a", UpdatedAt: updated, FirstMissedAt: first, Attempts: 1},
	}))
	require.NoError(t, w.Pending.Upsert(ctx, []PendingRecord{
		{ItemID: 3, ItemName: "c v2", UpdatedAt: updated.Add(time.Hour), FirstMissedAt: first.Add(time.Hour), Attempts: 2},
	}))

	recs, err := w.Pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].ItemID)
	assert.Equal(t, "c v2", recs[1].ItemName)
	assert.Equal(t, 2, recs[1].Attempts)
	assert.True(t, recs[1].FirstMissedAt.Equal(first))
	assert.True(t, recs[1].UpdatedAt.Equal(updated.Add(time.Hour)))
}

func TestPendingDeleteAndClear(t *testing.T) {
	w := setupWarehouse(t)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.Pending.Upsert(ctx, []PendingRecord{
		{ItemID: 1, UpdatedAt: now, FirstMissedAt: now, Attempts: 1},
		{ItemID: 2, UpdatedAt: now, FirstMissedAt: now, Attempts: 1},
		{ItemID: 3, UpdatedAt: now, FirstMissedAt: now, Attempts: 1},
	}))

	require.NoError(t, w.Pending.Delete(ctx, []int64{2, 99}))
	require.NoError(t, w.Pending.Delete(ctx, nil))
	n, err := w.Pending.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, w.Pending.Clear(ctx))
	n, err = w.Pending.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
