//go:build integration

package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mto-ops/worklog-sync/pkg/config"
	"github.com/mto-ops/worklog-sync/pkg/registry"
)

func TestPostgresWarehouse(t *testing.T) {
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("worklog"),
		tcpostgres.WithUsername("sync"),
		tcpostgres.WithPassword("sync"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	exerciseWarehouse(t, config.WarehouseConfig{Type: config.WarehousePostgres, URL: url, MaxOpenConns: 4})
}

func TestMySQLWarehouse(t *testing.T) {
	ctx := context.Background()
	ctr, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("worklog"),
		tcmysql.WithUsername("sync"),
		tcmysql.WithPassword("sync"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	exerciseWarehouse(t, config.WarehouseConfig{Type: config.WarehouseMySQL, URL: dsn, MaxOpenConns: 4})
}

func exerciseWarehouse(t *testing.T, cfg config.WarehouseConfig) {
	t.Helper()
	ctx := context.Background()

	db, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, Ping(ctx, db))

	w := New(db)
	require.NoError(t, w.EnsureSchema(ctx))
	require.NoError(t, w.EnsureSchema(ctx))

	wm, err := w.Index.ReadWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(Epoch))

	added, err := w.Facts.EnsureColumns(ctx, []string{"primary_status", "numeric99"})
	require.NoError(t, err)
	assert.Equal(t, []string{"numeric99", "primary_status"}, added)

	updated := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	status := "Delivered"
	name := "Job A"
	err = w.Transaction(ctx, func(tx *Warehouse) error {
		rows := []Row{{ItemID: 42, Values: map[string]*string{ColumnJobName: &name, "primary_status": &status}}}
		if err := tx.Facts.Replace(ctx, []int64{42}, rows); err != nil {
			return err
		}
		return tx.Index.UpsertMany(ctx, []IndexRecord{{ItemID: 42, ItemName: name, UpdatedAt: updated}})
	})
	require.NoError(t, err)

	wm, err = w.Index.ReadWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(updated), "got %v", wm)

	n, err := w.Facts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reg := registry.Default()
	require.NoError(t, w.Reference.Upsert(ctx, reg.ReferenceTables()))
	require.NoError(t, w.Reference.AddMissing(ctx, reg.ReferenceTables()))
	statuses, err := w.Reference.Vocabulary(ctx, registry.TableStatusMap)
	require.NoError(t, err)
	assert.Len(t, statuses, 18)
}
