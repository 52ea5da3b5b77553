package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mto-ops/worklog-sync/pkg/warehouse/warehousetest"
)

func setupStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := warehousetest.Open(t)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate(context.Background()))
	return store, db
}

func newTestRun(board int64, mode Mode, trigger Trigger) *Run {
	return &Run{BoardID: board, Mode: mode, TriggeredBy: trigger}
}

func TestStartAssignsIDAndRunning(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	run := newTestRun(1, ModeIncremental, TriggerCLI)
	require.NoError(t, store.Start(ctx, run))
	assert.Len(t, run.ID, 36)
	assert.Equal(t, StateRunning, run.State)
	assert.False(t, run.StartedAt.IsZero())

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, TriggerCLI, got.TriggeredBy)
	assert.False(t, got.IsTerminal())
}

func TestFinishStoresOutcome(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	run := newTestRun(1, ModeIncremental, TriggerSchedule)
	require.NoError(t, store.Start(ctx, run))

	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	after := before.Add(time.Hour)
	run.State = StateCommitted
	run.WatermarkBefore = &before
	run.WatermarkAfter = &after
	run.DeltaCount = 3
	run.FetchedCount = 2
	run.RowsWritten = 2
	run.ColumnsAdded = "numeric99"
	run.MissingCount = 1
	run.MissingIDs = "77"
	run.Path = "INIT,SCHEMA_READY,WATERMARK_READ,DELTA_FETCHED,DETAIL_FETCHED,SCHEMA_EVOLVED,COMMITTED"
	require.NoError(t, store.Finish(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, got.State)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.WatermarkAfter)
	assert.True(t, got.WatermarkAfter.Equal(after))
	assert.Equal(t, 3, got.DeltaCount)
	assert.Equal(t, 2, got.RowsWritten)
	assert.Equal(t, "numeric99", got.ColumnsAdded)
	assert.Equal(t, "77", got.MissingIDs)
	assert.True(t, got.IsTerminal())
}

func TestFinishRejectsRunningState(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	run := newTestRun(1, ModeIncremental, TriggerCLI)
	require.NoError(t, store.Start(ctx, run))
	assert.Error(t, store.Finish(ctx, run))
}

func TestFinishUnknownRun(t *testing.T) {
	store, _ := setupStore(t)

	run := &Run{ID: "00000000-0000-0000-0000-000000000000", State: StateNoop, StartedAt: time.Now()}
	err := store.Finish(context.Background(), run)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetNotFound(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatest(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.Latest(ctx, ListFilter{})
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().UTC().Add(-time.Hour)
	for i, state := range []State{StateCommitted, StateAborted, StateNoop} {
		run := newTestRun(1, ModeIncremental, TriggerSchedule)
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Start(ctx, run))
		run.State = state
		require.NoError(t, store.Finish(ctx, run))
	}

	latest, err := store.Latest(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, StateNoop, latest.State)

	committed, err := store.Latest(ctx, ListFilter{State: string(StateCommitted)})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, committed.State)
}

func TestListPaginationAndFilter(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		run := newTestRun(1, ModeIncremental, TriggerSchedule)
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Start(ctx, run))
	}
	full := newTestRun(1, ModeFull, TriggerCLI)
	full.StartedAt = base.Add(10 * time.Minute)
	require.NoError(t, store.Start(ctx, full))

	page1, token, total, err := store.List(ctx, ListFilter{Mode: string(ModeIncremental)}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.NotEmpty(t, token)
	assert.True(t, page1[0].StartedAt.After(page1[1].StartedAt))

	page2, token2, _, err := store.List(ctx, ListFilter{Mode: string(ModeIncremental)}, 2, token)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, page2[0].StartedAt.Before(page1[1].StartedAt))

	page3, token3, _, err := store.List(ctx, ListFilter{Mode: string(ModeIncremental)}, 2, token2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.Empty(t, token3)

	all, _, total, err := store.List(ctx, ListFilter{}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, all, 6)
	assert.Equal(t, ModeFull, all[0].Mode)

	byTrigger, _, total, err := store.List(ctx, ListFilter{Trigger: string(TriggerCLI)}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, full.ID, byTrigger[0].ID)
}

func TestListInvalidPageToken(t *testing.T) {
	store, _ := setupStore(t)

	_, _, _, err := store.List(context.Background(), ListFilter{}, 10, "not-a-time")
	assert.Error(t, err)
}

func TestCleanupStuck(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	stuck := newTestRun(1, ModeIncremental, TriggerSchedule)
	stuck.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, store.Start(ctx, stuck))

	fresh := newTestRun(1, ModeIncremental, TriggerSchedule)
	require.NoError(t, store.Start(ctx, fresh))

	n, err := store.CleanupStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, got.State)
	assert.Contains(t, got.LastError, "stuck")

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
}

func TestDeleteOlderThan(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	old := newTestRun(1, ModeIncremental, TriggerSchedule)
	require.NoError(t, store.Start(ctx, old))
	old.State = StateCommitted
	require.NoError(t, store.Finish(ctx, old))
	require.NoError(t, db.Model(&Run{}).Where("id = ?", old.ID).
		Update("finished_at", time.Now().UTC().AddDate(0, 0, -40)).Error)

	recent := newTestRun(1, ModeIncremental, TriggerSchedule)
	require.NoError(t, store.Start(ctx, recent))
	recent.State = StateNoop
	require.NoError(t, store.Finish(ctx, recent))

	running := newTestRun(1, ModeIncremental, TriggerSchedule)
	require.NoError(t, store.Start(ctx, running))

	n, err := store.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, running.ID)
	assert.NoError(t, err)
}
