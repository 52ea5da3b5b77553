// Package reconcile runs the sync state machine: read the watermark, fetch
// the remote delta, widen the fact table and commit rows and watermarks in
// one transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mto-ops/worklog-sync/pkg/ha"
	"github.com/mto-ops/worklog-sync/pkg/monday"
	"github.com/mto-ops/worklog-sync/pkg/registry"
	"github.com/mto-ops/worklog-sync/pkg/runs"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

// Source is the remote board. *monday.Client implements it.
type Source interface {
	FetchColumnTitles(ctx context.Context, boardID int64) (map[string]string, error)
	ListChangedSince(ctx context.Context, boardID int64, watermark time.Time) ([]monday.ItemMeta, error)
	FetchFullRecords(ctx context.Context, boardID int64, ids []int64) ([]monday.Item, error)
	ListBoardItems(ctx context.Context, boardID int64) ([]monday.Item, error)
}

// Options configures an Engine. Source, Warehouse and BoardID are required.
type Options struct {
	Source    Source
	Warehouse *warehouse.Warehouse
	Registry  *registry.Registry
	// Locker defaults to a process-local lock.
	Locker ha.RunLocker
	// History, when set, receives one row per run.
	History *runs.Store
	BoardID int64
	// WatermarkOverlap widens the changed-since query below the stored
	// watermark. Remote timestamps have whole-second precision, so an edit
	// in the watermark's own second only resurfaces with an overlap of at
	// least one second. Items in the overlap are committed again.
	WatermarkOverlap time.Duration
	Logger           *slog.Logger
}

// Engine executes sync runs for one board.
type Engine struct {
	source  Source
	wh      *warehouse.Warehouse
	reg     *registry.Registry
	locker  ha.RunLocker
	history *runs.Store
	boardID int64
	overlap time.Duration
	logger  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("reconcile: source is required")
	}
	if opts.Warehouse == nil {
		return nil, errors.New("reconcile: warehouse is required")
	}
	if opts.BoardID <= 0 {
		return nil, errors.New("reconcile: board id is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default()
	}
	if opts.Locker == nil {
		opts.Locker = ha.NewLocalLocker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		source:  opts.Source,
		wh:      opts.Warehouse,
		reg:     opts.Registry,
		locker:  opts.Locker,
		history: opts.History,
		boardID: opts.BoardID,
		overlap: opts.WatermarkOverlap,
		logger:  opts.Logger.With("board", opts.BoardID),
	}, nil
}

// Run performs one incremental sync started from the command line.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	return e.RunWithTrigger(ctx, runs.TriggerCLI)
}

// RunWithTrigger performs one incremental sync. When another run holds the
// lock it returns a SKIPPED result and ha.ErrLockHeld.
func (e *Engine) RunWithTrigger(ctx context.Context, trigger runs.Trigger) (*Result, error) {
	return e.execute(ctx, runs.ModeIncremental, trigger, e.incremental)
}

// Sync runs an incremental sync for the scheduler. A run skipped because
// another one holds the lock is not an error.
func (e *Engine) Sync(ctx context.Context, trigger runs.Trigger) error {
	_, err := e.RunWithTrigger(ctx, trigger)
	if errors.Is(err, ha.ErrLockHeld) {
		return nil
	}
	return err
}

// FullRefresh reloads every board item, replacing the whole fact table in
// one transaction and upserting a watermark for every item.
func (e *Engine) FullRefresh(ctx context.Context, trigger runs.Trigger) (*Result, error) {
	return e.execute(ctx, runs.ModeFull, trigger, e.fullRefresh)
}

// Seed creates the tables and writes the reference vocabularies only.
func (e *Engine) Seed(ctx context.Context, trigger runs.Trigger) (*Result, error) {
	return e.execute(ctx, runs.ModeSeed, trigger, func(ctx context.Context, res *Result) error {
		res.enter(StateInit)
		if err := e.ensureSchema(ctx); err != nil {
			return err
		}
		res.enter(StateSchemaReady)
		res.enter(StateCommitted)
		return nil
	})
}

type phaseFunc func(ctx context.Context, res *Result) error

func (e *Engine) execute(ctx context.Context, mode runs.Mode, trigger runs.Trigger, phase phaseFunc) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), Mode: mode}
	start := time.Now()
	log := e.logger.With("runId", res.RunID, "mode", mode, "trigger", trigger)

	var runErr error
	err := e.locker.TryWithLock(ctx, func(ctx context.Context) error {
		run := e.startHistory(ctx, res, trigger, start, log)

		runErr = phase(ctx, res)
		if runErr != nil {
			res.enter(StateAborted)
		}
		res.Duration = durationSince(start)

		e.finishHistory(ctx, run, res, runErr, log)
		return runErr
	})
	if errors.Is(err, ha.ErrLockHeld) && runErr == nil {
		res.enter(StateSkipped)
		res.Duration = durationSince(start)
		log.Warn("sync skipped, another run holds the lock")
		e.recordSkipped(ctx, res, trigger, start, log)
		observe(res, nil)
		return res, err
	}
	if err != nil && runErr == nil {
		// The lock itself failed; no phase ran.
		res.enter(StateAborted)
		res.Duration = durationSince(start)
		runErr = err
	}

	observe(res, runErr)
	switch {
	case runErr != nil:
		log.Error("sync aborted", "result", res, "kind", ErrorKind(runErr), "error", runErr)
		return res, runErr
	case len(res.Missing) > 0:
		log.Warn("sync finished with items missing detail", "result", res, "missingIds", joinIDs(res.Missing, 50))
	default:
		log.Info("sync finished", "result", res)
	}
	return res, nil
}

// incremental is the INIT to COMMITTED path of one delta run.
func (e *Engine) incremental(ctx context.Context, res *Result) error {
	res.enter(StateInit)
	if err := e.ensureSchema(ctx); err != nil {
		return err
	}
	res.enter(StateSchemaReady)

	watermark, err := e.wh.Index.ReadWatermark(ctx)
	if err != nil {
		return err
	}
	pending, err := e.wh.Pending.List(ctx)
	if err != nil {
		return err
	}
	res.WatermarkBefore = watermark
	res.WatermarkAfter = watermark
	res.enter(StateWatermarkRead)

	titles, err := e.source.FetchColumnTitles(ctx, e.boardID)
	if err != nil {
		return err
	}
	metas, err := e.source.ListChangedSince(ctx, e.boardID, e.since(watermark))
	if err != nil {
		return err
	}
	// Items still owed a snapshot rejoin the delta whatever the watermark.
	ids := dedupeIDs(metas, pendingMetas(pending)...)
	res.DeltaCount = len(ids)
	res.Retried = len(pending)
	res.enter(StateDeltaFetched)
	if len(ids) == 0 {
		res.enter(StateNoop)
		return nil
	}

	// Every remote call finishes before any transaction opens.
	items, err := e.source.FetchFullRecords(ctx, e.boardID, ids)
	if err != nil {
		return err
	}
	res.FetchedCount = len(items)
	res.enter(StateDetailFetched)

	b := buildBatch(items, e.reg, e.logger)
	res.Missing = missingIDs(ids, b.ids)
	owed := pendingRecords(res.Missing, metas, pending, time.Now())
	if len(b.rows) == 0 {
		// Facts and watermarks stay as they are; only the retry list is kept.
		if err := e.wh.Pending.Upsert(ctx, owed); err != nil {
			return err
		}
		res.enter(StateNoop)
		return nil
	}

	if err := e.evolve(ctx, res, b, titles); err != nil {
		return err
	}
	res.enter(StateSchemaEvolved)

	// Only ids with a fresh snapshot are replaced and advanced. The rest
	// are carried to the next run in the same transaction.
	err = e.wh.Transaction(ctx, func(tx *warehouse.Warehouse) error {
		if err := tx.Facts.Replace(ctx, b.ids, b.rows); err != nil {
			return err
		}
		if err := tx.Index.UpsertMany(ctx, b.records); err != nil {
			return err
		}
		if err := tx.Pending.Delete(ctx, b.ids); err != nil {
			return err
		}
		return tx.Pending.Upsert(ctx, owed)
	})
	if err != nil {
		return err
	}
	res.RowsWritten = len(b.rows)
	if b.latest.After(res.WatermarkAfter) {
		res.WatermarkAfter = b.latest
	}
	res.enter(StateCommitted)
	return nil
}

func (e *Engine) fullRefresh(ctx context.Context, res *Result) error {
	res.enter(StateInit)
	if err := e.ensureSchema(ctx); err != nil {
		return err
	}
	res.enter(StateSchemaReady)

	watermark, err := e.wh.Index.ReadWatermark(ctx)
	if err != nil {
		return err
	}
	res.WatermarkBefore = watermark
	res.WatermarkAfter = watermark
	res.enter(StateWatermarkRead)

	titles, err := e.source.FetchColumnTitles(ctx, e.boardID)
	if err != nil {
		return err
	}
	items, err := e.source.ListBoardItems(ctx, e.boardID)
	if err != nil {
		return err
	}
	res.DeltaCount = len(items)
	res.enter(StateDeltaFetched)
	res.FetchedCount = len(items)
	res.enter(StateDetailFetched)

	// An empty listing never wipes the table.
	b := buildBatch(items, e.reg, e.logger)
	if len(b.rows) == 0 {
		res.enter(StateNoop)
		return nil
	}

	if err := e.evolve(ctx, res, b, titles); err != nil {
		return err
	}
	res.enter(StateSchemaEvolved)

	err = e.wh.Transaction(ctx, func(tx *warehouse.Warehouse) error {
		if err := tx.Facts.Truncate(ctx); err != nil {
			return err
		}
		if err := tx.Facts.Replace(ctx, nil, b.rows); err != nil {
			return err
		}
		if err := tx.Index.UpsertMany(ctx, b.records); err != nil {
			return err
		}
		// Every live item now has a snapshot.
		return tx.Pending.Clear(ctx)
	})
	if err != nil {
		return err
	}
	res.RowsWritten = len(b.rows)
	if b.latest.After(res.WatermarkAfter) {
		res.WatermarkAfter = b.latest
	}
	res.enter(StateCommitted)
	return nil
}

// since is the lower bound of the changed-since query.
func (e *Engine) since(watermark time.Time) time.Time {
	if e.overlap <= 0 || !watermark.After(warehouse.Epoch) {
		return watermark
	}
	return watermark.Add(-e.overlap)
}

// ensureSchema creates every table and refreshes the reference vocabularies.
// Safe to repeat on every run.
func (e *Engine) ensureSchema(ctx context.Context) error {
	if err := e.wh.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := e.wh.Reference.Upsert(ctx, e.reg.ReferenceTables()); err != nil {
		return err
	}
	return nil
}

// evolve adds missing fact columns and documents unregistered fields.
func (e *Engine) evolve(ctx context.Context, res *Result, b batch, titles map[string]string) error {
	added, err := e.wh.Facts.EnsureColumns(ctx, b.columns)
	res.ColumnsAdded = added
	if err != nil {
		return err
	}
	if len(added) > 0 {
		e.logger.Info("added fact columns", "runId", res.RunID, "columns", added)
	}
	if tables := b.unregisteredTables(titles); tables != nil {
		if err := e.wh.Reference.AddMissing(ctx, tables); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) startHistory(ctx context.Context, res *Result, trigger runs.Trigger, start time.Time, log *slog.Logger) *runs.Run {
	if e.history == nil {
		return nil
	}
	run := &runs.Run{ID: res.RunID, BoardID: e.boardID, Mode: res.Mode, TriggeredBy: trigger, StartedAt: start.UTC()}
	if err := e.history.AutoMigrate(ctx); err != nil {
		log.Warn("failed to prepare run history", "error", err)
		return nil
	}
	if err := e.history.Start(ctx, run); err != nil {
		log.Warn("failed to record run start", "error", err)
		return nil
	}
	return run
}

func (e *Engine) finishHistory(ctx context.Context, run *runs.Run, res *Result, runErr error, log *slog.Logger) {
	if run == nil {
		return
	}
	res.record(run, runErr)
	if err := e.history.Finish(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("failed to record run outcome", "error", err)
	}
}

func (e *Engine) recordSkipped(ctx context.Context, res *Result, trigger runs.Trigger, start time.Time, log *slog.Logger) {
	run := e.startHistory(ctx, res, trigger, start, log)
	e.finishHistory(ctx, run, res, nil, log)
}
