package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// Store provides database operations for run history.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the sync_runs table.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Run{})
}

// ListFilter defines filters for listing runs.
type ListFilter struct {
	BoardID int64
	Mode    string
	State   string
	Trigger string
}

// Start records a new running run. ID and StartedAt are filled in when
// empty.
func (s *Store) Start(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.State = StateRunning
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// Finish stores the outcome of run. State must be terminal.
func (s *Store) Finish(ctx context.Context, run *Run) error {
	if !run.IsTerminal() {
		return fmt.Errorf("finish run %s: state %q is not terminal", run.ID, run.State)
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	if run.DurationMs == 0 {
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	}

	result := s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", run.ID).Updates(map[string]any{
		"state":            run.State,
		"finished_at":      now,
		"watermark_before": run.WatermarkBefore,
		"watermark_after":  run.WatermarkAfter,
		"delta_count":      run.DeltaCount,
		"fetched_count":    run.FetchedCount,
		"rows_written":     run.RowsWritten,
		"columns_added":    run.ColumnsAdded,
		"missing_count":    run.MissingCount,
		"missing_ids":      run.MissingIDs,
		"path":             run.Path,
		"last_error":       run.LastError,
		"duration_ms":      run.DurationMs,
	})
	if result.Error != nil {
		return fmt.Errorf("finish run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// Latest returns the most recent run matching filter, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, filter ListFilter) (*Run, error) {
	var found []Run
	err := filter.apply(s.db.WithContext(ctx).Model(&Run{})).
		Order("started_at DESC").
		Limit(1).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return &found[0], nil
}

// List returns paginated runs matching filter, newest first. The page token
// is the start time of the last run on the previous page.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Run, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	db := s.db.WithContext(ctx)

	var totalSize int64
	if err := filter.apply(db.Model(&Run{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count runs: %w", err)
	}

	query := filter.apply(db.Model(&Run{})).Order("started_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("started_at < ?", t.UTC())
	}

	var records []Run
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list runs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].StartedAt.UTC().Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuck marks running runs older than timeout as aborted. A process
// that died mid-run leaves such rows behind.
func (s *Store) CleanupStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Run{}).
		Where("state = ? AND started_at < ?", StateRunning, now.Add(-timeout)).
		Updates(map[string]any{
			"state":       StateAborted,
			"finished_at": now,
			"last_error":  "abandoned (stuck run recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes finished runs that ended before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state <> ? AND finished_at < ?", StateRunning, cutoff.UTC()).
		Delete(&Run{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (f ListFilter) apply(q *gorm.DB) *gorm.DB {
	if f.BoardID != 0 {
		q = q.Where("board_id = ?", f.BoardID)
	}
	if f.Mode != "" {
		q = q.Where("mode = ?", f.Mode)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.Trigger != "" {
		q = q.Where("triggered_by = ?", f.Trigger)
	}
	return q
}
