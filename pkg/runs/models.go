// Package runs records sync run history and schedules incremental runs.
package runs

import (
	"time"
)

// Mode is the kind of sync a run performed.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
	ModeSeed        Mode = "seed"
)

// Trigger says what started a run.
type Trigger string

const (
	TriggerCLI      Trigger = "cli"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
)

// State is the lifecycle state of a recorded run.
type State string

const (
	StateRunning   State = "running"
	StateCommitted State = "committed"
	StateNoop      State = "noop"
	StateAborted   State = "aborted"
	StateSkipped   State = "skipped"
)

// Run is the GORM model for one sync run.
type Run struct {
	ID              string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	BoardID         int64      `gorm:"column:board_id;index:idx_run_board_started,priority:1;not null"`
	Mode            Mode       `gorm:"column:mode;size:16;not null"`
	TriggeredBy     Trigger    `gorm:"column:triggered_by;size:16;not null"`
	State           State      `gorm:"column:state;size:16;index:idx_run_state;not null;default:running"`
	StartedAt       time.Time  `gorm:"column:started_at;index:idx_run_board_started,priority:2;not null"`
	FinishedAt      *time.Time `gorm:"column:finished_at"`
	WatermarkBefore *time.Time `gorm:"column:watermark_before"`
	WatermarkAfter  *time.Time `gorm:"column:watermark_after"`
	DeltaCount      int        `gorm:"column:delta_count"`
	FetchedCount    int        `gorm:"column:fetched_count"`
	RowsWritten     int        `gorm:"column:rows_written"`
	ColumnsAdded    string     `gorm:"column:columns_added;type:text"`
	MissingCount    int        `gorm:"column:missing_count"`
	MissingIDs      string     `gorm:"column:missing_ids;type:text"`
	Path            string     `gorm:"column:path;type:text"`
	LastError       string     `gorm:"column:last_error;type:text"`
	DurationMs      int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (Run) TableName() string { return "sync_runs" }

// IsTerminal returns true if the run has finished.
func (r *Run) IsTerminal() bool {
	return r.State != StateRunning && r.State != ""
}
