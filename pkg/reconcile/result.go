package reconcile

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mto-ops/worklog-sync/pkg/runs"
)

// State is a step of a sync run.
type State string

const (
	StateInit          State = "INIT"
	StateSchemaReady   State = "SCHEMA_READY"
	StateWatermarkRead State = "WATERMARK_READ"
	StateDeltaFetched  State = "DELTA_FETCHED"
	StateDetailFetched State = "DETAIL_FETCHED"
	StateSchemaEvolved State = "SCHEMA_EVOLVED"
	StateCommitted     State = "COMMITTED"
	StateAborted       State = "ABORTED"
	StateNoop          State = "NOOP"
	// StateSkipped means another run held the lock; nothing was read or
	// written.
	StateSkipped State = "SKIPPED"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateAborted, StateNoop, StateSkipped:
		return true
	}
	return false
}

// Result describes one run.
type Result struct {
	RunID           string
	Mode            runs.Mode
	State           State
	Path            []State
	WatermarkBefore time.Time
	WatermarkAfter  time.Time
	DeltaCount      int
	FetchedCount    int
	RowsWritten     int
	ColumnsAdded    []string
	// Retried counts ids carried into the delta from the pending table.
	Retried int
	// Missing lists delta ids whose detail was not returned. They are kept
	// in the pending table and requested by every later run until a
	// snapshot commits, even after the watermark has moved past them.
	Missing  []int64
	Duration time.Duration
}

func (r *Result) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}

// LogValue implements slog.LogValuer.
func (r *Result) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("runId", r.RunID),
		slog.String("mode", string(r.Mode)),
		slog.String("state", string(r.State)),
		slog.Int("delta", r.DeltaCount),
		slog.Int("fetched", r.FetchedCount),
		slog.Int("rows", r.RowsWritten),
		slog.String("duration", r.Duration.String()),
	}
	if !r.WatermarkBefore.IsZero() {
		attrs = append(attrs, slog.Time("watermarkBefore", r.WatermarkBefore))
	}
	if !r.WatermarkAfter.IsZero() {
		attrs = append(attrs, slog.Time("watermarkAfter", r.WatermarkAfter))
	}
	if len(r.ColumnsAdded) > 0 {
		attrs = append(attrs, slog.Any("columnsAdded", r.ColumnsAdded))
	}
	if r.Retried > 0 {
		attrs = append(attrs, slog.Int("retried", r.Retried))
	}
	if len(r.Missing) > 0 {
		attrs = append(attrs, slog.Int("missing", len(r.Missing)))
	}
	return slog.GroupValue(attrs...)
}

// record copies the outcome into a run history row.
func (r *Result) record(run *runs.Run, err error) {
	switch r.State {
	case StateCommitted:
		run.State = runs.StateCommitted
	case StateNoop:
		run.State = runs.StateNoop
	case StateSkipped:
		run.State = runs.StateSkipped
	default:
		run.State = runs.StateAborted
	}
	if !r.WatermarkBefore.IsZero() {
		before := r.WatermarkBefore
		run.WatermarkBefore = &before
	}
	if !r.WatermarkAfter.IsZero() {
		after := r.WatermarkAfter
		run.WatermarkAfter = &after
	}
	run.DeltaCount = r.DeltaCount
	run.FetchedCount = r.FetchedCount
	run.RowsWritten = r.RowsWritten
	run.ColumnsAdded = strings.Join(r.ColumnsAdded, ",")
	run.MissingCount = len(r.Missing)
	run.MissingIDs = joinIDs(r.Missing, 200)
	run.Path = joinStates(r.Path)
	run.DurationMs = r.Duration.Milliseconds()
	if err != nil {
		run.LastError = err.Error()
	}
}

func joinStates(path []State) string {
	parts := make([]string, len(path))
	for i, s := range path {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// joinIDs renders at most limit ids.
func joinIDs(ids []int64, limit int) string {
	var b strings.Builder
	for i, id := range ids {
		if i == limit {
			b.WriteString(",...")
			break
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}
