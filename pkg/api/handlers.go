package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mto-ops/worklog-sync/pkg/runs"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

// GetRunHandler handles GET /api/v1/runs/{runId}
func GetRunHandler(store *runs.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "missing run ID")
			return
		}

		run, err := store.Get(r.Context(), runID)
		if errors.Is(err, runs.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, runToResponse(run))
	}
}

// ListRunsHandler handles GET /api/v1/runs
// Query params: boardId, mode, state, trigger, pageSize, pageToken
func ListRunsHandler(store *runs.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := runs.ListFilter{
			Mode:    q.Get("mode"),
			State:   q.Get("state"),
			Trigger: q.Get("trigger"),
		}
		if b := q.Get("boardId"); b != "" {
			id, err := strconv.ParseInt(b, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid boardId %q", b))
				return
			}
			filter.BoardID = id
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list runs: %v", err))
			return
		}

		items := make([]runResponse, len(records))
		for i := range records {
			items[i] = runToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"runs":          items,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// WatermarkHandler handles GET /api/v1/watermark
func WatermarkHandler(wh *warehouse.Warehouse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wm, err := wh.Index.ReadWatermark(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read watermark: %v", err))
			return
		}
		count, err := wh.Index.Count(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count items: %v", err))
			return
		}
		pending, err := wh.Pending.Count(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count pending items: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"watermark":    wm.UTC().Format(time.RFC3339),
			"coldStart":    wm.Equal(warehouse.Epoch),
			"indexedItems": count,
			"pendingItems": pending,
		})
	}
}

// ColumnsHandler handles GET /api/v1/columns
func ColumnsHandler(wh *warehouse.Warehouse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cols, err := wh.Reference.ColumnDictionary(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read columns: %v", err))
			return
		}
		if cols == nil {
			cols = []warehouse.ColumnInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"columns": cols})
	}
}

// VocabularyHandler handles GET /api/v1/vocabularies/{table}
func VocabularyHandler(wh *warehouse.Warehouse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		entries, err := wh.Reference.Vocabulary(r.Context(), table)
		if errors.Is(err, warehouse.ErrUnknownTable) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("vocabulary %q not found", table))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read vocabulary: %v", err))
			return
		}
		if entries == nil {
			entries = []warehouse.VocabularyEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"table": table, "entries": entries})
	}
}

// SyncTrigger starts background syncs. *runs.Scheduler implements it.
type SyncTrigger interface {
	InProgress() bool
	TriggerAsync(trigger runs.Trigger) bool
}

// TriggerSyncHandler handles POST /api/v1/sync
func TriggerSyncHandler(trigger SyncTrigger, limiter *TriggerLimiter, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if trigger.InProgress() {
			writeError(w, http.StatusConflict, "a sync is already in progress")
			return
		}
		if ok, wait := limiter.Allow(key); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, fmt.Sprintf("sync was triggered recently, retry in %s", wait.Round(time.Second)))
			return
		}
		if !trigger.TriggerAsync(runs.TriggerAPI) {
			limiter.Refund(key)
			writeError(w, http.StatusConflict, "a sync is already in progress")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// runResponse is the API response for a sync run.
type runResponse struct {
	ID              string   `json:"id"`
	BoardID         int64    `json:"boardId"`
	Mode            string   `json:"mode"`
	Trigger         string   `json:"trigger"`
	State           string   `json:"state"`
	StartedAt       string   `json:"startedAt"`
	FinishedAt      string   `json:"finishedAt,omitempty"`
	WatermarkBefore string   `json:"watermarkBefore,omitempty"`
	WatermarkAfter  string   `json:"watermarkAfter,omitempty"`
	DeltaCount      int      `json:"deltaCount"`
	FetchedCount    int      `json:"fetchedCount"`
	RowsWritten     int      `json:"rowsWritten"`
	ColumnsAdded    string   `json:"columnsAdded,omitempty"`
	MissingCount    int      `json:"missingCount,omitempty"`
	MissingIDs      string   `json:"missingIds,omitempty"`
	Path            []string `json:"path,omitempty"`
	LastError       string   `json:"lastError,omitempty"`
	DurationMs      int64    `json:"durationMs,omitempty"`
}

func runToResponse(run *runs.Run) runResponse {
	resp := runResponse{
		ID:           run.ID,
		BoardID:      run.BoardID,
		Mode:         string(run.Mode),
		Trigger:      string(run.TriggeredBy),
		State:        string(run.State),
		StartedAt:    run.StartedAt.UTC().Format(time.RFC3339),
		DeltaCount:   run.DeltaCount,
		FetchedCount: run.FetchedCount,
		RowsWritten:  run.RowsWritten,
		ColumnsAdded: run.ColumnsAdded,
		MissingCount: run.MissingCount,
		MissingIDs:   run.MissingIDs,
		Path:         splitList(run.Path),
		LastError:    run.LastError,
		DurationMs:   run.DurationMs,
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	if run.WatermarkBefore != nil {
		resp.WatermarkBefore = run.WatermarkBefore.UTC().Format(time.RFC3339)
	}
	if run.WatermarkAfter != nil {
		resp.WatermarkAfter = run.WatermarkAfter.UTC().Format(time.RFC3339)
	}
	return resp
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
