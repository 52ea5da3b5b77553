package reconcile

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mto-ops/worklog-sync/pkg/config"
	"github.com/mto-ops/worklog-sync/pkg/monday"
	"github.com/mto-ops/worklog-sync/pkg/runs"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_sync_runs_total",
		Help: "Sync runs by mode and final state",
	}, []string{"mode", "state"})

	runErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_sync_run_errors_total",
		Help: "Aborted sync runs by error kind",
	}, []string{"kind"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worklog_sync_run_duration_seconds",
		Help:    "Wall time of sync runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"mode"})

	rowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_sync_rows_written_total",
		Help: "Fact rows written by committed runs",
	}, []string{"mode"})

	columnsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worklog_sync_columns_added_total",
		Help: "Columns added to the fact table by schema evolution",
	})

	missingItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worklog_sync_missing_items_total",
		Help: "Changed items whose detail could not be fetched",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worklog_sync_pending_items",
		Help: "Items waiting for a detail snapshot after the last finished run",
	})

	watermarkGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worklog_sync_watermark_timestamp_seconds",
		Help: "Global watermark after the last committed run, as Unix time",
	})
)

func observe(res *Result, err error) {
	mode := string(res.Mode)
	runsTotal.WithLabelValues(mode, string(res.State)).Inc()
	runDuration.WithLabelValues(mode).Observe(res.Duration.Seconds())
	if err != nil && res.State == StateAborted {
		runErrorsTotal.WithLabelValues(ErrorKind(err)).Inc()
	}
	if res.Mode != runs.ModeSeed && (res.State == StateCommitted || res.State == StateNoop) {
		pendingGauge.Set(float64(len(res.Missing)))
	}
	if res.State != StateCommitted {
		return
	}
	rowsWrittenTotal.WithLabelValues(mode).Add(float64(res.RowsWritten))
	columnsAddedTotal.Add(float64(len(res.ColumnsAdded)))
	missingItemsTotal.Add(float64(len(res.Missing)))
	if !res.WatermarkAfter.IsZero() {
		watermarkGauge.Set(float64(res.WatermarkAfter.Unix()))
	}
}

// ErrorKind names the error category of err for logs and metrics.
func ErrorKind(err error) string {
	var (
		cfgErr       *config.ConfigurationError
		transportErr *monday.TransportError
		schemaErr    *warehouse.SchemaEvolutionError
		persistErr   *warehouse.PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &schemaErr):
		return "schema_evolution"
	case errors.As(err, &persistErr):
		return "persistence"
	}
	return "other"
}

func durationSince(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
