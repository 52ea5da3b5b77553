// Package api serves the read-only status surface of the sync service: run
// history, the watermark, the column dictionary, vocabularies, a manual
// trigger and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mto-ops/worklog-sync/pkg/runs"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

// Options configures the router. Warehouse and History are required;
// without Trigger the manual sync endpoint is not mounted.
type Options struct {
	Warehouse *warehouse.Warehouse
	History   *runs.Store
	Trigger   SyncTrigger
	BoardID   int64
	// TriggerMinInterval is the minimum spacing of manual syncs.
	TriggerMinInterval time.Duration
	CORSOrigins        []string
	Logger             *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) chi.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthHandler)
	r.Get("/livez", healthHandler)
	r.Get("/readyz", readyHandler(opts.Warehouse))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", ListRunsHandler(opts.History))
		r.Get("/runs/{runId}", GetRunHandler(opts.History))
		r.Get("/watermark", WatermarkHandler(opts.Warehouse))
		r.Get("/columns", ColumnsHandler(opts.Warehouse))
		r.Get("/vocabularies/{table}", VocabularyHandler(opts.Warehouse))
		if opts.Trigger != nil {
			limiter := NewTriggerLimiter(opts.TriggerMinInterval)
			r.Post("/sync", TriggerSyncHandler(opts.Trigger, limiter, strconv.FormatInt(opts.BoardID, 10)))
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readyHandler(wh *warehouse.Warehouse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := warehouse.Ping(ctx, wh.DB); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"requestId", middleware.GetReqID(r.Context()),
			)
		})
	}
}
