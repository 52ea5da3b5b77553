package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/mto-ops/worklog-sync/pkg/api"
	"github.com/mto-ops/worklog-sync/pkg/runs"
)

func newServeCmd(a *app) *cobra.Command {
	var runOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync on a schedule and serve the status API",
		Long: `Run an incremental sync every SYNC_INTERVAL and serve health, run history,
the watermark, the column dictionary and a manual trigger over HTTP.

Replicas may run side by side; the board lock lets one sync at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), runOnStart)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (SERVER_LISTEN)")
	cmd.Flags().Duration("interval", 0, "Incremental sync period (SYNC_INTERVAL)")
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", true, "Sync once immediately at start-up")
	return cmd
}

func (a *app) serve(parent context.Context, runOnStart bool) error {
	rt, err := a.openEngine(true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := a.logger
	logger.Info("starting worklog-sync server", "config", *a.cfg)

	if err := rt.history.AutoMigrate(ctx); err != nil {
		return err
	}

	scheduler := runs.NewScheduler(rt.history, rt.engine.Sync, runs.SchedulerConfig{
		Interval:      a.cfg.Sync.Interval,
		StuckTimeout:  a.cfg.Sync.StuckRunTimeout,
		RetentionDays: a.cfg.Sync.HistoryRetentionDays,
		RunOnStart:    runOnStart,
	}, logger)

	router := api.NewRouter(api.Options{
		Warehouse:          rt.wh,
		History:            rt.history,
		Trigger:            scheduler,
		BoardID:            a.cfg.Monday.BoardID,
		TriggerMinInterval: a.cfg.Sync.TriggerMinInterval,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		Logger:             logger,
	})

	httpServer := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("worklog-sync server ready", "listen", a.cfg.Server.Listen)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	<-schedulerDone

	logger.Info("worklog-sync server stopped")
	return nil
}
