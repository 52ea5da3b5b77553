package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mto-ops/worklog-sync/pkg/reconcile"
	"github.com/mto-ops/worklog-sync/pkg/runs"
)

type runFunc func(ctx context.Context, e *reconcile.Engine) (*reconcile.Result, error)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental sync",
		Long: `Fetch the items changed since the stored watermark, plus the items due
today, and replace their rows in the warehouse in one transaction.

Exits 0 when the run committed, found nothing to do, or was skipped because
another run holds the board lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOnce(cmd.Context(), true, func(ctx context.Context, e *reconcile.Engine) (*reconcile.Result, error) {
				return e.RunWithTrigger(ctx, runs.TriggerCLI)
			})
		},
	}
}

func newFullRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "full-refresh",
		Short: "Reload every board item and replace the fact table",
		Long: `List every item on the board and rebuild the worklog table from it in one
transaction, upserting a watermark for every item. An empty board listing
leaves the table untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOnce(cmd.Context(), true, func(ctx context.Context, e *reconcile.Engine) (*reconcile.Result, error) {
				return e.FullRefresh(ctx, runs.TriggerCLI)
			})
		},
	}
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the warehouse tables and write the reference vocabularies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOnce(cmd.Context(), false, func(ctx context.Context, e *reconcile.Engine) (*reconcile.Result, error) {
				return e.Seed(ctx, runs.TriggerCLI)
			})
		},
	}
}

func (a *app) runOnce(ctx context.Context, needBoard bool, run runFunc) error {
	rt, err := a.openEngine(needBoard)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	_, err = run(ctx, rt.engine)
	return lockSkipIsSuccess(err)
}
