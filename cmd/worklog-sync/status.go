package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mto-ops/worklog-sync/pkg/runs"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

func newRunsCmd(a *app) *cobra.Command {
	var (
		filter    runs.ListFilter
		pageSize  int
		pageToken string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded sync runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.openWarehouse()
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if err := rt.history.AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			records, next, total, err := rt.history.List(cmd.Context(), filter, pageSize, pageToken)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), output, map[string]any{
				"runs":          records,
				"nextPageToken": next,
				"totalSize":     total,
			})
		},
	}
	cmd.Flags().StringVar(&filter.Mode, "mode", "", "Filter by mode: incremental, full or seed")
	cmd.Flags().StringVar(&filter.State, "state", "", "Filter by state: running, committed, noop, aborted or skipped")
	cmd.Flags().StringVar(&filter.Trigger, "trigger", "", "Filter by trigger: cli, schedule or api")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Runs per page (max 100)")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json or yaml")
	return cmd
}

func newWatermarkCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Show the global sync watermark and the number of indexed items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.openWarehouse()
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			ctx := cmd.Context()
			if err := rt.wh.Index.EnsureSchema(ctx); err != nil {
				return err
			}
			if err := rt.wh.Pending.EnsureSchema(ctx); err != nil {
				return err
			}
			wm, err := rt.wh.Index.ReadWatermark(ctx)
			if err != nil {
				return err
			}
			count, err := rt.wh.Index.Count(ctx)
			if err != nil {
				return err
			}
			pending, err := rt.wh.Pending.Count(ctx)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), output, map[string]any{
				"watermark":    wm.UTC().Format(time.RFC3339),
				"coldStart":    wm.Equal(warehouse.Epoch),
				"indexedItems": count,
				"pendingItems": pending,
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json or yaml")
	return cmd
}

func printOutput(w io.Writer, format string, data any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	}
	return fmt.Errorf("unknown output format %q (expected json or yaml)", format)
}
