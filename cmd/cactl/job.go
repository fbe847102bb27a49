package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lolepezy/rpki-core/internal/usecase"
)

type jobResultOutput struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Effective int    `json:"effective"`
	Failed    int    `json:"failed"`
}

// newJobCmd は定期ジョブを1回実行するコマンド。
func newJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "job <name>",
		Short:     "Run a background job once",
		Long:      "Run a background job once over all managed certificate authorities.\nAvailable jobs: " + strings.Join(usecase.JobNames, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: usecase.JobNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			background := usecase.NewBackgroundService(e.transactor, e.commands, e.metrics, usecase.BackgroundSettings{
				KeyRollMaxAgeDays: cfg.KeyRollMaxAgeDays,
				KeyStagingPeriod:  cfg.KeyStagingPeriod,
				CACleanUpEnabled:  cfg.CACleanupEnabled,
			})
			result, err := background.Run(ctx, args[0])
			if err != nil {
				return fmt.Errorf("job %s failed: %w", args[0], err)
			}

			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), jobResultOutput{
					Job:       result.Job,
					Processed: result.Processed,
					Effective: result.Effective,
					Failed:    result.Failed,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %q finished: processed=%d effective=%d failed=%d\n",
				result.Job, result.Processed, result.Effective, result.Failed)
			if result.Failed > 0 {
				return fmt.Errorf("%d certificate authorities failed", result.Failed)
			}
			return nil
		},
	}
}

// newNextIDCmd は共通シーケンスから次のIDを払い出すコマンド。
func newNextIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-id",
		Short: "Allocate the next identifier from the shared sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.commands.NextID(ctx)
			if err != nil {
				return fmt.Errorf("allocating id: %w", err)
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"id": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
