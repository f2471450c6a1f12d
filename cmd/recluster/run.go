package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/recluster/internal/domain/run"
)

type runTrigger interface {
	Defaults() run.Config
	Trigger(ctx context.Context, cfg run.Config) (run.Run, error)
}

func NewRunCmd(pipeline runTrigger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Materialize every stale asset",
		Long: `Run the pipeline once. Fresh assets are reused, stale ones are recomputed.
Flags override the configured run settings for this run only.`,
		Args: cobra.NoArgs,
		RunE: makeRunRunner(pipeline),
	}
	addRunConfigFlags(cmd)
	return cmd
}

func makeRunRunner(pipeline runTrigger) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg := runConfigFromFlags(cmd, pipeline.Defaults())

		rn, err := pipeline.Trigger(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("trigger run: %w", err)
		}

		if asJSON {
			err = writeJSON(cmd.OutOrStdout(), rn)
		} else {
			err = printRun(cmd.OutOrStdout(), rn)
		}
		if err != nil {
			return err
		}

		if rn.Status != run.StatusSucceeded {
			return fmt.Errorf("run %s finished %s", rn.ID, rn.Status)
		}
		return nil
	}
}
