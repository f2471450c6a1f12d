package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	pipelineuc "github.com/kailas-cloud/recluster/internal/usecase/pipeline"
)

type planner interface {
	Defaults() run.Config
	Plan(ctx context.Context, cfg run.Config) (map[string]asset.Report, error)
}

func NewAssetsCmd(pipeline planner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "assets",
		Aliases: []string{"plan"},
		Short:   "Show which assets the next run would recompute",
		Args:    cobra.NoArgs,
		RunE:    makeAssetsRunner(pipeline),
	}
	addRunConfigFlags(cmd)
	return cmd
}

func makeAssetsRunner(pipeline planner) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg := runConfigFromFlags(cmd, pipeline.Defaults())

		plan, err := pipeline.Plan(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("plan run: %w", err)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), plan)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ASSET\tSTATE\tSEQ\tREASON")
		for _, name := range pipelineuc.AssetOrder {
			r := plan[name]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, r.State, r.Seq, dash(r.Reason))
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("write table: %w", err)
		}
		return nil
	}
}
