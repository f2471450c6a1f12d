package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/recluster/internal/domain/run"
	queryuc "github.com/kailas-cloud/recluster/internal/usecase/query"
)

type runReader interface {
	Run(ctx context.Context, id string) (run.Run, error)
}

func NewStatusCmd(query runReader) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the summary of a run",
		Long:  `Show the summary of a run, the latest one when no id is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  makeStatusRunner(query),
	}
}

func makeStatusRunner(query runReader) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id := queryuc.LatestRunID
		if len(args) > 0 {
			id = args[0]
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		rn, err := query.Run(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("get run %s: %w", id, err)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), rn)
		}
		return printRun(cmd.OutOrStdout(), rn)
	}
}
