package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	pipelineuc "github.com/kailas-cloud/recluster/internal/usecase/pipeline"
)

// NewRootCmd builds the command tree. A nil app yields a root with no subcommands.
func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "recluster",
		Short:         "Incremental receipt clustering pipeline",
		Long:          `Materializes the receipt clustering assets, recomputing only what is stale, and serves the results.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	if a != nil {
		rootCmd.AddCommand(
			NewRunCmd(a.pipeline),
			NewAssetsCmd(a.pipeline),
			NewStatusCmd(a.query),
			NewServeCmd(a),
		)
	}

	return rootCmd
}

// addRunConfigFlags registers the run configuration overrides shared by run and assets.
func addRunConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int64("seed", 0, "Projector seed")
	f.Int("dimensions", 0, "Reduced vector dimensions")
	f.String("method", "", "Reduction method (pca|random)")
	f.Int("min-cluster-size", 0, "Smallest group HDBSCAN reports as a cluster")
	f.Int("min-samples", 0, "Core distance neighbourhood size")
	f.Bool("allow-single-cluster", true, "Allow the whole dataset to form one cluster")
	f.Int("batch-size", 0, "Embedding backend batch size")
	f.Int("concurrency", 0, "Assets materialized in parallel")
	f.StringSlice("force", nil, "Assets to recompute even when fresh")
}

// runConfigFromFlags overlays explicitly set flags on base.
func runConfigFromFlags(cmd *cobra.Command, base run.Config) run.Config {
	f := cmd.Flags()
	if f.Changed("seed") {
		base.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("dimensions") {
		base.Dimensions, _ = f.GetInt("dimensions")
	}
	if f.Changed("method") {
		base.Method, _ = f.GetString("method")
	}
	if f.Changed("min-cluster-size") {
		base.MinClusterSize, _ = f.GetInt("min-cluster-size")
	}
	if f.Changed("min-samples") {
		base.MinSamples, _ = f.GetInt("min-samples")
	}
	if f.Changed("allow-single-cluster") {
		base.AllowSingleCluster, _ = f.GetBool("allow-single-cluster")
	}
	if f.Changed("batch-size") {
		base.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("concurrency") {
		base.Concurrency, _ = f.GetInt("concurrency")
	}
	if f.Changed("force") {
		base.Force, _ = f.GetStringSlice("force")
	}
	return base
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// printReports writes one row per asset in topological order.
func printReports(w io.Writer, reports map[string]asset.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tOUTCOME\tSTATE\tSEQ\tROWS\tDURATION\tREASON")
	for _, name := range pipelineuc.AssetOrder {
		r, ok := reports[name]
		if !ok {
			continue
		}
		reason := r.Reason
		if r.Error != "" {
			reason = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			name, dash(string(r.Outcome)), r.State, r.Seq, r.Rows, r.Duration.Round(time.Millisecond), dash(reason))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}

func printRun(w io.Writer, rn run.Run) error {
	fmt.Fprintf(w, "run %s: %s\n", rn.ID, rn.Status)
	if !rn.FinishedAt.IsZero() {
		fmt.Fprintf(w, "finished %s in %s\n",
			rn.FinishedAt.Format(time.RFC3339), rn.FinishedAt.Sub(rn.CreatedAt).Round(time.Millisecond))
	}
	if rn.SupersededBy != "" {
		fmt.Fprintf(w, "superseded by %s\n", rn.SupersededBy)
	}
	if err := printReports(w, rn.Assets); err != nil {
		return err
	}
	if rn.RejectedTotal > 0 {
		fmt.Fprintf(w, "rejected %d records\n", rn.RejectedTotal)
		for _, r := range rn.Rejected {
			fmt.Fprintf(w, "  %s %s: %s %s\n", r.Source, r.RecordID, r.Field, r.Reason)
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
