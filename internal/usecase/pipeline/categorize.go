package pipeline

import (
	"context"
	"strconv"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/hdbscan"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
)

// majorityCategories returns the most frequent known category per cluster.
// Ties go to the lexicographically smallest category; noise gets no majority.
func majorityCategories(labels map[string]int, records []receipt.Record) map[int]string {
	counts := make(map[int]map[string]int)
	for _, r := range records {
		label, ok := labels[r.ID()]
		if !ok || label == hdbscan.Noise || r.Category() == "" {
			continue
		}
		if counts[label] == nil {
			counts[label] = make(map[string]int)
		}
		counts[label][r.Category()]++
	}

	out := make(map[int]string, len(counts))
	for label, byCategory := range counts {
		best, bestN := "", 0
		for category, n := range byCategory {
			if n > bestN || (n == bestN && category < best) {
				best, bestN = category, n
			}
		}
		out[label] = best
	}
	return out
}

// categorize fills unknown categories from the cluster majority and flags
// records whose own category disagrees with it. Noise keeps its own category.
func categorize(records []receipt.Record, assignments []codec.AssignmentRow) []codec.CategorizedRow {
	labels := make(map[string]int, len(assignments))
	for _, a := range assignments {
		labels[a.ID] = int(a.Label)
	}
	majority := majorityCategories(labels, records)

	out := make([]codec.CategorizedRow, 0, len(records))
	for _, r := range records {
		label, ok := labels[r.ID()]
		if !ok {
			label = hdbscan.Noise
		}
		row := codec.CategorizedRow{
			ID:       r.ID(),
			Item:     r.Item(),
			Merchant: r.Merchant(),
			Cluster:  int32(label), //nolint:gosec // labels are bounded by the point count
			Category: r.Category(),
		}
		if m, has := majority[label]; has {
			switch {
			case row.Category == "":
				row.Category, row.Inferred = m, true
			case row.Category != m:
				row.Conflict = true
			}
		}
		out = append(out, row)
	}
	return out
}

func categorizedRecordsAsset() orchestrator.Asset {
	return orchestrator.Asset{
		Name:      AssetCategorizedRecords,
		Deps:      []string{AssetRecords, AssetClusterAssignments},
		InputHash: constantHash("categorized_records", "1"),
		Materialize: func(_ context.Context, in orchestrator.Inputs) (orchestrator.Output, error) {
			records, err := decodeRecords(in, AssetRecords)
			if err != nil {
				return orchestrator.Output{}, err
			}
			assignments, err := decodeInput[codec.AssignmentRow](in, AssetClusterAssignments)
			if err != nil {
				return orchestrator.Output{}, err
			}

			rows := categorize(records, assignments)
			var inferred, conflicts int
			for _, r := range rows {
				if r.Inferred {
					inferred++
				}
				if r.Conflict {
					conflicts++
				}
			}
			payload, err := codec.Encode(rows)
			if err != nil {
				return orchestrator.Output{}, err //nolint:wrapcheck // codec errors are already annotated
			}
			return orchestrator.Output{
				Payload: payload,
				Rows:    len(rows),
				Diagnostics: map[string]string{
					"inferred":  strconv.Itoa(inferred),
					"conflicts": strconv.Itoa(conflicts),
				},
			}, nil
		},
	}
}
