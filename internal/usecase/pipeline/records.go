package pipeline

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/logger"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
)

// outlierFence is the IQR multiplier beyond which a value is reported as an outlier.
const outlierFence = 3.0

// mergeRecords concatenates the validated sources in order. A repeated id keeps
// the first record and is reported as a duplicate.
func mergeRecords(sources ...[]receipt.Record) (merged []receipt.Record, duplicates []string) {
	seen := make(map[string]struct{})
	for _, records := range sources {
		for _, r := range records {
			if _, dup := seen[r.ID()]; dup {
				duplicates = append(duplicates, r.ID())
				continue
			}
			seen[r.ID()] = struct{}{}
			merged = append(merged, r)
		}
	}
	slices.SortStableFunc(merged, func(a, b receipt.Record) int { return strings.Compare(a.ID(), b.ID()) })
	return merged, duplicates
}

// countOutliers counts values outside [Q1 - k*IQR, Q3 + k*IQR].
func countOutliers(values []float64) int {
	if len(values) < 4 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	lo, hi := q1-outlierFence*iqr, q3+outlierFence*iqr
	n := 0
	for _, v := range sorted {
		if v < lo || v > hi {
			n++
		}
	}
	return n
}

func recordsAsset() orchestrator.Asset {
	return orchestrator.Asset{
		Name:      AssetRecords,
		Deps:      []string{AssetValidatedScraped, AssetValidatedAdditional},
		InputHash: constantHash("records", "1"),
		Materialize: func(ctx context.Context, in orchestrator.Inputs) (orchestrator.Output, error) {
			scraped, err := decodeRecords(in, AssetValidatedScraped)
			if err != nil {
				return orchestrator.Output{}, err
			}
			additional, err := decodeRecords(in, AssetValidatedAdditional)
			if err != nil {
				return orchestrator.Output{}, err
			}

			merged, duplicates := mergeRecords(scraped, additional)
			prices := make([]float64, len(merged))
			quantities := make([]float64, len(merged))
			for i, r := range merged {
				prices[i] = r.Price().Float()
				quantities[i] = r.Quantity()
			}

			payload, err := encodeRecords(merged)
			if err != nil {
				return orchestrator.Output{}, err
			}
			diag := map[string]string{
				"duplicates":        strconv.Itoa(len(duplicates)),
				"price_outliers":    strconv.Itoa(countOutliers(prices)),
				"quantity_outliers": strconv.Itoa(countOutliers(quantities)),
			}
			if len(duplicates) > 0 {
				diag["duplicate_ids"] = strings.Join(duplicates[:min(len(duplicates), maxStoredRejections)], ",")
				logger.FromContext(ctx).Warn("Duplicate record ids dropped", zap.Int("count", len(duplicates)))
			}
			return orchestrator.Output{Payload: payload, Rows: len(merged), Diagnostics: diag}, nil
		},
	}
}
