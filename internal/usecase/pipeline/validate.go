package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/logger"
	"github.com/kailas-cloud/recluster/internal/metrics"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
	"github.com/kailas-cloud/recluster/internal/source"
)

// ValidatorVersion is part of every source input hash, so changed validation
// rules revalidate unchanged files.
const ValidatorVersion = "1"

// maxStoredRejections caps the rejections kept per validation materialization.
const maxStoredRejections = 100

// Diagnostics keys written by the validation assets.
const (
	diagRejected   = "rejected"
	diagRejections = "rejections"
)

// validation holds the outcome of validating one source batch.
type validation struct {
	records  []receipt.Record
	rejected []run.Rejection
}

// validateBatch turns a raw batch into records and per-record rejections.
// A failing record never aborts the batch.
func validateBatch(sourceName string, batch source.Batch) validation {
	var v validation
	for _, s := range batch.Skipped {
		v.rejected = append(v.rejected, run.Rejection{RecordID: s.Ref, Source: sourceName, Reason: s.Reason})
	}
	for _, raw := range batch.Records {
		rec, err := receipt.Validate(raw)
		if err != nil {
			var se *domain.SchemaError
			if errors.As(err, &se) {
				v.rejected = append(v.rejected, run.Rejection{
					RecordID: se.RecordID, Source: sourceName, Field: se.Field, Reason: se.Reason,
				})
				continue
			}
			v.rejected = append(v.rejected, run.Rejection{RecordID: raw.ID, Source: sourceName, Reason: err.Error()})
			continue
		}
		v.records = append(v.records, rec)
	}
	slices.SortStableFunc(v.records, func(a, b receipt.Record) int { return strings.Compare(a.ID(), b.ID()) })
	return v
}

func sourceInputHash(src SourceReader) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		fp, err := src.Fingerprint(ctx)
		if err != nil {
			return "", fmt.Errorf("fingerprint source: %w", err)
		}
		return fingerprint("validator", ValidatorVersion, fp), nil
	}
}

func validationAsset(name, sourceName string, src SourceReader) orchestrator.Asset {
	return orchestrator.Asset{
		Name:      name,
		InputHash: sourceInputHash(src),
		Materialize: func(ctx context.Context, _ orchestrator.Inputs) (orchestrator.Output, error) {
			batch, err := src.Read(ctx)
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("read %s: %w", sourceName, err)
			}
			v := validateBatch(sourceName, batch)

			payload, err := encodeRecords(v.records)
			if err != nil {
				return orchestrator.Output{}, err
			}
			stored := v.rejected[:min(len(v.rejected), maxStoredRejections)]
			rejections, err := json.Marshal(stored)
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("marshal rejections: %w", err)
			}

			metrics.RecordsRejectedTotal.WithLabelValues(sourceName).Add(float64(len(v.rejected)))
			logger.FromContext(ctx).Info("Source validated",
				zap.String("source", sourceName),
				zap.Int("raw", len(batch.Records)+len(batch.Skipped)),
				zap.Int("valid", len(v.records)),
				zap.Int("rejected", len(v.rejected)),
			)
			return orchestrator.Output{
				Payload: payload,
				Rows:    len(v.records),
				Diagnostics: map[string]string{
					diagRejected:   strconv.Itoa(len(v.rejected)),
					diagRejections: string(rejections),
				},
			}, nil
		},
	}
}
