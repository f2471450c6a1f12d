package pipeline

import (
	"context"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
	"github.com/kailas-cloud/recluster/internal/source"
)

// MaterializationStore is the orchestrator store plus lookup by run.
type MaterializationStore interface {
	orchestrator.Store
	Get(ctx context.Context, assetName, runID string) (asset.Materialization, error)
}

// RunRepository persists run records.
type RunRepository interface {
	Save(ctx context.Context, rn run.Run) error
	Finish(ctx context.Context, id string) error
}

// SourceReader delivers one raw receipt source.
type SourceReader interface {
	// Fingerprint changes whenever Read would return different records.
	Fingerprint(ctx context.Context) (string, error)
	Read(ctx context.Context) (source.Batch, error)
}

// EmbedderFactory builds the embedder chain for a maximum backend batch size.
type EmbedderFactory func(maxBatchSize int) domain.Embedder
