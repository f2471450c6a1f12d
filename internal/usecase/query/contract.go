package query

import (
	"context"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
)

// MaterializationReader reads committed materializations.
type MaterializationReader interface {
	Head(ctx context.Context, name string) (asset.Materialization, error)
	Get(ctx context.Context, name, runID string) (asset.Materialization, error)
	Load(ctx context.Context, m asset.Materialization) ([]byte, error)
}

// RunReader reads run records.
type RunReader interface {
	Get(ctx context.Context, id string) (run.Run, error)
	Latest(ctx context.Context) (run.Run, error)
	List(ctx context.Context, limit int) ([]run.Run, error)
}

// Embedder vectorizes ad-hoc texts for projection.
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error)
}
