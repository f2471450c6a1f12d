package health

import (
	"context"

	"github.com/kailas-cloud/recluster/internal/domain/run"
)

// StorePinger checks materialization store availability.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingChecker checks embedding provider availability.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}

// RunReader reads the most recent finished run.
type RunReader interface {
	Latest(ctx context.Context) (run.Run, error)
}
