package orchestrator

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
)

// Store persists materializations. A reader always sees the last committed
// materialization of an asset until Commit swaps in a new one.
type Store interface {
	// Head returns the current materialization, or domain.ErrNotMaterialized.
	Head(ctx context.Context, assetName string) (asset.Materialization, error)
	// Load returns the payload of a committed materialization.
	Load(ctx context.Context, m asset.Materialization) ([]byte, error)
	// Lock takes the asset's exclusive write lock and returns its release func.
	Lock(ctx context.Context, assetName string) (func(context.Context) error, error)
	// Commit assigns the next sequence number and makes m the head.
	// The caller holds the asset's write lock.
	Commit(ctx context.Context, m asset.Materialization, payload []byte) (asset.Materialization, error)
}

// Inputs are the committed dependencies handed to a materializer.
type Inputs struct {
	RunID    string
	deps     map[string]asset.Materialization
	payloads map[string][]byte
}

// NewInputs assembles inputs from already loaded payloads. Materializers receive
// Inputs from the engine; the constructor exists for direct stage invocation.
func NewInputs(runID string, deps map[string]asset.Materialization, payloads map[string][]byte) Inputs {
	return Inputs{RunID: runID, deps: deps, payloads: payloads}
}

// Payload returns the payload of a declared dependency.
func (in Inputs) Payload(name string) ([]byte, error) {
	p, ok := in.payloads[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a dependency", domain.ErrUnknownAsset, name)
	}
	return p, nil
}

// Materialization returns the metadata of a declared dependency.
func (in Inputs) Materialization(name string) (asset.Materialization, bool) {
	m, ok := in.deps[name]
	return m, ok
}
