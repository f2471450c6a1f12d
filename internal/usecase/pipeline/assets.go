package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/hdbscan"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
	"github.com/kailas-cloud/recluster/internal/reduce"
	"github.com/kailas-cloud/recluster/internal/source"
)

// Asset names.
const (
	AssetValidatedScraped    = "validated_scraped"
	AssetValidatedAdditional = "validated_additional"
	AssetRecords             = "records"
	AssetEmbeddings          = "embeddings"
	AssetProjector           = "projector"
	AssetReducedVectors      = "reduced_vectors"
	AssetClusterAssignments  = "cluster_assignments"
	AssetCategorizedRecords  = "categorized_records"
)

// AssetOrder lists every asset in a topological order, for display.
var AssetOrder = []string{
	AssetValidatedScraped,
	AssetValidatedAdditional,
	AssetRecords,
	AssetEmbeddings,
	AssetProjector,
	AssetReducedVectors,
	AssetClusterAssignments,
	AssetCategorizedRecords,
}

// Graph builds the asset graph for one run configuration. Stage input hashes
// cover exactly the configuration each stage reads.
func (s *Service) Graph(cfg run.Config) (*orchestrator.Graph, error) {
	g, err := orchestrator.NewGraph([]orchestrator.Asset{
		validationAsset(AssetValidatedScraped, source.Scraped, s.opts.Scraped),
		validationAsset(AssetValidatedAdditional, source.Additional, s.opts.Additional),
		recordsAsset(),
		s.embeddingsAsset(cfg),
		projectorAsset(cfg),
		reducedVectorsAsset(),
		clusterAssignmentsAsset(cfg),
		categorizedRecordsAsset(),
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // graph errors are already annotated
	}
	return g, nil
}

func reduceConfig(cfg run.Config) reduce.Config {
	return reduce.Config{Method: cfg.Method, Dimensions: cfg.Dimensions, Seed: cfg.Seed}
}

func clusterConfig(cfg run.Config) hdbscan.Config {
	return hdbscan.Config{
		MinClusterSize:     cfg.MinClusterSize,
		MinSamples:         cfg.MinSamples,
		AllowSingleCluster: cfg.AllowSingleCluster,
	}
}

// fingerprint hashes parts with a separator so that ("ab","c") != ("a","bc").
func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func constantHash(parts ...string) func(context.Context) (string, error) {
	fp := fingerprint(parts...)
	return func(context.Context) (string, error) { return fp, nil }
}
