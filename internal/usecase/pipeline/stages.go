package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/hdbscan"
	"github.com/kailas-cloud/recluster/internal/logger"
	"github.com/kailas-cloud/recluster/internal/metrics"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
	"github.com/kailas-cloud/recluster/internal/reduce"
	"github.com/kailas-cloud/recluster/internal/usecase/embedding"
)

func (s *Service) embeddingsAsset(cfg run.Config) orchestrator.Asset {
	return orchestrator.Asset{
		Name:      AssetEmbeddings,
		Deps:      []string{AssetRecords},
		InputHash: constantHash(append([]string{"embeddings", s.opts.EmbeddingID}, s.opts.TextFields...)...),
		Materialize: func(ctx context.Context, in orchestrator.Inputs) (orchestrator.Output, error) {
			records, err := decodeRecords(in, AssetRecords)
			if err != nil {
				return orchestrator.Output{}, err
			}

			stage := embedding.NewStage(s.opts.Embedders(cfg.BatchSize), s.opts.TextFields, logger.FromContext(ctx))
			res, err := stage.Embed(ctx, records)
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("embedding stage: %w", err)
			}

			rows := make([]codec.EmbeddingRow, len(res.Vectors))
			for i, v := range res.Vectors {
				rows[i] = codec.EmbeddingRow{ID: v.ID, Hash: v.Hash, Vector: v.Values}
			}
			payload, err := codec.Encode(rows)
			if err != nil {
				return orchestrator.Output{}, err //nolint:wrapcheck // codec errors are already annotated
			}
			return orchestrator.Output{
				Payload: payload,
				Rows:    len(rows),
				Diagnostics: map[string]string{
					"dim":            strconv.Itoa(res.Dim),
					"distinct_texts": strconv.Itoa(res.Distinct),
					"tokens":         strconv.Itoa(res.Tokens),
				},
			}, nil
		},
	}
}

func projectorAsset(cfg run.Config) orchestrator.Asset {
	rc := reduceConfig(cfg)
	return orchestrator.Asset{
		Name:      AssetProjector,
		Deps:      []string{AssetEmbeddings},
		InputHash: constantHash("projector", rc.Method, strconv.Itoa(rc.Dimensions), strconv.FormatInt(rc.Seed, 10)),
		Materialize: func(ctx context.Context, in orchestrator.Inputs) (orchestrator.Output, error) {
			rows, err := decodeInput[codec.EmbeddingRow](in, AssetEmbeddings)
			if err != nil {
				return orchestrator.Output{}, err
			}
			vectors := make([][]float32, len(rows))
			for i, r := range rows {
				vectors[i] = r.Vector
			}

			p, err := reduce.Fit(rc, vectors)
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("fit projector: %w", err)
			}
			payload, err := codec.Encode(p.Rows())
			if err != nil {
				return orchestrator.Output{}, err //nolint:wrapcheck // codec errors are already annotated
			}
			logger.FromContext(ctx).Info("Projector fitted",
				zap.String("method", p.Method()),
				zap.Int("input_dim", p.InputDim()),
				zap.Int("output_dim", p.OutputDim()),
				zap.Int("points", len(vectors)),
			)
			return orchestrator.Output{
				Payload: payload,
				Rows:    p.OutputDim(),
				Diagnostics: map[string]string{
					"method":     p.Method(),
					"input_dim":  strconv.Itoa(p.InputDim()),
					"output_dim": strconv.Itoa(p.OutputDim()),
					"fit_points": strconv.Itoa(len(vectors)),
				},
			}, nil
		},
	}
}

// LoadProjector rebuilds a committed projector payload, e.g. for transform-only passes.
func LoadProjector(payload []byte) (*reduce.Projector, error) {
	rows, err := codec.Decode[codec.ProjectorRow](payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", AssetProjector, err)
	}
	p, err := reduce.FromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", AssetProjector, err)
	}
	return p, nil
}

func reducedVectorsAsset() orchestrator.Asset {
	return orchestrator.Asset{
		Name: AssetReducedVectors,
		Deps: []string{AssetEmbeddings, AssetProjector},
		Materialize: func(_ context.Context, in orchestrator.Inputs) (orchestrator.Output, error) {
			payload, err := in.Payload(AssetProjector)
			if err != nil {
				return orchestrator.Output{}, err //nolint:wrapcheck // already names the asset
			}
			p, err := LoadProjector(payload)
			if err != nil {
				return orchestrator.Output{}, err
			}
			rows, err := decodeInput[codec.EmbeddingRow](in, AssetEmbeddings)
			if err != nil {
				return orchestrator.Output{}, err
			}
			vectors := make([][]float32, len(rows))
			for i, r := range rows {
				vectors[i] = r.Vector
			}

			reduced, err := p.Transform(vectors)
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("transform: %w", err)
			}
			out := make([]codec.ReducedRow, len(rows))
			for i, r := range rows {
				out[i] = codec.ReducedRow{ID: r.ID, Vector: reduced[i]}
			}
			encoded, err := codec.Encode(out)
			if err != nil {
				return orchestrator.Output{}, err //nolint:wrapcheck // codec errors are already annotated
			}
			return orchestrator.Output{
				Payload:     encoded,
				Rows:        len(out),
				Diagnostics: map[string]string{"dim": strconv.Itoa(p.OutputDim())},
			}, nil
		},
	}
}

func clusterAssignmentsAsset(cfg run.Config) orchestrator.Asset {
	hc := clusterConfig(cfg)
	return orchestrator.Asset{
		Name: AssetClusterAssignments,
		Deps: []string{AssetReducedVectors},
		InputHash: constantHash("cluster_assignments",
			strconv.Itoa(hc.MinClusterSize), strconv.Itoa(hc.MinSamples), strconv.FormatBool(hc.AllowSingleCluster)),
		Materialize: func(ctx context.Context, in orchestrator.Inputs) (orchestrator.Output, error) {
			rows, err := decodeInput[codec.ReducedRow](in, AssetReducedVectors)
			if err != nil {
				return orchestrator.Output{}, err
			}
			points := make([][]float64, len(rows))
			for i, r := range rows {
				points[i] = r.Vector
			}

			res, err := hdbscan.Cluster(points, hc)
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("cluster: %w", err)
			}
			out := make([]codec.AssignmentRow, len(rows))
			for i, r := range rows {
				out[i] = codec.AssignmentRow{
					ID:       r.ID,
					Label:    int32(res.Labels[i]), //nolint:gosec // labels are bounded by the point count
					Strength: res.Strengths[i],
				}
			}
			encoded, err := codec.Encode(out)
			if err != nil {
				return orchestrator.Output{}, err //nolint:wrapcheck // codec errors are already annotated
			}
			clusters, err := json.Marshal(clusterSummaries(res))
			if err != nil {
				return orchestrator.Output{}, fmt.Errorf("marshal clusters: %w", err)
			}

			noise := res.NoiseCount()
			metrics.ClustersFound.Set(float64(len(res.Clusters)))
			if len(rows) > 0 {
				metrics.NoiseRatio.Set(float64(noise) / float64(len(rows)))
			}
			logger.FromContext(ctx).Info("Points clustered",
				zap.Int("points", len(rows)),
				zap.Int("clusters", len(res.Clusters)),
				zap.Int("noise", noise),
				zap.Bool("degenerate", res.Degenerate),
			)
			return orchestrator.Output{
				Payload: encoded,
				Rows:    len(out),
				Diagnostics: map[string]string{
					diagClusters:    string(clusters),
					"noise":         strconv.Itoa(noise),
					"degenerate":    strconv.FormatBool(res.Degenerate),
					"cluster_count": strconv.Itoa(len(res.Clusters)),
				},
			}, nil
		},
	}
}

// ClusterSummary describes one cluster of a clustering materialization.
type ClusterSummary struct {
	Label     int     `json:"label"`
	Size      int     `json:"size"`
	Stability float64 `json:"stability"`
}

// diagClusters holds the JSON list of ClusterSummary.
const diagClusters = "clusters"

func clusterSummaries(res hdbscan.Result) []ClusterSummary {
	out := make([]ClusterSummary, len(res.Clusters))
	for i, c := range res.Clusters {
		out[i] = ClusterSummary{Label: c.Label, Size: c.Size, Stability: c.Stability}
	}
	return out
}

// ParseClusterSummaries reads the cluster list stored with a clustering materialization.
func ParseClusterSummaries(diagnostics map[string]string) ([]ClusterSummary, error) {
	s := diagnostics[diagClusters]
	if s == "" {
		return []ClusterSummary{}, nil
	}
	var out []ClusterSummary
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal clusters: %w", err)
	}
	return out, nil
}
