// Package query serves read-only views of committed runs.
package query

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/hdbscan"
	"github.com/kailas-cloud/recluster/internal/usecase/embedding"
	"github.com/kailas-cloud/recluster/internal/usecase/pipeline"
)

// LatestRunID selects the most recent finished run wherever a run id is accepted.
const LatestRunID = "latest"

// Filter narrows a table read. A nil Cluster keeps every label.
type Filter struct {
	Cluster *int
	Limit   int
}

// Projection is an ad-hoc text mapped into a run's reduced space.
type Projection struct {
	Text    string
	Vector  []float64
	Nearest string // id of the nearest clustered record, empty when the run has none
	Cluster int    // label of Nearest, noise when Nearest is empty
}

// Service reads runs and their materializations.
type Service struct {
	mats            MaterializationReader
	runs            RunReader
	embedder        Embedder
	defaultPageSize int
	maxPageSize     int
	maxProjectTexts int
}

// New creates a query service. embedder may be nil, which disables Project.
func New(mats MaterializationReader, runs RunReader, embedder Embedder) *Service {
	return &Service{
		mats:            mats,
		runs:            runs,
		embedder:        embedder,
		defaultPageSize: 100,
		maxPageSize:     10000,
		maxProjectTexts: 256,
	}
}

// WithPagination configures row limits.
func (s *Service) WithPagination(defaultPageSize, maxPageSize int) *Service {
	if defaultPageSize > 0 {
		s.defaultPageSize = defaultPageSize
	}
	if maxPageSize > 0 {
		s.maxPageSize = maxPageSize
	}
	return s
}

// Run returns a run record. LatestRunID resolves to the latest finished run.
func (s *Service) Run(ctx context.Context, id string) (run.Run, error) {
	if id == LatestRunID {
		rn, err := s.runs.Latest(ctx)
		if err != nil {
			return run.Run{}, fmt.Errorf("latest run: %w", err)
		}
		return rn, nil
	}
	rn, err := s.runs.Get(ctx, id)
	if err != nil {
		return run.Run{}, fmt.Errorf("get run: %w", err)
	}
	return rn, nil
}

// Runs lists runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]run.Run, error) {
	list, err := s.runs.List(ctx, s.limit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return list, nil
}

// Assignments returns the cluster labels a run produced or reused.
func (s *Service) Assignments(ctx context.Context, runID string, f Filter) ([]codec.AssignmentRow, error) {
	rn, err := s.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := readTable[codec.AssignmentRow](ctx, s, rn, pipeline.AssetClusterAssignments)
	if err != nil {
		return nil, err
	}
	return s.filterAssignments(rows, f), nil
}

// Reduced returns the projected vectors a run produced or reused.
func (s *Service) Reduced(ctx context.Context, runID string, limit int) ([]codec.ReducedRow, error) {
	rn, err := s.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := readTable[codec.ReducedRow](ctx, s, rn, pipeline.AssetReducedVectors)
	if err != nil {
		return nil, err
	}
	return rows[:min(len(rows), s.limit(limit))], nil
}

// Categorized returns the records of a run with their final categories.
func (s *Service) Categorized(ctx context.Context, runID string, f Filter) ([]codec.CategorizedRow, error) {
	rn, err := s.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := readTable[codec.CategorizedRow](ctx, s, rn, pipeline.AssetCategorizedRecords)
	if err != nil {
		return nil, err
	}
	limit := s.limit(f.Limit)
	out := make([]codec.CategorizedRow, 0, min(len(rows), limit))
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		if f.Cluster == nil || int(r.Cluster) == *f.Cluster {
			out = append(out, r)
		}
	}
	return out, nil
}

// Clusters returns the clusters of a run, ordered by label.
func (s *Service) Clusters(ctx context.Context, runID string) ([]pipeline.ClusterSummary, error) {
	rn, err := s.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	m, err := s.materialization(ctx, rn, pipeline.AssetClusterAssignments)
	if err != nil {
		return nil, err
	}
	clusters, err := pipeline.ParseClusterSummaries(m.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pipeline.AssetClusterAssignments, err)
	}
	return clusters, nil
}

// LatestAssignments serves the current clustering head. It refuses with a
// *domain.StaleDependencyError when any transitive upstream head has moved past
// the version the clustering was built from.
func (s *Service) LatestAssignments(ctx context.Context, f Filter) ([]codec.AssignmentRow, asset.Materialization, error) {
	head, err := s.mats.Head(ctx, pipeline.AssetClusterAssignments)
	if err != nil {
		return nil, asset.Materialization{}, fmt.Errorf("head %s: %w", pipeline.AssetClusterAssignments, err)
	}
	if err := s.checkUpstream(ctx, head); err != nil {
		return nil, asset.Materialization{}, err
	}
	payload, err := s.mats.Load(ctx, head)
	if err != nil {
		return nil, asset.Materialization{}, fmt.Errorf("load %s: %w", head.Asset, err)
	}
	rows, err := codec.Decode[codec.AssignmentRow](payload)
	if err != nil {
		return nil, asset.Materialization{}, fmt.Errorf("%s: %w", head.Asset, err)
	}
	return s.filterAssignments(rows, f), head, nil
}

// checkUpstream walks the recorded upstream versions of m breadth first and
// compares each with the current head of that asset.
func (s *Service) checkUpstream(ctx context.Context, m asset.Materialization) error {
	visited := map[string]bool{m.Asset: true}
	queue := []asset.Materialization{m}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range sortedKeys(cur.Upstream) {
			head, err := s.mats.Head(ctx, dep)
			if err != nil {
				return fmt.Errorf("head %s: %w", dep, err)
			}
			if head.Seq != cur.Upstream[dep] {
				return &domain.StaleDependencyError{
					Asset: cur.Asset, Upstream: dep, Expected: cur.Upstream[dep], Current: head.Seq,
				}
			}
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, head)
			}
		}
	}
	return nil
}

// Project embeds texts and maps them through the run's projector without
// refitting it. Each projection carries the nearest clustered record of the run.
func (s *Service) Project(ctx context.Context, runID string, texts []string) ([]Projection, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("project: %w: no embedding backend configured", domain.ErrBackendUnavailable)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: at least one text is required", domain.ErrInvalidRequest)
	}
	if len(texts) > s.maxProjectTexts {
		return nil, fmt.Errorf("%w: at most %d texts per request", domain.ErrInvalidRequest, s.maxProjectTexts)
	}
	rn, err := s.Run(ctx, runID)
	if err != nil {
		return nil, err
	}

	projectorMat, err := s.materialization(ctx, rn, pipeline.AssetProjector)
	if err != nil {
		return nil, err
	}
	payload, err := s.mats.Load(ctx, projectorMat)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", pipeline.AssetProjector, err)
	}
	projector, err := pipeline.LoadProjector(payload)
	if err != nil {
		return nil, err //nolint:wrapcheck // already names the asset
	}

	normalized := make([]string, len(texts))
	for i, t := range texts {
		normalized[i] = embedding.Normalize(t)
	}
	res, err := s.embedder.BatchEmbed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if _, err := res.Dim(len(texts)); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	vectors, err := projector.Transform(res.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	reduced, err := readTable[codec.ReducedRow](ctx, s, rn, pipeline.AssetReducedVectors)
	if err != nil {
		return nil, err
	}
	assignments, err := readTable[codec.AssignmentRow](ctx, s, rn, pipeline.AssetClusterAssignments)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]int, len(assignments))
	for _, a := range assignments {
		labels[a.ID] = int(a.Label)
	}

	out := make([]Projection, len(texts))
	for i, v := range vectors {
		p := Projection{Text: texts[i], Vector: v, Cluster: hdbscan.Noise}
		if id := nearest(v, reduced); id != "" {
			p.Nearest = id
			if l, ok := labels[id]; ok {
				p.Cluster = l
			}
		}
		out[i] = p
	}
	return out, nil
}

// materialization resolves the materialization of name a run produced or reused.
func (s *Service) materialization(ctx context.Context, rn run.Run, name string) (asset.Materialization, error) {
	r, ok := rn.Assets[name]
	if !ok || r.State != asset.StateMaterialized || r.ProducedBy == "" {
		return asset.Materialization{}, fmt.Errorf("run %s: %s: %w", rn.ID, name, domain.ErrNotMaterialized)
	}
	m, err := s.mats.Get(ctx, name, r.ProducedBy)
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("run %s: %w", rn.ID, err)
	}
	return m, nil
}

func readTable[T any](ctx context.Context, s *Service, rn run.Run, name string) ([]T, error) {
	m, err := s.materialization(ctx, rn, name)
	if err != nil {
		return nil, err
	}
	payload, err := s.mats.Load(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	rows, err := codec.Decode[T](payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rows, nil
}

func (s *Service) filterAssignments(rows []codec.AssignmentRow, f Filter) []codec.AssignmentRow {
	limit := s.limit(f.Limit)
	out := make([]codec.AssignmentRow, 0, min(len(rows), limit))
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		if f.Cluster == nil || int(r.Label) == *f.Cluster {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) limit(requested int) int {
	if requested <= 0 {
		return s.defaultPageSize
	}
	return min(requested, s.maxPageSize)
}

// nearest returns the id of the row closest to v by Euclidean distance; ties go
// to the earlier row.
func nearest(v []float64, rows []codec.ReducedRow) string {
	best, bestD := "", math.Inf(1)
	for _, r := range rows {
		if len(r.Vector) != len(v) {
			continue
		}
		d := 0.0
		for i := range v {
			diff := v[i] - r.Vector[i]
			d += diff * diff
		}
		if d < bestD {
			best, bestD = r.ID, d
		}
	}
	return best
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
