package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
)

// Plan reports which assets a run with the given force list would recompute,
// without materializing anything. Fresh assets are reported MATERIALIZED with
// their head sequence; stale ones STALE with the reason.
func (e *Engine) Plan(ctx context.Context, force []string) (map[string]asset.Report, error) {
	forced := make(map[string]bool, len(force))
	for _, name := range force {
		if !e.graph.Has(name) {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAsset, name)
		}
		forced[name] = true
	}

	out := make(map[string]asset.Report, len(e.graph.nodes))
	heads := make(map[string]asset.Materialization, len(e.graph.nodes))
	for _, idx := range e.graph.order {
		a := e.graph.nodes[idx].asset
		deps := e.graph.Deps(a.Name)

		if up := firstStale(deps, out); up != "" {
			out[a.Name] = asset.Report{State: asset.StateStale, Reason: "upstream " + up + " stale"}
			continue
		}

		inputHash := ""
		if a.InputHash != nil {
			h, err := a.InputHash(ctx)
			if err != nil {
				return nil, fmt.Errorf("input hash %s: %w", a.Name, err)
			}
			inputHash = h
		}
		head, err := e.store.Head(ctx, a.Name)
		hasHead := err == nil
		if err != nil && !errors.Is(err, domain.ErrNotMaterialized) {
			return nil, fmt.Errorf("read head %s: %w", a.Name, err)
		}

		current := make(map[string]asset.Materialization, len(deps))
		for _, dep := range deps {
			current[dep] = heads[dep]
		}
		if reason := staleReason(deps, head, hasHead, inputHash, current, forced[a.Name]); reason != "" {
			out[a.Name] = asset.Report{State: asset.StateStale, Reason: reason}
			continue
		}
		heads[a.Name] = head
		out[a.Name] = asset.Report{
			State:      asset.StateMaterialized,
			Outcome:    asset.OutcomeSkipped,
			Seq:        head.Seq,
			ProducedBy: head.RunID,
			Rows:       head.Rows,
		}
	}
	return out, nil
}

func firstStale(deps []string, planned map[string]asset.Report) string {
	for _, dep := range deps {
		if planned[dep].State == asset.StateStale {
			return dep
		}
	}
	return ""
}
