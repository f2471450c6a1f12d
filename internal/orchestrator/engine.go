package orchestrator

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/logger"
	"github.com/kailas-cloud/recluster/internal/metrics"
)

// Staleness reasons reported for recomputed assets.
const (
	ReasonNeverMaterialized = "never materialized"
	ReasonForced            = "forced"
	ReasonInputChanged      = "input hash changed"
)

// Engine runs the graph against a Store.
type Engine struct {
	graph  *Graph
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine for g.
func NewEngine(g *Graph, s Store, logger *zap.Logger) *Engine {
	return &Engine{graph: g, store: s, logger: logger, now: time.Now}
}

// Graph returns the engine's graph.
func (e *Engine) Graph() *Graph { return e.graph }

// RunOptions configure one execution.
type RunOptions struct {
	RunID       string
	Concurrency int
	Force       []string // assets recomputed even when fresh
}

// Result summarizes one execution.
type Result struct {
	RunID  string
	Status run.Status
	Assets map[string]asset.Report
	// Order lists recomputed assets in commit order.
	Order []string
}

type evaluation struct {
	idx    int
	report asset.Report
	mat    asset.Materialization
}

type workItem struct {
	idx  int
	deps map[string]asset.Materialization
}

// Run materializes every stale asset in topological order. Independent assets
// run in parallel up to opts.Concurrency. A failed asset blocks its downstream
// closure; unrelated branches still complete. Cancelling ctx stops dispatch and
// discards the output of assets still running.
//
// The returned error covers invalid options only; asset failures are reported
// in Result.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (Result, error) {
	if opts.Concurrency <= 0 {
		return Result{}, fmt.Errorf("%w: concurrency must be > 0", domain.ErrInvalidConfig)
	}
	forced := make(map[string]bool, len(opts.Force))
	for _, name := range opts.Force {
		if !e.graph.Has(name) {
			return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownAsset, name)
		}
		forced[name] = true
	}

	ctx = logger.ContextWithLogger(ctx, e.logger.With(zap.String("run_id", opts.RunID)))

	g := e.graph
	n := len(g.nodes)
	position := make([]int, n)
	for pos, idx := range g.order {
		position[idx] = pos
	}

	reports := make([]*asset.Report, n)
	mats := make([]asset.Materialization, n)
	pending := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for _, idx := range g.order {
		if pending[idx] == 0 {
			heap.Push(ready, position[idx])
		}
	}

	concurrency := min(opts.Concurrency, n)
	workCh := make(chan workItem)
	doneCh := make(chan evaluation)
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				doneCh <- e.evaluate(ctx, opts.RunID, w, forced[g.nodes[w.idx].asset.Name])
			}
		}()
	}

	var order []string
	inFlight := 0
	for {
		for inFlight < concurrency && ready.Len() > 0 && ctx.Err() == nil {
			idx := g.order[heap.Pop(ready).(int)]
			deps := make(map[string]asset.Materialization, len(g.incoming[idx]))
			for _, p := range g.incoming[idx] {
				deps[g.nodes[p].asset.Name] = mats[p]
			}
			reports[idx] = &asset.Report{State: asset.StateRunning}
			workCh <- workItem{idx: idx, deps: deps}
			inFlight++
		}
		if inFlight == 0 {
			break
		}

		ev := <-doneCh
		inFlight--
		reports[ev.idx] = &ev.report
		name := g.nodes[ev.idx].asset.Name

		if ev.report.State != asset.StateMaterialized {
			if ev.report.Outcome == asset.OutcomeFailed {
				e.block(ctx, reports, name)
			}
			continue
		}
		mats[ev.idx] = ev.mat
		if ev.report.Outcome == asset.OutcomeMaterialized {
			order = append(order, name)
		}
		for _, m := range g.outgoing[ev.idx] {
			pending[m]--
			if pending[m] == 0 && reports[m] == nil {
				heap.Push(ready, position[m])
			}
		}
	}
	close(workCh)
	wg.Wait()

	res := Result{RunID: opts.RunID, Assets: make(map[string]asset.Report, n), Order: order}
	for idx, nd := range g.nodes {
		r := reports[idx]
		if r == nil {
			// never dispatched: the run was cancelled or an upstream was cancelled
			r = &asset.Report{State: asset.StateStale, Outcome: asset.OutcomeCancelled, Reason: "run cancelled"}
			metrics.AssetMaterializationsTotal.WithLabelValues(nd.asset.Name, string(r.Outcome)).Inc()
		}
		res.Assets[nd.asset.Name] = *r
	}
	res.Status = run.Summarize(res.Assets)

	logger.FromContext(ctx).Info("run finished",
		zap.String("status", string(res.Status)),
		zap.Strings("recomputed", order),
	)
	return res, nil
}

// block marks the not yet started downstream closure of a failed asset.
func (e *Engine) block(ctx context.Context, reports []*asset.Report, name string) {
	blocked, _ := e.graph.Downstream(name)
	for _, b := range blocked {
		idx := e.graph.nodesByName[b].index
		if reports[idx] != nil {
			continue
		}
		reports[idx] = &asset.Report{
			State:   asset.StateStale,
			Outcome: asset.OutcomeBlocked,
			Reason:  "upstream " + name + " failed",
		}
		metrics.AssetMaterializationsTotal.WithLabelValues(b, string(asset.OutcomeBlocked)).Inc()
		logger.FromContext(ctx).Warn("asset blocked", zap.String("asset", b), zap.String("upstream", name))
	}
}

func (e *Engine) evaluate(ctx context.Context, runID string, w workItem, forced bool) evaluation {
	a := e.graph.nodes[w.idx].asset
	ctx, log := logger.With(ctx, zap.String("asset", a.Name))
	start := e.now()

	ev := e.materialize(ctx, runID, a, w.deps, forced)
	ev.idx = w.idx
	ev.report.Duration = e.now().Sub(start)

	metrics.AssetMaterializationsTotal.WithLabelValues(a.Name, string(ev.report.Outcome)).Inc()
	if ev.report.Outcome == asset.OutcomeMaterialized {
		metrics.AssetDuration.WithLabelValues(a.Name).Observe(ev.report.Duration.Seconds())
	}

	fields := []zap.Field{
		zap.String("outcome", string(ev.report.Outcome)),
		zap.Int64("seq", ev.report.Seq),
		zap.Int("rows", ev.report.Rows),
		zap.Duration("duration", ev.report.Duration),
	}
	if ev.report.Reason != "" {
		fields = append(fields, zap.String("reason", ev.report.Reason))
	}
	switch ev.report.Outcome {
	case asset.OutcomeFailed:
		log.Error("asset failed", append(fields, zap.String("error", ev.report.Error))...)
	case asset.OutcomeCancelled:
		log.Warn("asset cancelled", fields...)
	default:
		log.Info("asset evaluated", fields...)
	}
	return ev
}

func (e *Engine) materialize(
	ctx context.Context, runID string, a Asset, deps map[string]asset.Materialization, forced bool,
) evaluation {
	inputHash := ""
	if a.InputHash != nil {
		h, err := a.InputHash(ctx)
		if err != nil {
			return e.failed(ctx, fmt.Errorf("input hash: %w", err))
		}
		inputHash = h
	}

	head, err := e.store.Head(ctx, a.Name)
	hasHead := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotMaterialized) {
		return e.failed(ctx, fmt.Errorf("read head: %w", err))
	}

	reason := staleReason(e.graph.Deps(a.Name), head, hasHead, inputHash, deps, forced)
	if reason == "" {
		return evaluation{
			report: asset.Report{
				State:      asset.StateMaterialized,
				Outcome:    asset.OutcomeSkipped,
				Seq:        head.Seq,
				ProducedBy: head.RunID,
				Rows:       head.Rows,
			},
			mat: head,
		}
	}

	payloads := make(map[string][]byte, len(deps))
	for name, m := range deps {
		p, err := e.store.Load(ctx, m)
		if err != nil {
			return e.failed(ctx, fmt.Errorf("load %s: %w", name, err))
		}
		payloads[name] = p
	}

	out, err := safeMaterialize(ctx, a, NewInputs(runID, deps, payloads))
	if ctx.Err() != nil {
		return cancelled(reason)
	}
	if err != nil {
		return e.failed(ctx, err)
	}

	committed, err := e.commit(ctx, runID, a.Name, inputHash, deps, out)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(reason)
		}
		return e.failed(ctx, err)
	}
	return evaluation{
		report: asset.Report{
			State:      asset.StateMaterialized,
			Outcome:    asset.OutcomeMaterialized,
			Reason:     reason,
			Seq:        committed.Seq,
			ProducedBy: runID,
			Rows:       committed.Rows,
		},
		mat: committed,
	}
}

// commit holds the asset's write lock while it checks that no dependency moved
// since the inputs were read, then swaps in the new materialization.
func (e *Engine) commit(
	ctx context.Context, runID, name, inputHash string, deps map[string]asset.Materialization, out Output,
) (asset.Materialization, error) {
	unlock, err := e.store.Lock(ctx, name)
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.FromContext(ctx).Warn("release write lock", zap.Error(err))
		}
	}()

	upstream := make(map[string]int64, len(deps))
	for dep, used := range deps {
		cur, err := e.store.Head(ctx, dep)
		if err != nil {
			return asset.Materialization{}, fmt.Errorf("recheck %s: %w", dep, err)
		}
		if cur.Seq != used.Seq {
			return asset.Materialization{}, &domain.StaleDependencyError{
				Asset: name, Upstream: dep, Expected: used.Seq, Current: cur.Seq,
			}
		}
		upstream[dep] = used.Seq
	}
	if ctx.Err() != nil {
		return asset.Materialization{}, ctx.Err()
	}

	sum := sha256.Sum256(out.Payload)
	m := asset.Materialization{
		Asset:       name,
		RunID:       runID,
		InputHash:   inputHash,
		Upstream:    upstream,
		ContentHash: hex.EncodeToString(sum[:]),
		Rows:        out.Rows,
		CreatedAt:   e.now().UTC(),
		Diagnostics: out.Diagnostics,
	}
	committed, err := e.store.Commit(ctx, m, out.Payload)
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("commit: %w", err)
	}
	return committed, nil
}

func (e *Engine) failed(ctx context.Context, err error) evaluation {
	if ctx.Err() != nil {
		return cancelled("")
	}
	return evaluation{report: asset.Report{
		State:   asset.StateFailed,
		Outcome: asset.OutcomeFailed,
		Error:   err.Error(),
	}}
}

func cancelled(reason string) evaluation {
	if reason == "" {
		reason = "run cancelled"
	} else {
		reason = "run cancelled while " + reason
	}
	return evaluation{report: asset.Report{
		State:   asset.StateStale,
		Outcome: asset.OutcomeCancelled,
		Reason:  reason,
	}}
}

func safeMaterialize(ctx context.Context, a Asset, in Inputs) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("materialize %s panicked: %v", a.Name, r)
		}
	}()
	return a.Materialize(ctx, in)
}

// staleReason returns why an asset must be recomputed, or "" when it is fresh.
// Staleness compares per-asset sequence numbers, never wall-clock time.
func staleReason(
	deps []string, head asset.Materialization, hasHead bool, inputHash string,
	current map[string]asset.Materialization, forced bool,
) string {
	switch {
	case !hasHead:
		return ReasonNeverMaterialized
	case forced:
		return ReasonForced
	case head.InputHash != inputHash:
		return ReasonInputChanged
	}
	for _, dep := range deps {
		if head.Upstream[dep] != current[dep].Seq {
			return fmt.Sprintf("upstream %s changed (%d -> %d)", dep, head.Upstream[dep], current[dep].Seq)
		}
	}
	return ""
}
