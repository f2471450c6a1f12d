package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/hdbscan"
	"github.com/kailas-cloud/recluster/internal/source"
)

var allAssets = []string{
	AssetValidatedScraped, AssetValidatedAdditional, AssetRecords, AssetEmbeddings,
	AssetProjector, AssetReducedVectors, AssetClusterAssignments, AssetCategorizedRecords,
}

func assertOutcomes(t *testing.T, rn run.Run, want map[string]asset.Outcome) {
	t.Helper()
	for name, outcome := range want {
		got, ok := rn.Assets[name]
		if !ok {
			t.Errorf("%s: missing from run report", name)
			continue
		}
		if got.Outcome != outcome {
			t.Errorf("%s: expected %s, got %s (%s)", name, outcome, got.Outcome, got.Reason)
		}
	}
}

func outcomes(outcome asset.Outcome, names ...string) map[string]asset.Outcome {
	out := make(map[string]asset.Outcome, len(names))
	for _, n := range names {
		out[n] = outcome
	}
	return out
}

func TestTrigger_CoffeeShopsClusterTogether(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)

	rn := env.trigger(t, env.svc.Defaults())
	if rn.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s: %+v", rn.Status, rn.Assets)
	}
	assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized, allAssets...))

	got := env.assignments(t)
	if len(got) != 3 {
		t.Fatalf("expected 3 assignments, got %d", len(got))
	}
	coffee := got["r1"].Label
	if coffee == hdbscan.Noise {
		t.Fatalf("expected coffee shops in a cluster, got noise")
	}
	if got["r2"].Label != coffee {
		t.Errorf("expected r2 in cluster %d, got %d", coffee, got["r2"].Label)
	}
	if got["r3"].Label == coffee {
		t.Errorf("expected hardware store outside the coffee cluster %d", coffee)
	}
	if got["r3"].Label != hdbscan.Noise {
		t.Errorf("expected hardware store as noise, got %d", got["r3"].Label)
	}
}

func TestTrigger_IdenticalTextEmbeddedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)

	env.trigger(t, env.svc.Defaults())

	calls, texts := env.embedder.stats()
	if calls != 1 {
		t.Errorf("expected 1 backend call, got %d", calls)
	}
	want := []string{"Coffee Shop A", "Hardware Store B"}
	slices.Sort(texts)
	if !slices.Equal(texts, want) {
		t.Errorf("expected texts %v, got %v", want, texts)
	}
}

func TestTrigger_Deterministic(t *testing.T) {
	first := newTestEnv(t)
	second := newTestEnv(t)
	records := []receipt.Raw{
		raw("a1", "Coffee Shop A"), raw("a2", "Coffee Shop A"), raw("a3", "Coffee Shop Alpha"),
		raw("b1", "Hardware Store B"), raw("b2", "Hardware Store B"), raw("b3", "Hardware Store Beta"),
		raw("c1", "Pharmacy"),
	}
	first.scraped.set("s1", records...)
	second.scraped.set("s1", records...)

	first.trigger(t, first.svc.Defaults())
	second.trigger(t, second.svc.Defaults())

	a, b := first.assignments(t), second.assignments(t)
	for id, row := range a {
		if b[id] != row {
			t.Errorf("%s: %+v vs %+v", id, row, b[id])
		}
	}
}

func TestTrigger_SecondRunSkipsEverything(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	first := env.trigger(t, env.svc.Defaults())
	callsBefore, _ := env.embedder.stats()

	second := env.trigger(t, env.svc.Defaults())

	if second.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", second.Status)
	}
	assertOutcomes(t, second, outcomes(asset.OutcomeSkipped, allAssets...))
	if len(second.Order) != 0 {
		t.Errorf("expected nothing recomputed, got %v", second.Order)
	}
	for _, name := range allAssets {
		if second.Assets[name].Seq != first.Assets[name].Seq {
			t.Errorf("%s: seq moved from %d to %d", name, first.Assets[name].Seq, second.Assets[name].Seq)
		}
		if second.Assets[name].ProducedBy != first.ID {
			t.Errorf("%s: expected produced by %s, got %s", name, first.ID, second.Assets[name].ProducedBy)
		}
	}
	if calls, _ := env.embedder.stats(); calls != callsBefore {
		t.Errorf("expected no backend calls, got %d more", calls-callsBefore)
	}
}

func TestTrigger_ForcedEmbeddingsRecomputeDownstreamOnly(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	env.trigger(t, env.svc.Defaults())

	cfg := env.svc.Defaults()
	cfg.Force = []string{AssetEmbeddings}
	rn := env.trigger(t, cfg)

	assertOutcomes(t, rn, outcomes(asset.OutcomeSkipped,
		AssetValidatedScraped, AssetValidatedAdditional, AssetRecords))
	assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized,
		AssetEmbeddings, AssetProjector, AssetReducedVectors, AssetClusterAssignments, AssetCategorizedRecords))
	if rn.Assets[AssetEmbeddings].Reason != "forced" {
		t.Errorf("expected forced reason, got %q", rn.Assets[AssetEmbeddings].Reason)
	}
}

func TestTrigger_ConfigChangeInvalidatesFromItsStage(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	env.trigger(t, env.svc.Defaults())

	cfg := env.svc.Defaults()
	cfg.MinClusterSize = 3
	cfg.MinSamples = 3
	rn := env.trigger(t, cfg)

	assertOutcomes(t, rn, outcomes(asset.OutcomeSkipped,
		AssetValidatedScraped, AssetValidatedAdditional, AssetRecords,
		AssetEmbeddings, AssetProjector, AssetReducedVectors))
	assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized,
		AssetClusterAssignments, AssetCategorizedRecords))
}

func TestTrigger_EmbeddingModelChangeInvalidatesEmbeddings(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	env.trigger(t, env.svc.Defaults())

	env.svc = env.service("hashing/64/v2")
	rn := env.trigger(t, env.svc.Defaults())

	assertOutcomes(t, rn, outcomes(asset.OutcomeSkipped, AssetRecords))
	if r := rn.Assets[AssetEmbeddings]; r.Outcome != asset.OutcomeMaterialized || r.Reason != "input hash changed" {
		t.Errorf("expected embeddings recomputed on input change, got %+v", r)
	}
}

func TestTrigger_SourceChangeRevalidatesOnlyThatSource(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	env.trigger(t, env.svc.Defaults())

	env.scraped.set("s2", append(coffeeShops(), raw("r4", "Coffee Shop A"))...)
	rn := env.trigger(t, env.svc.Defaults())

	assertOutcomes(t, rn, outcomes(asset.OutcomeSkipped, AssetValidatedAdditional))
	assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized,
		AssetValidatedScraped, AssetRecords, AssetEmbeddings, AssetClusterAssignments))
	if got := env.assignments(t); got["r4"].Label != got["r1"].Label {
		t.Errorf("expected new coffee record in the coffee cluster, got %+v", got)
	}
}

func TestTrigger_InvalidRecordRejectedOthersProceed(t *testing.T) {
	env := newTestEnv(t)
	bad := raw("r9", "Coffee Shop A")
	bad.Timestamp = ""
	env.scraped.set("s1", append(coffeeShops(), bad)...)
	env.additional.set("a1")
	env.additional.batch.Skipped = []source.Skip{{Ref: "items.csv:7", Reason: "malformed row"}}

	rn := env.trigger(t, env.svc.Defaults())

	if rn.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", rn.Status)
	}
	if rn.RejectedTotal != 2 {
		t.Fatalf("expected 2 rejections, got %d: %+v", rn.RejectedTotal, rn.Rejected)
	}
	want := run.Rejection{RecordID: "r9", Source: source.Scraped, Field: "timestamp", Reason: "required"}
	if !slices.Contains(rn.Rejected, want) {
		t.Errorf("expected %+v among %+v", want, rn.Rejected)
	}
	if got := rn.Assets[AssetRecords].Rows; got != 3 {
		t.Errorf("expected 3 valid records, got %d", got)
	}
	if _, ok := env.assignments(t)["r9"]; ok {
		t.Error("rejected record must not be clustered")
	}

	// reused validation results still report their rejections
	again := env.trigger(t, env.svc.Defaults())
	if again.RejectedTotal != 2 {
		t.Errorf("expected 2 rejections on the skipped run, got %d", again.RejectedTotal)
	}
}

func TestTrigger_BackendUnavailableBlocksDownstream(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	env.embedder.err = fmt.Errorf("%w: connection refused", domain.ErrBackendUnavailable)

	rn := env.trigger(t, env.svc.Defaults())

	if rn.Status != run.StatusPartiallyFailed {
		t.Fatalf("expected partially failed, got %s", rn.Status)
	}
	assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized,
		AssetValidatedScraped, AssetValidatedAdditional, AssetRecords))
	assertOutcomes(t, rn, outcomes(asset.OutcomeFailed, AssetEmbeddings))
	assertOutcomes(t, rn, outcomes(asset.OutcomeBlocked,
		AssetProjector, AssetReducedVectors, AssetClusterAssignments, AssetCategorizedRecords))
	if got := rn.Assets[AssetProjector].Reason; got != "upstream embeddings failed" {
		t.Errorf("unexpected blocked reason %q", got)
	}
	if _, err := env.mats.Head(context.Background(), AssetEmbeddings); !errors.Is(err, domain.ErrNotMaterialized) {
		t.Errorf("expected no embeddings head, got %v", err)
	}

	// recovery: only the failed and blocked assets run
	env.embedder.err = nil
	rn = env.trigger(t, env.svc.Defaults())
	if rn.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded after recovery, got %s", rn.Status)
	}
	assertOutcomes(t, rn, outcomes(asset.OutcomeSkipped, AssetRecords))
	assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized, AssetEmbeddings, AssetCategorizedRecords))
}

func TestTrigger_TooFewRecordsAllNoise(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	cfg := env.svc.Defaults()
	cfg.MinClusterSize = 5
	cfg.MinSamples = 5

	rn := env.trigger(t, cfg)

	if rn.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", rn.Status)
	}
	for id, row := range env.assignments(t) {
		if row.Label != hdbscan.Noise {
			t.Errorf("%s: expected noise, got %d", id, row.Label)
		}
	}
}

func TestTrigger_EmptySourcesSucceed(t *testing.T) {
	noTimestamp := raw("r1", "Coffee Shop A")
	noTimestamp.Timestamp = ""

	tests := []struct {
		name     string
		records  []receipt.Raw
		rejected int
	}{
		{"no records", nil, 0},
		{"every record rejected", []receipt.Raw{noTimestamp}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.scraped.set("s1", tc.records...)

			rn := env.trigger(t, env.svc.Defaults())

			if rn.Status != run.StatusSucceeded {
				t.Fatalf("expected succeeded, got %s: %+v", rn.Status, rn.Assets)
			}
			assertOutcomes(t, rn, outcomes(asset.OutcomeMaterialized, allAssets...))
			if rn.RejectedTotal != tc.rejected {
				t.Errorf("expected %d rejections, got %d", tc.rejected, rn.RejectedTotal)
			}
			if got := env.assignments(t); len(got) != 0 {
				t.Errorf("expected no assignments, got %+v", got)
			}
			head, err := env.mats.Head(context.Background(), AssetClusterAssignments)
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if head.Diagnostics["degenerate"] != "true" || head.Diagnostics["cluster_count"] != "0" {
				t.Errorf("expected a degenerate empty clustering, got %+v", head.Diagnostics)
			}
			if calls, _ := env.embedder.stats(); calls != 0 {
				t.Errorf("expected no backend calls, got %d", calls)
			}

			again := env.trigger(t, env.svc.Defaults())
			assertOutcomes(t, again, outcomes(asset.OutcomeSkipped, allAssets...))
		})
	}
}

func TestTrigger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*run.Config)
	}{
		{"zero dimensions", func(c *run.Config) { c.Dimensions = 0 }},
		{"unknown method", func(c *run.Config) { c.Method = "tsne" }},
		{"min cluster size one", func(c *run.Config) { c.MinClusterSize = 1 }},
		{"zero batch", func(c *run.Config) { c.BatchSize = 0 }},
		{"zero concurrency", func(c *run.Config) { c.Concurrency = 0 }},
		{"unknown force", func(c *run.Config) { c.Force = []string{"nope"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			cfg := env.svc.Defaults()
			tc.mutate(&cfg)

			_, err := env.svc.Trigger(context.Background(), cfg)
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if _, err := env.runs.Latest(context.Background()); !errors.Is(err, domain.ErrRunNotFound) {
				t.Errorf("expected no run recorded, got %v", err)
			}
		})
	}
}

func TestTrigger_RecordsRunAsLatest(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	first := env.trigger(t, env.svc.Defaults())
	second := env.trigger(t, env.svc.Defaults())

	latest, err := env.runs.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || latest.Status != run.StatusSucceeded {
		t.Errorf("expected latest %s succeeded, got %s %s", second.ID, latest.ID, latest.Status)
	}
	prev, err := env.runs.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if prev.SupersededBy != second.ID {
		t.Errorf("expected %s superseded by %s, got %q", first.ID, second.ID, prev.SupersededBy)
	}
}

func TestPlan(t *testing.T) {
	env := newTestEnv(t)
	env.scraped.set("s1", coffeeShops()...)
	ctx := context.Background()

	plan, err := env.svc.Plan(ctx, env.svc.Defaults())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, name := range allAssets {
		if plan[name].State != asset.StateStale {
			t.Errorf("%s: expected stale before the first run, got %s", name, plan[name].State)
		}
	}

	env.trigger(t, env.svc.Defaults())
	cfg := env.svc.Defaults()
	cfg.Dimensions = 3
	plan, err = env.svc.Plan(ctx, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan[AssetEmbeddings].State != asset.StateMaterialized {
		t.Errorf("expected embeddings fresh, got %+v", plan[AssetEmbeddings])
	}
	if plan[AssetProjector].State != asset.StateStale || plan[AssetClusterAssignments].State != asset.StateStale {
		t.Errorf("expected projector and clustering stale, got %+v / %+v",
			plan[AssetProjector], plan[AssetClusterAssignments])
	}
	if calls, _ := env.embedder.stats(); calls != 1 {
		t.Errorf("plan must not embed, got %d calls", calls)
	}
}
