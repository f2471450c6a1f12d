package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/db/memory"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/repository/materialization"
	"github.com/kailas-cloud/recluster/internal/repository/runs"
	"github.com/kailas-cloud/recluster/internal/source"
	"github.com/kailas-cloud/recluster/internal/transport/hashing"
)

// staticSource serves a fixed batch; bump fp to simulate a changed file.
type staticSource struct {
	mu    sync.Mutex
	batch source.Batch
	fp    string
}

func (s *staticSource) Fingerprint(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fp, nil
}

func (s *staticSource) Read(context.Context) (source.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch, nil
}

func (s *staticSource) set(fp string, records ...receipt.Raw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fp = fp
	s.batch = source.Batch{Records: records}
}

// countingEmbedder wraps the hashing embedder and records every backend call.
type countingEmbedder struct {
	mu    sync.Mutex
	inner *hashing.Embedder
	calls int
	texts []string
	err   error
}

func (c *countingEmbedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	c.mu.Lock()
	c.calls++
	c.texts = append(c.texts, texts...)
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return domain.BatchEmbeddingResult{}, err
	}
	return c.inner.BatchEmbed(ctx, texts)
}

func (c *countingEmbedder) stats() (calls int, texts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, append([]string(nil), c.texts...)
}

type testEnv struct {
	store      *memory.Store
	mats       *materialization.Repo
	runs       *runs.Repo
	embedder   *countingEmbedder
	scraped    *staticSource
	additional *staticSource
	svc        *Service
}

func testDefaults() run.Config {
	return run.Config{
		Dimensions:         2,
		Method:             "pca",
		Seed:               42,
		MinClusterSize:     2,
		MinSamples:         2,
		AllowSingleCluster: true,
		BatchSize:          16,
		Concurrency:        2,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.NewStore()
	env := &testEnv{
		store:      st,
		mats:       materialization.New(st, "test:", time.Second),
		runs:       runs.New(st, "test:"),
		embedder:   &countingEmbedder{inner: hashing.NewEmbedder(64)},
		scraped:    &staticSource{fp: "s0"},
		additional: &staticSource{fp: "a0"},
	}
	env.svc = env.service("hashing/64")
	return env
}

// service builds a pipeline over the env's store with the given embedding identity.
func (e *testEnv) service(embeddingID string) *Service {
	return New(e.mats, e.runs, Options{
		Embedders:   func(int) domain.Embedder { return e.embedder },
		EmbeddingID: embeddingID,
		TextFields:  []string{receipt.FieldMerchant},
		Scraped:     e.scraped,
		Additional:  e.additional,
		Defaults:    testDefaults(),
	}, zap.NewNop())
}

func (e *testEnv) trigger(t *testing.T, cfg run.Config) run.Run {
	t.Helper()
	rn, err := e.svc.Trigger(context.Background(), cfg)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	return rn
}

func (e *testEnv) assignments(t *testing.T) map[string]codec.AssignmentRow {
	t.Helper()
	ctx := context.Background()
	head, err := e.mats.Head(ctx, AssetClusterAssignments)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	payload, err := e.mats.Load(ctx, head)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rows, err := codec.Decode[codec.AssignmentRow](payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := make(map[string]codec.AssignmentRow, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out
}

func raw(id, merchant string) receipt.Raw {
	return receipt.Raw{
		ID:        id,
		Source:    source.Scraped,
		Merchant:  merchant,
		Item:      "item",
		Timestamp: "2024-03-01T10:00:00Z",
		Total:     "100.00",
	}
}

// coffeeShops is the three-record scenario: two near-identical merchants and one unrelated.
func coffeeShops() []receipt.Raw {
	return []receipt.Raw{
		raw("r1", "Coffee Shop A"),
		raw("r2", "Coffee Shop A "),
		raw("r3", "Hardware Store B"),
	}
}
