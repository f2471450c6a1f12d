package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterEmbeddingMetrics()
	os.Exit(m.Run())
}

type mockEmbedder struct {
	vector     []float32
	tokens     int
	errs       []error // returned by successive calls, then success
	batchCalls int
	chunkSizes []int
}

func (m *mockEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	m.batchCalls++
	m.chunkSizes = append(m.chunkSizes, len(texts))
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return domain.BatchEmbeddingResult{}, err
		}
	}
	embeddings := make([][]float32, len(texts))
	for i := range texts {
		embeddings[i] = m.vector
	}
	return domain.BatchEmbeddingResult{
		Embeddings:   embeddings,
		PromptTokens: m.tokens * len(texts),
		TotalTokens:  m.tokens * len(texts),
	}, nil
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func unavailable() error {
	return fmt.Errorf("%w: connection refused", domain.ErrBackendUnavailable)
}

func TestInstrumentedEmbedder_BatchEmbed_Success(t *testing.T) {
	inner := &mockEmbedder{vector: []float32{0.1, 0.2}, tokens: 4}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 10, fastRetry, zap.NewNop())

	res, err := p.BatchEmbed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embeddings) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(res.Embeddings))
	}
	if res.TotalTokens != 12 {
		t.Errorf("expected TotalTokens=12, got %d", res.TotalTokens)
	}
}

func TestInstrumentedEmbedder_BatchEmbed_Empty(t *testing.T) {
	inner := &mockEmbedder{}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 10, fastRetry, zap.NewNop())

	res, err := p.BatchEmbed(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Embeddings != nil || inner.batchCalls != 0 {
		t.Errorf("expected no-op for empty input")
	}
}

func TestInstrumentedEmbedder_BatchEmbed_Chunks(t *testing.T) {
	inner := &mockEmbedder{vector: []float32{1}}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 2, fastRetry, zap.NewNop())

	res, err := p.BatchEmbed(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embeddings) != 5 {
		t.Fatalf("expected 5 embeddings, got %d", len(res.Embeddings))
	}
	want := []int{2, 2, 1}
	if len(inner.chunkSizes) != len(want) {
		t.Fatalf("expected chunks %v, got %v", want, inner.chunkSizes)
	}
	for i := range want {
		if inner.chunkSizes[i] != want[i] {
			t.Errorf("chunk %d: expected %d, got %d", i, want[i], inner.chunkSizes[i])
		}
	}
}

func TestInstrumentedEmbedder_RetriesUnavailable(t *testing.T) {
	inner := &mockEmbedder{vector: []float32{1}, errs: []error{unavailable(), unavailable()}}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 10, fastRetry, zap.NewNop())

	if _, err := p.BatchEmbed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if inner.batchCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.batchCalls)
	}
}

func TestInstrumentedEmbedder_RetryExhausted(t *testing.T) {
	inner := &mockEmbedder{vector: []float32{1}, errs: []error{unavailable(), unavailable(), unavailable(), unavailable()}}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 10, fastRetry, zap.NewNop())

	_, err := p.BatchEmbed(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if inner.batchCalls != 3 {
		t.Errorf("expected MaxAttempts=3 calls, got %d", inner.batchCalls)
	}
}

func TestInstrumentedEmbedder_PermanentErrorNotRetried(t *testing.T) {
	providerErr := fmt.Errorf("%w: model not found", domain.ErrEmbeddingProviderError)
	inner := &mockEmbedder{errs: []error{providerErr}}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 10, fastRetry, zap.NewNop())

	_, err := p.BatchEmbed(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("expected ErrEmbeddingProviderError, got %v", err)
	}
	if inner.batchCalls != 1 {
		t.Errorf("expected a single call, got %d", inner.batchCalls)
	}
}

func TestInstrumentedEmbedder_FailedChunkFailsBatch(t *testing.T) {
	providerErr := fmt.Errorf("%w: bad input", domain.ErrEmbeddingProviderError)
	inner := &mockEmbedder{vector: []float32{1}, errs: []error{nil, providerErr}}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 1, fastRetry, zap.NewNop())

	res, err := p.BatchEmbed(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Embeddings != nil {
		t.Errorf("expected no partial embeddings, got %d", len(res.Embeddings))
	}
}

func TestInstrumentedEmbedder_CancelledContextStopsRetrying(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = unavailable()
	}
	inner := &mockEmbedder{errs: errs}
	slow := RetryPolicy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour}
	p := NewInstrumentedEmbedder(inner, "test", "test-model", 10, slow, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.BatchEmbed(ctx, []string{"a"}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if inner.batchCalls > 1 {
		t.Errorf("expected no retries after cancel, got %d calls", inner.batchCalls)
	}
}
