package domain

import (
	"context"
	"fmt"
)

// Embedder vectorizes texts in batches. One vector per input text, in input order.
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) (BatchEmbeddingResult, error)
}

// HealthChecker verifies embedding provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BatchEmbeddingResult carries embedding vectors and aggregate token usage through the decorator chain.
type BatchEmbeddingResult struct {
	Embeddings   [][]float32
	PromptTokens int
	TotalTokens  int
}

// Dim checks that the result holds exactly n vectors of one non-zero length and returns that length.
func (r BatchEmbeddingResult) Dim(n int) (int, error) {
	if len(r.Embeddings) != n {
		return 0, fmt.Errorf("%w: expected %d vectors, got %d", ErrVectorDimMismatch, n, len(r.Embeddings))
	}
	if n == 0 {
		return 0, nil
	}
	dim := len(r.Embeddings[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrVectorDimMismatch)
	}
	for i, v := range r.Embeddings {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has %d dims, expected %d", ErrVectorDimMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}

// PromptEmbedder prepends a model prompt (e.g. "clustering: ") to every text.
// It sits outermost in the chain so that the cache key includes the prompt.
type PromptEmbedder struct {
	inner  Embedder
	prompt string
}

// NewPromptEmbedder wraps inner; an empty prompt returns inner unchanged.
func NewPromptEmbedder(inner Embedder, prompt string) Embedder {
	if prompt == "" {
		return inner
	}
	return &PromptEmbedder{inner: inner, prompt: prompt}
}

// BatchEmbed prepends the prompt to each text and delegates to inner.
func (e *PromptEmbedder) BatchEmbed(ctx context.Context, texts []string) (BatchEmbeddingResult, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = e.prompt + t
	}
	res, err := e.inner.BatchEmbed(ctx, prefixed)
	if err != nil {
		return BatchEmbeddingResult{}, fmt.Errorf("prompt batch embed: %w", err)
	}
	return res, nil
}

// HealthCheck delegates to inner when it supports health checks.
func (e *PromptEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := e.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // transparent decorator
	}
	return nil
}
