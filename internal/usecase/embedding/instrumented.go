package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/metrics"
)

// DefaultMaxBatchSize bounds a single backend request when no limit is configured.
const DefaultMaxBatchSize = 64

// RetryPolicy bounds the exponential backoff applied to an unavailable backend.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// InstrumentedEmbedder splits batches into backend-sized chunks, retries chunks whose
// backend was unavailable, and logs every batch.
// Transport metrics (requests, duration, tokens) are recorded in transport/openai.
type InstrumentedEmbedder struct {
	inner        domain.Embedder
	provider     string
	model        string
	maxBatchSize int
	retry        RetryPolicy
	logger       *zap.Logger
}

// NewInstrumentedEmbedder wraps an embedder with chunking, retries and observability.
func NewInstrumentedEmbedder(
	inner domain.Embedder, provider, model string,
	maxBatchSize int, retry RetryPolicy, logger *zap.Logger,
) *InstrumentedEmbedder {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &InstrumentedEmbedder{
		inner:        inner,
		provider:     provider,
		model:        model,
		maxBatchSize: maxBatchSize,
		retry:        retry,
		logger:       logger,
	}
}

// BatchEmbed embeds texts chunk by chunk. Any chunk failure fails the whole batch:
// partial results are never returned.
func (p *InstrumentedEmbedder) BatchEmbed(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}

	start := time.Now()

	result, err := p.embedChunked(ctx, texts)
	if err != nil {
		return domain.BatchEmbeddingResult{}, err
	}

	p.logger.Debug("Batch embedding completed",
		zap.String("provider", p.provider),
		zap.String("model", p.model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("batch_size", len(texts)),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("total_tokens", result.TotalTokens),
	)

	return result, nil
}

// HealthCheck delegates to inner when it supports health checks.
func (p *InstrumentedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := p.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // transparent decorator
	}
	return nil
}

// embedChunked splits texts into chunks of maxBatchSize; one backend invocation per chunk.
func (p *InstrumentedEmbedder) embedChunked(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	allEmbeddings := make([][]float32, 0, len(texts))
	var totalPrompt, totalTokens int

	for offset := 0; offset < len(texts); offset += p.maxBatchSize {
		end := min(offset+p.maxBatchSize, len(texts))
		chunk := texts[offset:end]

		chunkResult, err := p.embedWithRetry(ctx, chunk)
		if err != nil {
			p.logger.Error("Batch embedding request failed",
				zap.String("provider", p.provider),
				zap.String("model", p.model),
				zap.Int("chunk_offset", offset),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			return domain.BatchEmbeddingResult{}, fmt.Errorf("batch embed: %w", err)
		}
		if _, err := chunkResult.Dim(len(chunk)); err != nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("batch embed chunk %d: %w", offset, err)
		}

		allEmbeddings = append(allEmbeddings, chunkResult.Embeddings...)
		totalPrompt += chunkResult.PromptTokens
		totalTokens += chunkResult.TotalTokens
	}

	return domain.BatchEmbeddingResult{
		Embeddings:   allEmbeddings,
		PromptTokens: totalPrompt,
		TotalTokens:  totalTokens,
	}, nil
}

// embedWithRetry retries only ErrBackendUnavailable; every other error is permanent.
func (p *InstrumentedEmbedder) embedWithRetry(
	ctx context.Context, chunk []string,
) (domain.BatchEmbeddingResult, error) {
	var res domain.BatchEmbeddingResult

	op := func() error {
		r, err := p.inner.BatchEmbed(ctx, chunk)
		if err != nil {
			if errors.Is(err, domain.ErrBackendUnavailable) {
				return err //nolint:wrapcheck // wrapped by caller
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.EmbeddingRetriesTotal.WithLabelValues(p.provider, p.model).Inc()
		p.logger.Warn("Embedding backend unavailable, retrying",
			zap.String("provider", p.provider),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, p.newBackOff(ctx), notify); err != nil {
		return domain.BatchEmbeddingResult{}, err //nolint:wrapcheck // wrapped by caller
	}
	return res, nil
}

func (p *InstrumentedEmbedder) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.retry.InitialInterval > 0 {
		b.InitialInterval = p.retry.InitialInterval
	}
	if p.retry.MaxInterval > 0 {
		b.MaxInterval = p.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retry.MaxAttempts-1)), ctx)
}
