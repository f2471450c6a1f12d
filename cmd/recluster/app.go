package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/config"
	"github.com/kailas-cloud/recluster/internal/db"
	"github.com/kailas-cloud/recluster/internal/db/memory"
	dbRedis "github.com/kailas-cloud/recluster/internal/db/redis"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/metrics"
	"github.com/kailas-cloud/recluster/internal/repository/embcache"
	"github.com/kailas-cloud/recluster/internal/repository/materialization"
	"github.com/kailas-cloud/recluster/internal/repository/runs"
	"github.com/kailas-cloud/recluster/internal/transport/hashing"
	openaiEmb "github.com/kailas-cloud/recluster/internal/transport/openai"
	embeddinguc "github.com/kailas-cloud/recluster/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/recluster/internal/usecase/health"
	pipelineuc "github.com/kailas-cloud/recluster/internal/usecase/pipeline"
	queryuc "github.com/kailas-cloud/recluster/internal/usecase/query"
)

// app is the composition root shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    db.Store
	pipeline *pipelineuc.Service
	query    *queryuc.Service
	health   *healthuc.Service
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("create database store: %w", err)
	}
	timeout := time.Duration(cfg.Database.ReadinessTimeout) * time.Second
	if err := store.WaitForReady(ctx, timeout); err != nil {
		store.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}

	mats := materialization.New(store, cfg.Storage.KeyPrefix,
		time.Duration(cfg.Pipeline.LockTimeoutSec)*time.Second)
	runRepo := runs.New(store, cfg.Storage.KeyPrefix)
	embedders := embedderFactory(cfg, store, logger)

	pipelineSvc := pipelineuc.New(mats, runRepo, pipelineuc.Options{
		Embedders:   embedders,
		EmbeddingID: embeddingID(cfg.Embedding),
		TextFields:  cfg.Embedding.TextFields,
		Scraped: pipelineuc.ScrapedFiles{
			Receipts: cfg.Sources.ScrapedReceipts,
			Fiscal:   cfg.Sources.ScrapedFiscal,
		},
		Additional: pipelineuc.AdditionalFiles{
			Checks: cfg.Sources.AdditionalChecks,
			Items:  cfg.Sources.AdditionalItems,
		},
		Defaults: defaultRunConfig(cfg),
	}, logger)

	queryEmbedder := embedders(cfg.Embedding.MaxBatchSize)
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		pipeline: pipelineSvc,
		query:    queryuc.New(mats, runRepo, queryEmbedder),
		health:   healthuc.New(store, newEmbeddingHealthChecker(queryEmbedder), runRepo),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func openStore(cfg config.Config) (db.Store, error) {
	switch cfg.Database.Driver {
	case "redis", "valkey":
		// rueidis speaks RESP3 to both servers.
		return dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func defaultRunConfig(cfg config.Config) run.Config {
	allowSingle := true
	if cfg.Clustering.AllowSingleCluster != nil {
		allowSingle = *cfg.Clustering.AllowSingleCluster
	}
	return run.Config{
		Dimensions:         cfg.Reduction.Dimensions,
		Method:             cfg.Reduction.Method,
		Seed:               cfg.Reduction.Seed,
		MinClusterSize:     cfg.Clustering.MinClusterSize,
		MinSamples:         cfg.Clustering.MinSamples,
		AllowSingleCluster: allowSingle,
		BatchSize:          cfg.Embedding.MaxBatchSize,
		Concurrency:        cfg.Pipeline.Concurrency,
	}
}

// embeddingID names everything that changes the vector of a text.
func embeddingID(e config.EmbeddingConfig) string {
	return e.Provider + "/" + e.Model + "/" + strconv.Itoa(e.Dimensions) + "/" + e.Instruction
}

// embedderFactory assembles the decorator chain: provider -> cached -> instrumented -> prompt.
func embedderFactory(cfg config.Config, store db.Store, logger *zap.Logger) pipelineuc.EmbedderFactory {
	e := cfg.Embedding

	var base domain.Embedder
	switch e.Provider {
	case "hashing":
		base = hashing.NewEmbedder(e.Dimensions)
	default:
		base = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     e.APIKey,
			BaseURL:    e.BaseURL,
			Model:      e.Model,
			Dimensions: e.Dimensions,
			Provider:   e.Provider,
			Logger:     logger,
		})
	}

	// The cache key carries the model so a model switch never reads stale vectors.
	// The prompt is applied outside the cache, so it is part of the cached text.
	cachePrefix := cfg.Storage.KeyPrefix + "emb:" + e.Provider + ":" + e.Model + ":" + strconv.Itoa(e.Dimensions) + ":"
	cached := embcache.New(base, store, cachePrefix, metrics.EmbeddingCacheTotal, logger)

	retry := embeddinguc.RetryPolicy{
		MaxAttempts:     e.Retry.MaxAttempts,
		InitialInterval: time.Duration(e.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(e.Retry.MaxIntervalMS) * time.Millisecond,
	}

	return func(maxBatchSize int) domain.Embedder {
		if maxBatchSize <= 0 || maxBatchSize > e.MaxBatchSize {
			maxBatchSize = e.MaxBatchSize
		}
		var embedder domain.Embedder = embeddinguc.NewInstrumentedEmbedder(
			cached, e.Provider, e.Model, maxBatchSize, retry, logger,
		)
		if e.Instruction != "" {
			embedder = domain.NewPromptEmbedder(embedder, e.Instruction)
		}
		return embedder
	}
}

// embeddingHealthChecker wraps domain.Embedder to implement health.EmbeddingChecker.
type embeddingHealthChecker struct {
	embedder domain.Embedder
}

func newEmbeddingHealthChecker(embedder domain.Embedder) *embeddingHealthChecker {
	return &embeddingHealthChecker{embedder: embedder}
}

func (h *embeddingHealthChecker) HealthCheck(ctx context.Context) error {
	if hc, ok := h.embedder.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	return nil
}
