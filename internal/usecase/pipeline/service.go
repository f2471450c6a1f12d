// Package pipeline declares the receipt clustering assets and triggers runs of
// them through the orchestrator.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/metrics"
	"github.com/kailas-cloud/recluster/internal/orchestrator"
)

// Options wire the pipeline to its sources and embedding backend.
type Options struct {
	Embedders EmbedderFactory
	// EmbeddingID identifies the model behind Embedders (provider, model, dimensions,
	// instruction). A change forces the embeddings stale.
	EmbeddingID string
	TextFields  []string
	Scraped     SourceReader
	Additional  SourceReader
	Defaults    run.Config
}

// Service triggers pipeline runs.
type Service struct {
	store  MaterializationStore
	runs   RunRepository
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a pipeline service. Missing sources read as empty.
func New(store MaterializationStore, runs RunRepository, opts Options, logger *zap.Logger) *Service {
	if opts.Scraped == nil {
		opts.Scraped = emptySource{}
	}
	if opts.Additional == nil {
		opts.Additional = emptySource{}
	}
	return &Service{store: store, runs: runs, opts: opts, logger: logger, now: time.Now}
}

// Defaults returns the configured run configuration.
func (s *Service) Defaults() run.Config {
	cfg := s.opts.Defaults
	cfg.Force = nil
	return cfg
}

// ValidateConfig checks a run configuration before anything is executed.
func (s *Service) ValidateConfig(cfg run.Config) error {
	if err := reduceConfig(cfg).Validate(); err != nil {
		return err //nolint:wrapcheck // already wraps domain.ErrInvalidConfig
	}
	if err := clusterConfig(cfg).Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1, got %d", domain.ErrInvalidConfig, cfg.BatchSize)
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", domain.ErrInvalidConfig, cfg.Concurrency)
	}
	g, err := s.Graph(cfg)
	if err != nil {
		return err
	}
	for _, name := range cfg.Force {
		if !g.Has(name) {
			return fmt.Errorf("%w: %w: %q", domain.ErrInvalidConfig, domain.ErrUnknownAsset, name)
		}
	}
	return nil
}

// Trigger executes one run and returns its summary. Asset failures are part of
// the summary; the error covers invalid configuration and run bookkeeping.
func (s *Service) Trigger(ctx context.Context, cfg run.Config) (run.Run, error) {
	if err := s.ValidateConfig(cfg); err != nil {
		return run.Run{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return run.Run{}, fmt.Errorf("generate run id: %w", err)
	}

	rn := run.Run{
		ID:        id.String(),
		Status:    run.StatusRunning,
		Config:    cfg,
		Assets:    map[string]asset.Report{},
		CreatedAt: s.now().UTC(),
	}
	if err := s.runs.Save(ctx, rn); err != nil {
		return run.Run{}, fmt.Errorf("save run: %w", err)
	}
	log := s.logger.With(zap.String("run_id", rn.ID))
	log.Info("Run started",
		zap.Int("dimensions", cfg.Dimensions),
		zap.Int64("seed", cfg.Seed),
		zap.Int("min_cluster_size", cfg.MinClusterSize),
		zap.Int("min_samples", cfg.MinSamples),
		zap.Strings("force", cfg.Force),
	)

	g, err := s.Graph(cfg)
	if err != nil {
		return run.Run{}, err
	}
	res, err := orchestrator.NewEngine(g, s.store, s.logger).Run(ctx, orchestrator.RunOptions{
		RunID:       rn.ID,
		Concurrency: cfg.Concurrency,
		Force:       cfg.Force,
	})
	if err != nil {
		return run.Run{}, fmt.Errorf("run %s: %w", rn.ID, err)
	}

	// bookkeeping survives a cancelled run
	bg := context.WithoutCancel(ctx)
	rn.Status = res.Status
	rn.Assets = res.Assets
	rn.Order = res.Order
	rn.FinishedAt = s.now().UTC()
	rn.Rejected, rn.RejectedTotal = s.collectRejections(bg, res.Assets, log)

	if err := s.runs.Save(bg, rn); err != nil {
		return rn, fmt.Errorf("save run: %w", err)
	}
	if err := s.runs.Finish(bg, rn.ID); err != nil {
		return rn, fmt.Errorf("finish run: %w", err)
	}
	metrics.RunsTotal.WithLabelValues(string(rn.Status)).Inc()

	log.Info("Run summary",
		zap.String("status", string(rn.Status)),
		zap.Strings("recomputed", rn.Order),
		zap.Int("rejected", rn.RejectedTotal),
		zap.Duration("duration", rn.FinishedAt.Sub(rn.CreatedAt)),
	)
	return rn, nil
}

// Plan reports which assets a run with cfg would recompute.
func (s *Service) Plan(ctx context.Context, cfg run.Config) (map[string]asset.Report, error) {
	if err := s.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	g, err := s.Graph(cfg)
	if err != nil {
		return nil, err
	}
	plan, err := orchestrator.NewEngine(g, s.store, s.logger).Plan(ctx, cfg.Force)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return plan, nil
}

// collectRejections reads the rejections recorded by the validation
// materializations the run used, whether recomputed or reused.
func (s *Service) collectRejections(
	ctx context.Context, reports map[string]asset.Report, log *zap.Logger,
) ([]run.Rejection, int) {
	var out []run.Rejection
	total := 0
	for _, name := range []string{AssetValidatedScraped, AssetValidatedAdditional} {
		r := reports[name]
		if r.State != asset.StateMaterialized {
			continue
		}
		m, err := s.store.Get(ctx, name, r.ProducedBy)
		if err != nil {
			log.Warn("read rejections", zap.String("asset", name), zap.Error(err))
			continue
		}
		n, _ := strconv.Atoi(m.Diagnostics[diagRejected])
		total += n
		var stored []run.Rejection
		if raw := m.Diagnostics[diagRejections]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				log.Warn("corrupt rejections", zap.String("asset", name), zap.Error(err))
			}
		}
		out = append(out, stored...)
	}
	return out, total
}
