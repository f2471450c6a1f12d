package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/config"
	logpkg "github.com/kailas-cloud/recluster/internal/logger"
	"github.com/kailas-cloud/recluster/internal/metrics"
	"github.com/kailas-cloud/recluster/internal/version"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting recluster",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("embedding_model", cfg.Embedding.Model),
	)

	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterPipelineMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return 1
	}
	defer a.Close()

	if err := NewRootCmd(version.String(), a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "recluster:", err)
		return 1
	}
	return 0
}
