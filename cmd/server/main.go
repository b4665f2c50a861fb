// Command server starts the answer grading HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ai "github.com/fairyhunter13/ai-answer-grader/internal/adapter/ai"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/cache"
	httpserver "github.com/fairyhunter13/ai-answer-grader/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/queue"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/queue/events"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-answer-grader/internal/app"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)
	skillRepo := postgres.NewSkillScoreRepo(pool)

	// Result cache (Redis)
	resultCache, err := cache.New(cfg.RedisURL, cfg.ResultCacheTTL, cfg.CostPerEmbedCall, cfg.CostPerLLMCall)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Event producer (Kafka/Redpanda); optional in dev without brokers
	var publisher domain.EventPublisher
	producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
	if err != nil {
		slog.Warn("event producer unavailable, events disabled", slog.Any("error", err))
	} else {
		publisher = producer
		defer func() { _ = producer.Close() }()
	}

	// Skill taxonomy
	taxonomy, err := config.LoadSkillTaxonomy(cfg.SkillsConfigPath)
	if err != nil {
		slog.Warn("skill taxonomy unavailable, skill validation disabled",
			slog.String("path", cfg.SkillsConfigPath), slog.Any("error", err))
	}

	// AI stack: shared client, per-dependency breakers, lazy cached
	// embedding provider shared process-wide.
	aiClient := ai.NewClient(cfg)
	embedBreaker := observability.NewCircuitBreaker("embeddings", cfg.BreakerMaxFailures, cfg.BreakerRecoveryTimeout)
	llmBreaker := observability.NewCircuitBreaker("llm", cfg.BreakerMaxFailures, cfg.BreakerRecoveryTimeout)
	provider := ai.NewLazyProvider(func() (domain.EmbeddingProvider, error) {
		return ai.NewEmbedCache(aiClient, cfg.EmbedCacheSize, cfg.EmbedCacheTTL), nil
	})
	embedGrader := ai.NewEmbeddingGrader(provider, embedBreaker)
	llmGrader := ai.NewLLMGrader(aiClient, llmBreaker, cfg)

	// Usecases
	skills := usecase.NewSkillScoreAggregator(skillRepo, taxonomy, cfg.SkillRecencyWeight)
	grading := usecase.NewGradingService(resultCache, embedGrader, llmGrader, skills, cfg)

	// Queue manager
	mgr := queue.NewManager(cfg, grading,
		queue.WithJobRepository(jobRepo),
		queue.WithEventPublisher(publisher),
		queue.WithSavingsFunc(func(ctx domain.Context) float64 {
			stats, err := resultCache.Stats(ctx)
			if err != nil {
				return 0
			}
			return stats.SavingsUSD
		}),
	)
	mgr.Start(ctx)
	defer mgr.Close()

	// Stuck-job sweeper
	if sweeper := app.NewStuckJobSweeper(jobRepo, mgr, cfg.StuckJobMaxAge, time.Minute); sweeper != nil {
		go sweeper.Run(ctx)
	}

	// HTTP server
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, resultCache)
	srv := httpserver.NewServer(cfg, grading, mgr, taxonomy, resultCache, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
