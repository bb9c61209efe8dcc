package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/connector-orchestrator/internal/app/config"
	"github.com/connector-orchestrator/internal/app/connector"
	"github.com/connector-orchestrator/internal/domain"
	awsSM "github.com/connector-orchestrator/internal/infrastructure/aws/secretsmanager"
	githubInfra "github.com/connector-orchestrator/internal/infrastructure/github"
	"github.com/connector-orchestrator/internal/infrastructure/memory"
	pgRepo "github.com/connector-orchestrator/internal/infrastructure/postgres"
	redisInfra "github.com/connector-orchestrator/internal/infrastructure/redis"
	slackInfra "github.com/connector-orchestrator/internal/infrastructure/slack"
	grpcTransport "github.com/connector-orchestrator/internal/transport/grpc"
	httpTransport "github.com/connector-orchestrator/internal/transport/http"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/connector-orchestrator/pkg/resilience"
	"github.com/connector-orchestrator/pkg/tracing"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	serviceName     = "connector-orchestrator"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Configure(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("Server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(map[string]interface{}{
		"http_addr":      cfg.HTTPAddr,
		"grpc_port":      cfg.GRPCPort,
		"store_driver":   cfg.StoreDriver,
		"secrets_driver": cfg.SecretsDriver,
	}).Msg("Starting connector orchestrator")

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	secrets, err := buildSecrets(cfg)
	if err != nil {
		return err
	}

	deduper, closeRedis := buildDeduper(ctx, cfg)
	defer closeRedis()

	strategies := connector.NewRegistry(
		slackInfra.NewSlackClient(cfg.SlackBaseURL,
			slackInfra.WithRetry(cfg.SlackRetryMax, cfg.SlackRetryWait),
			slackInfra.WithRateLimit(cfg.SlackRateLimitRPS, cfg.SlackRateLimitBurst),
		),
		githubInfra.NewGitHubClient(cfg.GitHubBaseURL,
			githubInfra.WithRateLimit(cfg.GitHubRateLimitRPS, 5),
		),
	)

	breaker := resilience.DefaultSettings()
	breaker.Interval = cfg.CircuitBreakerInterval
	breaker.Timeout = cfg.CircuitBreakerTimeout

	executor := connector.NewExecutor(store, secrets, strategies, connector.ExecutorConfig{
		MaxAttempts: cfg.SyncMaxAttempts,
		BackoffBase: cfg.SyncBackoffBase,
		BackoffMax:  cfg.SyncBackoffMax,
		Breaker:     breaker,
	})
	serializer := connector.NewSerializer(executor, cfg.SyncJobTimeout)
	svc := connector.NewService(store, secrets, strategies, serializer, connector.WithDeleteTimeout(cfg.DeleteTimeout))
	dispatcher := connector.NewDispatcher(store, strategies, serializer, deduper, cfg.WebhookTimeout)
	reconciler := connector.NewReconciler(store, serializer, cfg.ReconcileInterval, cfg.ScheduledSyncInterval)

	router := httpTransport.NewRouter(
		httpTransport.NewHandler(svc, dispatcher),
		httpTransport.NewAuthMiddleware(httpTransport.NewTokenVerifier(cfg.JWTSecret)),
	)
	httpServer := httpTransport.NewHTTPServer(httpTransport.ServerConfig{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}, router)

	admin := grpcTransport.NewAdminServer(10, 10)
	lis, err := grpcTransport.Listen(cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reconciler.Start(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC admin server listening")
		if err := admin.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		admin.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
		}
		if err := serializer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Sync jobs did not finish before shutdown timeout")
		}
		return nil
	})

	return g.Wait()
}

func buildStore(ctx context.Context, cfg *config.Config) (domain.ConnectorStore, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn().Msg("Using in-memory connector store; state is lost on restart")
		return memory.NewConnectorStore(), func() {}, nil
	}

	db, err := pgRepo.InitDb(ctx, cfg.DBDSN, pgRepo.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}

	applied, err := pgRepo.RunMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("Database migrations complete")

	return pgRepo.NewConnectorRepository(db), func() { _ = db.Close() }, nil
}

func buildSecrets(cfg *config.Config) (domain.SecretsManager, error) {
	if cfg.SecretsDriver == config.SecretsDriverMemory {
		logger.Warn().Msg("Using in-memory secrets store; credentials are lost on restart")
		return memory.NewSecretsManager(), nil
	}

	awsCfg, err := config.LoadAWSConfig(cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return awsSM.NewClient(awsCfg, awsSM.RetryConfig{
		MaxAttempts: cfg.AWSRetryMaxAttempts,
		MaxBackoff:  cfg.AWSRetryMaxBackoff,
	}), nil
}

// buildDeduper connects to Redis for webhook event dedupe. Without Redis the
// dispatcher still works and relies on job coalescing alone.
func buildDeduper(ctx context.Context, cfg *config.Config) (*connector.EventDeduper, func()) {
	if cfg.RedisAddr == "" {
		return nil, func() {}
	}

	client, err := redisInfra.InitClient(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, webhook dedupe disabled")
		return nil, func() {}
	}
	return connector.NewEventDeduper(client, cfg.WebhookDedupeTTL), func() { _ = client.Close() }
}
