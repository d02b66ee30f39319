package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-autoreply/internal/cache"
	"wa-autoreply/internal/config"
	"wa-autoreply/internal/handlers"
	"wa-autoreply/internal/httpserver"
	"wa-autoreply/internal/logging"
	"wa-autoreply/internal/metrics"
	"wa-autoreply/internal/nlu"
	"wa-autoreply/internal/policy"
	"wa-autoreply/internal/quota"
	"wa-autoreply/internal/repo"
	"wa-autoreply/internal/tenant"
	"wa-autoreply/internal/wa"
	"wa-autoreply/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wa-autoreply", "env", cfg.AppEnv, "database_driver", cfg.DatabaseDriver, "quota_backend", cfg.QuotaBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var counter quota.Counter = repository
	var redisClient *cache.Redis
	if cfg.QuotaBackend == config.QuotaBackendRedis {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			return fmt.Errorf("redis quota backend: %w", err)
		}
		counter = redisClient
	}
	tracker := quota.New(counter)

	nluClient := nlu.New(nlu.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.OpenAITimeout,
		Prompts: nlu.Prompts{
			System:   cfg.Prompts.System,
			Fallback: cfg.Prompts.FallbackReply,
			Empty:    cfg.Prompts.EmptyReply,
		},
	}, logger, metricRegistry)

	replyPolicy := policy.New(nluClient, policy.Config{
		FreeDailyLimit: cfg.FreeDailyLimit,
		LimitMessage:   cfg.Prompts.LimitReply,
	})

	waClient := wa.New(wa.Config{
		BaseURL:    cfg.WhatsAppGraphBaseURL,
		APIVersion: cfg.WhatsAppGraphAPIVersion,
		Timeout:    cfg.WhatsAppTimeout,
	}, logger, metricRegistry)

	processor := handlers.NewInboundProcessor(
		tenant.NewResolver(repository, logger),
		repository,
		tracker,
		replyPolicy,
		waClient,
		metricRegistry,
		logger,
	)
	webhookHandler := wa.NewWebhookHandler(logger, metricRegistry, cfg.WhatsAppAppSecret, cfg.WhatsAppVerifyToken, processor)

	httpSrv := httpserver.New(httpserver.Config{
		Addr:       cfg.HTTPListenAddr,
		BasePath:   cfg.PublicBasePath,
		AdminToken: cfg.AdminAPIToken,
	}, logger, metricRegistry, httpserver.Handlers{
		WhatsAppWebhook: webhookHandler,
	})
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository:     repository,
		Redis:          redisClient,
		Quota:          tracker,
		FreeDailyLimit: replyPolicy.Limit(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return repo.NewSQLite(ctx, cfg.DatabasePath, logger)
	default:
		return repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
}
