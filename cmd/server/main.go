package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/config"
	"github.com/taskbridge/taskbridge/internal/database"
	"github.com/taskbridge/taskbridge/internal/handlers"
	"github.com/taskbridge/taskbridge/internal/handlers/admin"
	"github.com/taskbridge/taskbridge/internal/logger"
	"github.com/taskbridge/taskbridge/internal/router"
	"github.com/taskbridge/taskbridge/internal/services/billing"
	"github.com/taskbridge/taskbridge/internal/services/engine"
	"github.com/taskbridge/taskbridge/internal/services/key"
	"github.com/taskbridge/taskbridge/internal/services/metrics"
	"github.com/taskbridge/taskbridge/internal/services/ratelimit"
	"github.com/taskbridge/taskbridge/internal/services/session"
	"github.com/taskbridge/taskbridge/internal/services/workspace"
)

func main() {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := database.Open(&database.Config{
		URL:             cfg.Database.URL,
		Path:            cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.MountPath, 0o755); err != nil {
		return fmt.Errorf("storage mount: %w", err)
	}

	keySvc := key.NewService(db, log)
	billingSvc := billing.NewService(db, log, billing.Pricing{
		InputPer1K:  cfg.Pricing.InputPer1K,
		OutputPer1K: cfg.Pricing.OutputPer1K,
	})

	eng := engine.NewClient(engine.ClientConfig{
		BaseURL: cfg.Engine.URL,
		APIKey:  cfg.Engine.APIKey,
		Timeout: cfg.Execute.MaxTimeout,
		Logger:  log,
	})

	cache, err := session.NewCache(eng, cfg.Storage.MountPath, cfg.Sessions.MaxCached, cfg.Sessions.TTL, log)
	if err != nil {
		return fmt.Errorf("session cache: %w", err)
	}
	audit, err := session.NewAuditStore(cfg.Storage.MountPath, log)
	if err != nil {
		return fmt.Errorf("session audit: %w", err)
	}

	workspaces := workspace.NewManager(cfg.Storage.MountPath, log)
	m := metrics.New(nil)

	var limiter ratelimit.RateLimiter
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Warn("redis unreachable, using in-memory rate limiter", zap.Error(err))
			limiter = ratelimit.NewInMemoryLimiter(log)
		} else {
			limiter = ratelimit.NewRedisLimiter(client, log)
		}
	} else {
		limiter = ratelimit.NewInMemoryLimiter(log)
	}

	handler := router.New(router.Deps{
		Config:  cfg,
		Logger:  log,
		Keys:    keySvc,
		Billing: billingSvc,
		Limiter: limiter,
		Execute: handlers.NewExecuteHandler(workspaces, cache, audit, billingSvc, m, handlers.ExecuteConfig{
			Sandbox:    cfg.Engine.Sandbox,
			Timeout:    cfg.Execute.Timeout,
			MaxTimeout: cfg.Execute.MaxTimeout,
			MaxTaskLen: cfg.Execute.MaxTaskLen,
			Model:      cfg.Pricing.Model,
		}, log),
		Files:      handlers.NewFilesHandler(workspaces, cfg.Storage.MaxUploadSize, log),
		Sessions:   handlers.NewSessionsHandler(cache, audit, log),
		Workspaces: handlers.NewWorkspacesHandler(workspaces, log),
		BillingAPI: handlers.NewBillingHandler(billingSvc, log),
		Health:     handlers.NewHealthHandler(db, cache, m, cfg.Storage.MountPath, log),
		AdminKeys:  admin.NewKeysHandler(keySvc, log),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("mount", cfg.Storage.MountPath),
			zap.Bool("open_mode", cfg.Auth.OpenMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", zap.Error(err))
	}

	// Flush live sessions to their sidecars so they resume on restart.
	cache.Close()

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.Close()
	}
	return nil
}
