package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/audiogen/internal/auth"
	"github.com/makeasinger/audiogen/internal/client"
	"github.com/makeasinger/audiogen/internal/config"
	"github.com/makeasinger/audiogen/internal/handler"
	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/middleware"
	"github.com/makeasinger/audiogen/internal/provider"
	"github.com/makeasinger/audiogen/internal/server"
	"github.com/makeasinger/audiogen/internal/service"
	"github.com/makeasinger/audiogen/internal/store"
	ws "github.com/makeasinger/audiogen/internal/websocket"
	"github.com/makeasinger/audiogen/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatal(err, "failed to load config")
	}
	if err := log.Init(cfg.Server.LogLevel); err != nil {
		fatal(err, "failed to initialize logger")
	}

	// Catalog
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fatal(err, "failed to open catalog", "driver", cfg.Database.Driver)
	}
	if err := store.Migrate(db); err != nil {
		fatal(err, "failed to migrate catalog")
	}
	repo := store.NewGormRepository(db)

	// Artifact store
	storage, err := client.NewStorage(&cfg.Storage)
	if err != nil {
		fatal(err, "failed to initialize storage", "driver", cfg.Storage.Driver)
	}

	// Providers without credentials report themselves disabled and are skipped
	registry := provider.NewRegistry(
		provider.NewSuno(&cfg.Suno, log.WithName("suno")),
		provider.NewMusicGPT(&cfg.MusicGPT, cfg.Server.PublicURL, log.WithName("musicgpt")),
	)
	if len(registry.IDs()) == 0 {
		log.Info("Warning: no generation provider configured")
	}

	node, err := snowflake.NewNode(cfg.Jobs.NodeID)
	if err != nil {
		fatal(err, "invalid snowflake node", "nodeId", cfg.Jobs.NodeID)
	}

	// Redis backs rate limiting and the asynq dispatcher
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error(err, "redis not available")
	}

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	events := service.NewEventEmitter(repo, node, hub)

	var (
		dispatcher service.Dispatcher
		pool       *worker.Pool
	)
	switch cfg.Jobs.Dispatcher {
	case "local":
		pool = worker.NewPool(cfg.Jobs.Workers, cfg.Jobs.QueueSize)
		dispatcher = pool
	case "asynq":
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		dispatcher = worker.NewAsynqDispatcher(asynqClient)
	default:
		fatal(nil, "unsupported job dispatcher", "dispatcher", cfg.Jobs.Dispatcher)
	}

	// Orchestration
	gate := service.NewGate(repo, service.GateConfig{
		MaxRunning:     cfg.Jobs.MaxRunningPerOrg,
		InitialBackoff: cfg.Jobs.GateInitialBackoff,
		MaxBackoff:     cfg.Jobs.GateMaxBackoff,
		MaxAttempts:    cfg.Jobs.GateMaxAttempts,
	})
	enqueuer := service.NewEnqueuer(repo, registry, events, dispatcher).
		WithTextFilter(service.NewTermFilter(cfg.Jobs.BlockedTerms))
	aggregator := service.NewAggregator(repo, events)
	jobService := service.NewJobService(repo, events, aggregator)
	trackService := service.NewTrackService(repo, storage, cfg.Storage.SignedURLTTL)
	materializer := worker.NewMaterializer(repo, storage, nil, cfg.Jobs.DownloadAttempts)

	runner := worker.NewRunner(worker.RunnerDeps{
		Repo:         repo,
		Registry:     registry,
		Gate:         gate,
		Enqueuer:     enqueuer,
		Events:       events,
		Aggregator:   aggregator,
		Materializer: materializer,
		Dispatcher:   dispatcher,
	}, worker.RunnerConfig{
		PollInterval:    cfg.Jobs.PollInterval,
		PollTimeout:     cfg.Jobs.PollTimeout,
		PushTimeout:     cfg.Jobs.PushTimeout,
		PrepareAttempts: cfg.Jobs.PrepareAttempts,
		RetryBackoff:    time.Second,
	})

	var asynqServer *asynq.Server
	if pool != nil {
		pool.Start(runner.Run, runner.Expire, runner.FailPanicked)
	} else {
		asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Jobs.Workers,
			Queues: map[string]int{
				worker.QueueJobs: 1,
			},
			LogLevel: worker.AsynqLogLevel(strings.ToLower(cfg.Server.LogLevel)),
			Logger:   worker.NewAsynqLogger(log.WithName("asynq")),
		})
		if err := asynqServer.Start(worker.NewServeMux(runner.Run, runner.Expire, runner.FailPanicked)); err != nil {
			fatal(err, "failed to start asynq worker server")
		}
	}
	log.Info("job workers started", "dispatcher", cfg.Jobs.Dispatcher, "workers", cfg.Jobs.Workers, "providers", registry.IDs())

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Error(err, "JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
		}
	}

	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}

	health := handler.NewHealthHandler(map[string]handler.Check{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, registry.IDs())

	app := server.New(server.Options{
		Auth:           apiAuthMiddleware,
		RateLimiter:    middleware.NewRateLimiter(redisClient),
		EnqueuePerHour: cfg.RateLimit.EnqueuePerHour,
		RequestLog:     true,
		Debug:          strings.EqualFold(cfg.Server.LogLevel, "debug"),
		Jobs:           handler.NewJobHandler(enqueuer, jobService),
		Tracks:         handler.NewTrackHandler(trackService),
		Webhooks:       handler.NewWebhookHandler(registry, runner),
		Stream:         handler.NewStreamHandler(hub, jobService),
		Health:         health,
		AuthVerify:     authHandler,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error(err, "server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error(err, "server error")
	}

	if pool != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pool.Stop(stopCtx); err != nil {
			log.Error(err, "job workers did not stop in time")
		}
		cancel()
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	hub.Stop()
}

func fatal(err error, msg string, keysAndValues ...interface{}) {
	log.Error(err, msg, keysAndValues...)
	os.Exit(1)
}
