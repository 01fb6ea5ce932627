package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecanturk/notify-dispatch/internal/config"
	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/events"
	"github.com/ecanturk/notify-dispatch/internal/handler"
	"github.com/ecanturk/notify-dispatch/internal/infra/postgresql"
	"github.com/ecanturk/notify-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/ecanturk/notify-dispatch/internal/infra/redis"
	"github.com/ecanturk/notify-dispatch/internal/observability"
	"github.com/ecanturk/notify-dispatch/internal/provider"
	"github.com/ecanturk/notify-dispatch/internal/repository"
	"github.com/ecanturk/notify-dispatch/internal/service"
	"github.com/ecanturk/notify-dispatch/internal/transport"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.RabbitMQURL != "" {
		rmq, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		publisher = rmq
	}
	defer publisher.Close() //nolint:errcheck

	router, err := buildProviderRouter(cfg)
	if err != nil {
		logger.Fatal("provider initialization failed", zap.Error(err))
	}

	notificationStore := repository.NewGormNotificationStore(db)
	attemptStore := repository.NewGormAttemptStore(db)

	engine, err := service.NewDispatchEngine(
		notificationStore,
		attemptStore,
		router,
		rateLimiter,
		publisher,
		cfg.ProviderTimeout(),
		service.RetryPolicy{
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
			MaxAttempts: cfg.MaxAttempts,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("dispatch engine initialization failed", zap.Error(err))
	}

	runner, err := service.NewRunner(notificationStore, engine, cfg.BatchLimit, cfg.DispatchParallelism, logger)
	if err != nil {
		logger.Fatal("dispatch runner initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	runner.SetMetrics(metrics)

	notificationService, err := service.NewNotificationService(notificationStore, cfg.MaxAttempts, logger)
	if err != nil {
		logger.Fatal("notification service initialization failed", zap.Error(err))
	}

	queryService, err := service.NewStatusQueryService(notificationStore, attemptStore)
	if err != nil {
		logger.Fatal("status query service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "notify-dispatch",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterNotificationRoutes(app, notificationService, queryService); err != nil {
		logger.Fatal("notification route registration failed", zap.Error(err))
	}
	if err := handler.RegisterDispatchRoutes(app, runner); err != nil {
		logger.Fatal("dispatch route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	if cfg.SchedulerMode == config.SchedulerModePoll {
		poller := service.NewPollTrigger(runner, cfg.PollInterval(), logger)
		g.Go(func() error {
			logger.Info("poll trigger started", zap.Duration("interval", cfg.PollInterval()))
			return poller.Start(groupCtx)
		})
	} else {
		logger.Info("external scheduler mode: dispatch runs via POST /v1/dispatch/run")
	}

	g.Go(func() error {
		logger.Info("notify-dispatch api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
	}
}

func buildProviderRouter(cfg *config.Config) (*provider.Router, error) {
	router := provider.NewRouter()

	if cfg.PostmarkToken != "" {
		postmarkProvider, err := provider.NewPostmarkProvider(cfg.PostmarkToken, "", cfg.PostmarkFrom)
		if err != nil {
			return nil, err
		}
		router.Register(domain.ChannelEmail, postmarkProvider)
	}

	if cfg.TwilioAccountSID != "" {
		twilioProvider, err := provider.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		if err != nil {
			return nil, err
		}
		router.Register(domain.ChannelSMS, twilioProvider)
	}

	// Channels without real credentials fall through to the webhook sink.
	if cfg.PostmarkToken == "" || cfg.TwilioAccountSID == "" {
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is required when Postmark or Twilio credentials are missing")
		}
		webhookProvider, err := provider.NewWebhookProvider(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		if cfg.PostmarkToken == "" {
			router.Register(domain.ChannelEmail, webhookProvider)
		}
		if cfg.TwilioAccountSID == "" {
			router.Register(domain.ChannelSMS, webhookProvider)
		}
	}

	return router, nil
}
