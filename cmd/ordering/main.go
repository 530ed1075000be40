package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ordering/internal/app/orders"
	"ordering/internal/config"
	"ordering/internal/dispatcher"
	bus_handler "ordering/internal/handler/bus"
	http_orders "ordering/internal/handler/http/orders"
	"ordering/internal/infrastructure/database"
	"ordering/internal/infrastructure/kafka"
	"ordering/internal/infrastructure/lock"
	"ordering/internal/infrastructure/membus"
	"ordering/internal/infrastructure/telemetry"
	"ordering/internal/outbox"
	sql_order_repo "ordering/internal/repository/order_repo/sqldb"
	sql_outbox_repo "ordering/internal/repository/outbox_repo/sqldb"
	"ordering/internal/saga"
	"ordering/internal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapConfig.Level = level
	}

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = appLogger.Sync() }()
	appLogger.Info("Ordering Service starting...",
		zap.String("store", cfg.StoreDriver),
		zap.String("bus", cfg.BusDriver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("Ordering Service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	appLogger.Info("Ordering Service stopped.")
}

func run(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, "ordering", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			appLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	db, dialect, err := openStore(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	locker, closeLocker, err := newLocker(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeLocker()

	orderRepository := sql_order_repo.NewOrderRepository(db, dialect, appLogger)
	outboxRepository := sql_outbox_repo.NewOutboxRepository(db, dialect, appLogger)

	d := dispatcher.New(appLogger.With(zap.String("component", "Dispatcher")))
	outbox.NewTranslator(util.GenerateUUID).Register(d)
	saga.NewCompensation(util.GenerateUUID).Register(d)

	orderService := orders.NewService(orderRepository, d, locker, orders.Config{
		ConflictRetries: cfg.ConflictRetries,
	}, appLogger.With(zap.String("component", "OrderService")))
	coordinator := saga.NewCoordinator(orderService, appLogger)
	integrationConsumer := bus_handler.NewIntegrationEventConsumer(coordinator,
		appLogger.With(zap.String("component", "IntegrationEventConsumer")))

	g, gctx := errgroup.WithContext(ctx)

	var producer outbox.Producer
	var inject http_orders.EventInjector
	switch cfg.BusDriver {
	case config.BusKafka:
		topics := append([]string{cfg.KafkaEventsTopic}, cfg.KafkaRepliesTopics...)
		if err := kafka.EnsureTopics(ctx, cfg.GetKafkaBrokers(), topics, cfg.KafkaPartitions, appLogger); err != nil {
			appLogger.Warn("Could not ensure Kafka topics, relying on broker auto-creation", zap.Error(err))
		}

		kafkaProducer := kafka.NewProducer(cfg.GetKafkaBrokers(), appLogger)
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			} else {
				appLogger.Info("Kafka producer closed.")
			}
		}()
		producer = kafkaProducer

		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:          cfg.GetKafkaBrokers(),
			Topics:           cfg.KafkaRepliesTopics,
			GroupID:          cfg.KafkaConsumerGroup,
			RetryInterval:    cfg.ConsumerRetryInterval,
			RetryMaxInterval: cfg.ConsumerRetryMaxInterval,
		}, appLogger.With(zap.String("component", "KafkaConsumer")))
		g.Go(func() error { return consumer.Run(gctx, integrationConsumer.HandleMessage) })

	case config.BusMemory:
		bus := membus.New(1024, cfg.ConsumerRetryInterval, appLogger.With(zap.String("component", "MemoryBus")))
		for _, topic := range cfg.KafkaRepliesTopics {
			bus.Subscribe(topic, integrationConsumer.HandleMessage)
		}
		eventLogger := appLogger.With(zap.String("component", "OrderEventsTap"))
		bus.Subscribe(cfg.KafkaEventsTopic, func(_ context.Context, message []byte) error {
			eventLogger.Info("Order integration event published", zap.ByteString("message", message))
			return nil
		})
		producer = bus
		inject = func(ctx context.Context, message []byte) error {
			return bus.Produce(ctx, cfg.KafkaRepliesTopics[0], nil, message)
		}
		g.Go(func() error {
			defer bus.Close()
			return bus.Run(gctx)
		})
	}

	hostname, _ := os.Hostname()
	processor := outbox.NewProcessor(outboxRepository, producer, outbox.Config{
		Owner:        hostname + "-" + util.GenerateUUID(),
		Topic:        cfg.KafkaEventsTopic,
		PollInterval: cfg.OutboxPollInterval,
		PollTimeout:  cfg.OutboxPollTimeout,
		BatchSize:    cfg.OutboxBatchSize,
		Lease:        cfg.OutboxLease,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		RetryBackoff: cfg.OutboxRetryBackoff,
		MaxBackoff:   cfg.OutboxMaxBackoff,
	}, appLogger)
	g.Go(func() error { return processor.Run(gctx) })
	appLogger.Info("Transactional Outbox sender started.")

	watcher := saga.NewTimeoutWatcher(orderService, saga.TimeoutConfig{
		SweepInterval:       cfg.SagaSweepInterval,
		ConfirmationTimeout: cfg.SagaConfirmationTimeout,
		GracePeriod:         cfg.SagaGracePeriod,
	}, appLogger)
	g.Go(func() error { return watcher.Run(gctx) })

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	http_orders.RegisterRoutes(r, orderService, outboxRepository, inject, appLogger)

	serverAddr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		appLogger.Info("Ordering Service listening", zap.String("address", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down Ordering Service...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) (*sql.DB, database.Dialect, error) {
	dialect, err := database.ParseDialect(cfg.StoreDriver)
	if err != nil {
		return nil, "", err
	}
	if dialect == database.SQLite {
		db, err := database.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return nil, database.SQLite, err
		}
		if err := database.MigrateSQLite(db, appLogger); err != nil {
			_ = db.Close()
			return nil, database.SQLite, fmt.Errorf("migrate sqlite: %w", err)
		}
		appLogger.Info("Using SQLite store", zap.String("path", cfg.SQLitePath))
		return db, database.SQLite, nil
	}

	appLogger.Info("Waiting for database to be available...")
	var db *sql.DB
	maxRetries := 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(ctx, cfg.Database())
		if err == nil {
			appLogger.Info("Successfully connected to PostgreSQL database!")
			break
		}
		appLogger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1), zap.Int("max_attempts", maxRetries), zap.Duration("retry_in", retryDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, database.Postgres, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	if db == nil {
		return nil, database.Postgres, fmt.Errorf("could not connect to database after %d attempts: %w", maxRetries, err)
	}

	appLogger.Info("Running database migrations...")
	if err := database.MigratePostgres(db, appLogger); err != nil {
		_ = db.Close()
		return nil, database.Postgres, err
	}
	return db, database.Postgres, nil
}

func newLocker(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		appLogger.Info("Using in-process order locks")
		return lock.NewLocalLocker(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
	}
	appLogger.Info("Using Redis order locks", zap.String("addr", cfg.RedisAddr))
	locker := lock.NewRedisLocker(client, "ordering:lock:", cfg.LockTTL, cfg.LockWait,
		appLogger.With(zap.String("component", "RedisLocker")))
	return locker, func() {
		if err := client.Close(); err != nil {
			appLogger.Error("Error closing Redis client", zap.Error(err))
		}
	}, nil
}
