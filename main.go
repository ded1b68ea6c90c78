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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"pos_sales/api"
	"pos_sales/internal/auth"
	"pos_sales/internal/clients"
	"pos_sales/internal/config"
	"pos_sales/internal/events"
	"pos_sales/internal/idempotency"
	"pos_sales/internal/observability"
	"pos_sales/internal/sales"
	"pos_sales/internal/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error trying to start server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".")
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	store, directory, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.ClientsURL != "" {
		remote := clients.NewHTTPDirectory(cfg.ClientsURL, 3*time.Second)
		defer remote.Close()
		directory = remote
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	idem, closeIdem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIdem()

	// Inicialización de la lógica de ventas
	salesService := sales.NewService(store, logger,
		sales.WithClientDirectory(directory),
		sales.WithPublisher(publisher),
		sales.WithWalkInClient(cfg.WalkInClientID),
	)

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	api.InitRoutes(r, api.Dependencies{
		Service:        salesService,
		Issuer:         auth.NewIssuer(cfg.JWTSecret, 0),
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		CORSOrigins:    cfg.CORSOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(r, cfg.AppName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("events", cfg.EventsDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (sales.Store, clients.Directory, func(), error) {
	if cfg.StoreDriver == config.DriverPostgres {
		store, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	}

	store := sales.NewLocalStorage(cfg.LockTimeout)
	if cfg.CatalogFile != "" {
		f, err := os.Open(cfg.CatalogFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening catalog: %w", err)
		}
		defer f.Close()
		n, err := store.LoadCatalog(f)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("catalog loaded", zap.String("file", cfg.CatalogFile), zap.Int("products", n))
	}
	return store, memoryDirectory(cfg), func() {}, nil
}

// memoryDirectory knows the walk-in client plus CLIENT_IDS.
func memoryDirectory(cfg config.Config) clients.Static {
	return clients.NewStatic(append([]int64{cfg.WalkInClientID}, cfg.ClientIDs...)...)
}

func openPublisher(cfg config.Config) (events.Publisher, error) {
	switch cfg.EventsDriver {
	case config.EventsKafka:
		return events.NewKafkaPublisher(cfg.KafkaBrokers), nil
	case config.EventsRabbitMQ:
		return events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
	default:
		return events.NewNopPublisher(), nil
	}
}

func openIdempotency(ctx context.Context, cfg config.Config) (idempotency.Store, func(), error) {
	if cfg.RedisAddress == "" {
		return idempotency.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect redis at %s: %w", cfg.RedisAddress, err)
	}
	return idempotency.NewRedisStore(rdb, cfg.AppName+":idempotency:"), func() { rdb.Close() }, nil
}
