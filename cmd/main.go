/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, the
 * selected record store, the optional Redis and RabbitMQ connections, the ledger
 * and login services, the cron scheduler and the HTTP server. It wires everything
 * together, starts the service and shuts it down cleanly on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file during development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the postgres backend.
 * - github.com/redis/go-redis/v9: Shared failed-login counters and the login rate limiter.
 * - golang.org/x/sync/errgroup: Runs the HTTP server and the shutdown watcher.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/store"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// recordStore is what every backend provides: accounts, attempts and a Close.
type recordStore interface {
	store.AccountStore
	store.AttemptStore
	Close() error
}

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "ledger-service")
	slog.SetDefault(logger)
	logger.Info("starting ledger-service", "port", cfg.ServerPort, "store_backend", cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"store init failed\" backend=%s err=%v", cfg.StoreBackend, err)
	}
	defer func() {
		if err := records.Close(); err != nil {
			logger.Error("store close failed", "err", err)
		}
	}()

	var attempts store.AttemptStore = records
	var limiter app.RateLimiter
	if redisClient := connectRedis(ctx, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		attempts = store.NewRedisAttemptStore(redisClient, cfg.RedisKeyPrefix)
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix, app.LoginRatePolicy{
			ClientLimit:   cfg.LoginRateLimitPerMinute,
			IdentityLimit: cfg.LoginIdentityRateLimit,
			Window:        time.Minute,
		})
		logger.Info("failed-login counters and login rate limiting backed by redis")
	}

	// Initialize the RabbitMQ producer to publish ledger events.
	var events rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			defer producer.Close()
			events = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}

	numberGen, err := app.NewAccountNumberGenerator(cfg.AccountNumberPrefix)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid account number prefix\" err=%v", err)
	}

	hasher := app.NewBcryptHasher(cfg.BcryptCost)
	ledger := app.NewLedger(records, events, logger,
		app.WithAccountNumberGenerator(numberGen),
		app.WithRetryPolicy(cfg.LedgerMaxRetries, 25*time.Millisecond),
	)
	throttle := app.NewLoginThrottle(attempts, cfg.LoginMaxFailedAttempts, cfg.LockoutWindow(), logger)
	authenticator := app.NewAuthenticator(records, throttle, hasher, events, logger)
	banking := app.NewBankingService(ledger, hasher, logger)

	scheduler := app.NewScheduler(app.NewJobs(throttle, logger), logger, cfg.ThrottleSweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}
	defer func() { <-scheduler.Stop().Done() }()

	if cfg.JWTSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"JWT_SECRET not set; banking routes are unauthenticated\"")
	}
	router := api.NewRouter(api.NewHandlers(banking, authenticator), api.RouterOptions{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins(),
		RateLimiter:       limiter,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=http msg=\"server stopped with error\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore constructs the record store selected by STORE_BACKEND.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (recordStore, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		repo := store.NewPostgresRepository(dbpool, cfg.LockTimeout())
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		return repo, nil
	case config.BackendBadger:
		repo, err := store.OpenBadgerRepository(cfg.BadgerDir, cfg.LockTimeout(), logger)
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=bootstrap msg=\"badger store opened\" dir=%s", cfg.BadgerDir)
		return repo, nil
	default:
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		return store.NewMemoryStore(cfg.LockTimeout()), nil
	}
}

// connectRedis returns a pinged client, or nil when Redis is not configured or unreachable.
func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using store-backed attempts\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using store-backed attempts\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
