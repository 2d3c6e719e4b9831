/**
 * @description
 * This is the main entry point for the settlement engine. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, repositories,
 * the core application service, the retry sweep scheduler, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/jobs,
 *   internal/store: Internal packages for the service.
 * - pkg/gatewayclient, pkg/tenantclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/api"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/app"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/config"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/jobs"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/gatewayclient"
	rmrabbit "github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/rabbitmq"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/tenantclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish settlement events. A broker
	// outage at startup degrades to a no-op publisher rather than preventing
	// boot; the engine's financial writes do not depend on the broker.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment gateway and tenant configuration clients.
	gatewayClient := gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)
	tenantClient := tenantclient.NewClient(cfg.TenantServiceURL, cfg.TenantServiceAPIKey)

	// Redis backs ingest rate limiting. Optional: a missing or unreachable
	// Redis disables throttling but not ingestion.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; ingest rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; ingest rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; ingest rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(
		repository,
		gatewayClient,
		tenantClient,
		producer,
		app.Settings{
			DefaultPlatformFeePercent: cfg.DefaultPlatformFeePercent,
			RetryBase:                 time.Duration(cfg.RetryBaseSeconds) * time.Second,
			RetryCap:                  time.Duration(cfg.RetryCapSeconds) * time.Second,
			RetryMaxAttempts:          cfg.RetryMaxAttempts,
		},
	)

	var rateLimiter *app.RedisIngestRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisIngestRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers and router.
	settlementHandlers := api.NewSettlementHandlers(settlementService, rateLimiter, cfg.IngestRateLimitPerMinute)

	router := chi.NewRouter()
	router.Mount("/settlement", api.SettlementRoutes(settlementHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	// Start the retry sweep scheduler.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	sweepJobs := jobs.NewJobs(settlementService, logger, cfg.SweepBatchLimit)
	scheduler := jobs.NewScheduler(sweepJobs, logger, cfg.SweepSchedule)
	scheduler.Start()
	defer scheduler.Stop()

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
