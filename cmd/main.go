/**
 * @description
 * This is the main entry point for the affiliate finder backend. It is
 * responsible for initializing all components of the service, including
 * configuration, database connection, external API clients, the message
 * broker, repositories, the core application service, the maintenance
 * scheduler, and the HTTP server. It wires everything together and starts
 * the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/apifyclient, pkg/firecrawlclient, pkg/stripeclient, pkg/rabbitmq: External service clients.
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lightwheel10/affiliate-finder-backend/internal/api"
	"github.com/lightwheel10/affiliate-finder-backend/internal/app"
	"github.com/lightwheel10/affiliate-finder-backend/internal/config"
	"github.com/lightwheel10/affiliate-finder-backend/internal/store"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/apifyclient"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/firecrawlclient"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/rabbitmq"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/stripeclient"
)

func main() {
	// Load .env for local development; in deployed environments the
	// variables come from the process environment.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment values\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting affiliate-finder-backend\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	// Initialize the RabbitMQ producer; fall back to a no-op publisher if
	// the broker is unavailable so searching still works.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis: snapshot caching and poll rate limiting degrade to
	// no-ops without it.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; snapshot cache and rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; snapshot cache and rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; snapshot cache and rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize external API clients.
	apifyClient := apifyclient.NewClient(cfg.ApifyAPIBaseURL, cfg.ApifyAPIToken, cfg.ApifyActorID)
	firecrawlClient := firecrawlclient.NewClient(cfg.FirecrawlAPIBaseURL, cfg.FirecrawlAPIKey)
	stripeClient := stripeclient.NewClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	var snapshots app.SnapshotCache
	var limiter api.RateLimiter
	if redisClient != nil {
		snapshots = app.NewRedisSnapshotCache(redisClient, cfg.RedisSnapshotPrefix)
		limiter = app.NewRedisPollRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the core application service with its dependencies.
	service := app.NewService(app.ServiceParams{
		Repo:            repository,
		Provider:        apifyClient,
		Enricher:        firecrawlClient,
		Snapshots:       snapshots,
		EventProducer:   producer,
		Checkout:        stripeClient,
		JobTimeout:      time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
		EnrichBudget:    time.Duration(cfg.EnrichmentBudgetSecs) * time.Second,
		MaxEnrichCycles: cfg.MaxEnrichingCycles,

		CheckoutSuccessURL: cfg.CheckoutSuccessURL,
		CheckoutCancelURL:  cfg.CheckoutCancelURL,
	})

	// Start the maintenance scheduler for ledger rollover and the pending
	// purchase sweep.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(service, logger), logger, cfg)
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and router.
	handlers := api.NewHandlers(service, limiter, stripeClient, cfg.PollRateLimitPerMinute)
	router := api.NewRouter(handlers, cfg.ClerkJWKSURL, cfg.ClerkAudience, cfg.ClerkIssuer, cfg.AllowedOrigins)

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
