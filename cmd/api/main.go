package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/mongo"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/redis"
	stripeadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/stripe"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/disputes"
	httphandler "github.com/robertarktes/ticket-resale-settlement/internal/http"
	"github.com/robertarktes/ticket-resale-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/lifecycle"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payouts"
	"github.com/robertarktes/ticket-resale-settlement/internal/rateLimit"
	"github.com/robertarktes/ticket-resale-settlement/internal/reconciler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if err := cfg.RequireGateway(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if err := cfg.RequireAuth(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("service", cfg.ServiceName)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	catalog := mongoadapter.NewCatalogRepository(mongoClient.Database(cfg.MongoDB), logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	guard, err := redisadapter.NewWebhookGuard(redisCache, cfg.WebhookDedupeTTL, "stripe-webhook")
	if err != nil {
		log.Fatalf("failed to create webhook guard: %v", err)
	}
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(redisCache, logger)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn, rabbit.Exchange)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	gw, err := stripeadapter.NewGateway(stripeadapter.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Currency:      cfg.Currency,
		SessionTTL:    cfg.StaleAfter,
	})
	if err != nil {
		log.Fatalf("failed to create payment gateway: %v", err)
	}

	txns := lifecycle.NewManager(repo, gw, catalog, logger, lifecycle.Options{StaleAfter: cfg.StaleAfter, AppURL: cfg.AppURL})
	rec := reconciler.New(reconciler.Deps{
		Gateway:       gw,
		Transactions:  txns,
		Repo:          repo,
		Catalog:       catalog,
		Notifier:      rabbit.NewNotifier(rabbitPub),
		Guard:         guard,
		Logger:        logger,
		NotifyTimeout: cfg.NotificationTimeout,
	})

	handlers := httphandler.NewHandlers(httphandler.Services{
		Inventory:    inventory.NewService(repo, catalog),
		Transactions: txns,
		Disputes: disputes.NewCoordinator(repo, gw, logger, disputes.Options{
			GatewayTimeout: cfg.GatewayTimeout,
			RelistRefunded: cfg.RefundedTicketPolicy == config.PolicyRelist,
		}),
		Payouts:    payouts.NewManager(repo, logger),
		Reconciler: rec,
		Readiness: map[string]httphandler.ReadinessCheck{
			"crdb":  repo.Ping,
			"redis": redisCache.Ping,
			"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, readpref.Primary()) },
		},
	}, logger)

	r := httphandler.SetupRouter(handlers, logger, rl, idemp, httphandler.RouterConfig{
		JWTSecret:        []byte(cfg.JWTSecret),
		RateLimitPerUser: cfg.RateLimitPerUser,
		RateLimitPerIP:   cfg.RateLimitPerIP,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	rec.Wait()
	logger.Info("Server exiting")
}
