package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongoadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/mongo"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

const auditQueue = "settlement.audit.q"

// Every outbox event family except the notification requests.
var auditBindings = []string{"transaction.#", "dispute.#", "payout.#", "reconciliation.#"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("service", "audit-consumer")

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.Exchange, auditQueue, auditBindings, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Run(ctx, func(ctx context.Context, d amqp.Delivery) error {
			return audit.Record(ctx, toEntry(d))
		}); err != nil {
			logger.WithError(err).Error("audit consumer stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown audit consumer")
}

func toEntry(d amqp.Delivery) mongoadapter.Entry {
	entry := mongoadapter.Entry{
		DedupeKey:  d.MessageId,
		Action:     d.RoutingKey,
		OccurredAt: d.Timestamp,
		Payload:    d.Body,
	}
	if v, ok := d.Headers["aggregate_type"].(string); ok {
		entry.AggregateType = v
	}
	if v, ok := d.Headers["aggregate_id"].(string); ok {
		entry.AggregateID = v
	}
	return entry
}
