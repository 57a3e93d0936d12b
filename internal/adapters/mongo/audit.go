package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

// AuditLogger keeps an append-only trail of settlement events, keyed by the
// outbox dedupe key so broker redeliveries collapse into one entry.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	AggregateType string    `bson:"aggregate_type,omitempty"`
	AggregateID   string    `bson:"aggregate_id,omitempty"`
	OccurredAt    time.Time `bson:"occurred_at"`
	RecordedAt    time.Time `bson:"recorded_at"`
	Data          bson.M    `bson:"data"`
}

// Entry is one event as delivered by the broker.
type Entry struct {
	DedupeKey     string
	Action        string
	AggregateType string
	AggregateID   string
	OccurredAt    time.Time
	Payload       []byte
}

func (a *AuditLogger) Record(ctx context.Context, e Entry) error {
	if e.DedupeKey == "" {
		return errors.New("audit entry has no dedupe key")
	}
	data := bson.M{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			return errors.Wrapf(err, "decode %s payload", e.Action)
		}
	}
	entry := AuditLog{
		ID:            e.DedupeKey,
		Action:        e.Action,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		OccurredAt:    e.OccurredAt,
		RecordedAt:    time.Now().UTC(),
		Data:          data,
	}
	_, err := a.coll.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		a.logger.WithError(err).WithField("action", e.Action).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

func (a *AuditLogger) ListByAggregate(ctx context.Context, aggregateID string) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"aggregate_id": aggregateID},
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return logs, nil
}
