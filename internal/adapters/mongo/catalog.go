package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

// CatalogRepository reads the event catalog owned by the catalog service.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type EventDoc struct {
	ID          string    `bson:"_id"`
	Title       string    `bson:"title"`
	Description string    `bson:"description,omitempty"`
	Venue       string    `bson:"venue"`
	Date        time.Time `bson:"date"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var doc EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("event_id", id).Error("failed to get event")
		return nil, errors.Wrapf(err, "get event %s", id)
	}
	eventID, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "event %q has a malformed id", doc.ID)
	}
	return &domain.Event{ID: eventID, Title: doc.Title, Venue: doc.Venue, Date: doc.Date}, nil
}

// CreateEvent seeds the catalog for local runs and tests.
func (c *CatalogRepository) CreateEvent(ctx context.Context, event EventDoc) error {
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	if _, err := c.coll.InsertOne(ctx, event); err != nil {
		c.logger.WithError(err).WithField("event_id", event.ID).Error("failed to create event")
		return errors.Wrap(err, "create event")
	}
	return nil
}
