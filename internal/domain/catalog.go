package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the catalog's view of an event, as far as settlement cares.
type Event struct {
	ID    uuid.UUID
	Title string
	Venue string
	Date  time.Time
}

// Catalog is owned by the event catalog service. GetEvent returns ErrNotFound for unknown ids.
type Catalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
}
