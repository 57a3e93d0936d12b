package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	EventTransactionCompleted = "transaction.completed"
	EventTransactionExpired   = "transaction.expired"
	EventDisputeOpened        = "dispute.opened"
	EventDisputeRejected      = "dispute.rejected"
	EventDisputeRefunded      = "dispute.refunded"
	EventPayoutRequested      = "payout.requested"
	EventPayoutStatusChanged  = "payout.status_changed"
	EventOrphanedPayment      = "reconciliation.orphaned_payment"
)

func NewOutboxRecord(aggregateType string, aggregateID uuid.UUID, eventType string, payload any, now time.Time) (OutboxRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxRecord{}, errors.Wrapf(err, "marshal %s payload", eventType)
	}
	id := uuid.New()
	return OutboxRecord{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     now,
		Status:        "NEW",
		DedupeKey:     eventType + ":" + id.String(),
	}, nil
}

// AppendOutbox records an event on tx so it commits or rolls back with the state change it describes.
func AppendOutbox(ctx context.Context, tx Repository, aggregateType string, aggregateID uuid.UUID, eventType string, payload any, now time.Time) error {
	rec, err := NewOutboxRecord(aggregateType, aggregateID, eventType, payload, now)
	if err != nil {
		return err
	}
	if err := tx.InsertOutbox(ctx, rec); err != nil {
		return errors.Wrapf(err, "append %s", eventType)
	}
	return nil
}
