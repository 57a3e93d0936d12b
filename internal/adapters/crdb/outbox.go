package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

func (r *Repository) InsertOutbox(ctx context.Context, record domain.OutboxRecord) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6, $7)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey, record.CreatedAt)
	return translate(err, "insert outbox %s", record.EventType)
}

func (r *Repository) getUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, translate(err, "claim outbox")
	}
	defer rows.Close()

	var records []domain.OutboxRecord
	for rows.Next() {
		var rec domain.OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) markPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return translate(err, "mark outbox %s published", id)
}

// RelayOutbox claims up to limit unpublished records, oldest first, and hands
// each to publish. Records are marked published in the same transaction that
// claimed them. Relaying stops at the first publish failure so later records
// never overtake an earlier one. Concurrent relays skip each other's claims.
func (r *Repository) RelayOutbox(ctx context.Context, limit int, publish func(ctx context.Context, rec domain.OutboxRecord) error) (int, error) {
	var (
		published  int
		publishErr error
	)
	err := r.WithTx(ctx, func(tx domain.Repository) error {
		published, publishErr = 0, nil
		repo, ok := tx.(*Repository)
		if !ok {
			return errors.New("outbox relay needs a crdb transaction")
		}
		records, err := repo.getUnpublishedOutbox(ctx, limit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := publish(ctx, rec); err != nil {
				publishErr = errors.Wrapf(err, "publish outbox %s", rec.ID)
				return nil
			}
			if err := repo.markPublished(ctx, rec.ID, time.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return published, err
	}
	return published, publishErr
}
