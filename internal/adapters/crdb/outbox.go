package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
)

func (r *Repository) InsertOutbox(ctx context.Context, record ledger.OutboxRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicate, "outbox dedupe key %s", record.DedupeKey)
	}
	return err
}

// ClaimUnpublishedOutbox stamps a lease on up to limit NEW rows and returns
// them. SKIP LOCKED keeps concurrent relays on disjoint rows and the lease keeps
// a claimed row away from them until it runs out.
func (r *Repository) ClaimUnpublishedOutbox(ctx context.Context, limit int, lease time.Duration) ([]ledger.OutboxRecord, error) {
	now := time.Now().UTC()
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'NEW' AND (claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY created_at ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key, claimed_until
	`, limit, now.Add(lease), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ledger.OutboxRecord
	for rows.Next() {
		var rec ledger.OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey, &rec.ClaimedUntil)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}
