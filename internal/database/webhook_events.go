package database

import (
	"context"
	"fmt"
	"time"
)

// ApplyWebhookEventOnce records eventID and runs fn in the same transaction.
// If the event was already recorded, fn is not called and applied is false.
// A concurrent delivery of the same event blocks on the unique key until the
// first one commits or rolls back.
func (db *DB) ApplyWebhookEventOnce(ctx context.Context, eventID, eventType string, fn func(tx *DB) error) (applied bool, err error) {
	err = db.WithTx(ctx, func(tx *DB) error {
		tag, err := tx.q.Exec(ctx,
			`INSERT INTO applied_webhook_events (event_id, event_type)
			 VALUES ($1, $2)
			 ON CONFLICT (event_id) DO NOTHING`,
			eventID, eventType,
		)
		if err != nil {
			return fmt.Errorf("failed to record webhook event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return fn(tx)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// WebhookEventApplied reports whether eventID has been recorded.
func (db *DB) WebhookEventApplied(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := db.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_webhook_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	return exists, err
}

// PruneWebhookEvents deletes de-duplication records applied before cutoff.
func (db *DB) PruneWebhookEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.q.Exec(ctx,
		`DELETE FROM applied_webhook_events WHERE applied_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
