package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one metered operation. The cycle window is fixed at insert time.
type UsageRecord struct {
	ID         int64
	AccountID  uuid.UUID
	SourceRef  string
	Amount     int
	CycleStart time.Time
	CycleEnd   time.Time
	RecordedAt time.Time
}

// InsertUsageRecord appends rec unless a record with the same (account, source_ref)
// exists. It reports whether a new row was written.
func (db *DB) InsertUsageRecord(ctx context.Context, rec *UsageRecord) (bool, error) {
	tag, err := db.q.Exec(ctx,
		`INSERT INTO usage_records (account_id, source_ref, amount, cycle_start, cycle_end)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id, source_ref) DO NOTHING`,
		rec.AccountID, rec.SourceRef, rec.Amount, rec.CycleStart, rec.CycleEnd,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SumUsage totals the records attributed to exactly the window [start, end).
func (db *DB) SumUsage(ctx context.Context, accountID uuid.UUID, start, end time.Time) (int, error) {
	var total int
	err := db.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM usage_records
		 WHERE account_id = $1 AND cycle_start = $2 AND cycle_end = $3`,
		accountID, start, end,
	).Scan(&total)
	return total, err
}

// ListUsageRecords returns an account's records for one window, newest first.
func (db *DB) ListUsageRecords(ctx context.Context, accountID uuid.UUID, start, end time.Time, limit int) ([]UsageRecord, error) {
	rows, err := db.q.Query(ctx,
		`SELECT id, account_id, source_ref, amount, cycle_start, cycle_end, recorded_at
		 FROM usage_records
		 WHERE account_id = $1 AND cycle_start = $2 AND cycle_end = $3
		 ORDER BY recorded_at DESC
		 LIMIT $4`,
		accountID, start, end, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.SourceRef, &r.Amount, &r.CycleStart, &r.CycleEnd, &r.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
