package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/sirupsen/logrus"
)

// ErrInvalidAmount is returned for non-positive amounts or an empty source reference.
var ErrInvalidAmount = errors.New("usage amount must be positive and carry a source reference")

// LedgerDB defines the database operations needed by Ledger.
type LedgerDB interface {
	InsertUsageRecord(ctx context.Context, rec *database.UsageRecord) (bool, error)
	SumUsage(ctx context.Context, accountID uuid.UUID, start, end time.Time) (int, error)
}

// UsageCache caches per-cycle usage sums. Every cycle carries a generation
// that InvalidateUsage advances; SetUsage must drop a sum read under an older
// generation, so a reader that raced an append never caches its stale total.
type UsageCache interface {
	// GetUsage returns the cached sum, or ok=false and the generation to pass to SetUsage.
	GetUsage(ctx context.Context, accountID uuid.UUID, cycle Cycle) (used int, gen int64, ok bool, err error)
	SetUsage(ctx context.Context, accountID uuid.UUID, cycle Cycle, used int, gen int64) error
	InvalidateUsage(ctx context.Context, accountID uuid.UUID, cycle Cycle) error
}

// Usage is the derived credit view for one cycle.
type Usage struct {
	Cycle     Cycle `json:"cycle"`
	Used      int   `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
}

// Ledger is the append-only page ledger.
type Ledger struct {
	db      LedgerDB
	cache   UsageCache
	metrics *Metrics
	log     logrus.FieldLogger
}

// NewLedger creates a ledger. cache, metrics and log may be nil.
func NewLedger(db LedgerDB, cache UsageCache, metrics *Metrics, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{db: db, cache: cache, metrics: metrics, log: log}
}

// Usage sums the records attributed to exactly this cycle and compares them to limit.
func (l *Ledger) Usage(ctx context.Context, accountID uuid.UUID, cycle Cycle, limit int) (Usage, error) {
	used, err := l.used(ctx, accountID, cycle)
	if err != nil {
		return Usage{}, err
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Cycle: cycle, Used: used, Limit: limit, Remaining: remaining}, nil
}

// Append records amount pages for sourceRef in cycle. A repeated sourceRef for
// the same account is accepted without counting twice; recorded reports
// whether this call wrote the record.
func (l *Ledger) Append(ctx context.Context, accountID uuid.UUID, cycle Cycle, amount int, sourceRef string) (recorded bool, err error) {
	if amount <= 0 || sourceRef == "" {
		return false, ErrInvalidAmount
	}

	recorded, err = l.db.InsertUsageRecord(ctx, &database.UsageRecord{
		AccountID:  accountID,
		SourceRef:  sourceRef,
		Amount:     amount,
		CycleStart: cycle.Start,
		CycleEnd:   cycle.End,
	})
	if err != nil {
		return false, fmt.Errorf("failed to append usage: %w", err)
	}
	l.metrics.usage(amount, recorded)

	if !recorded {
		l.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"source_ref": sourceRef,
		}).Info("duplicate usage record ignored")
		return false, nil
	}

	if l.cache != nil {
		if err := l.cache.InvalidateUsage(ctx, accountID, cycle); err != nil {
			l.log.WithError(err).Warn("failed to invalidate usage cache")
		}
	}
	return true, nil
}

func (l *Ledger) used(ctx context.Context, accountID uuid.UUID, cycle Cycle) (int, error) {
	var gen int64
	fill := false
	if l.cache != nil {
		used, g, ok, err := l.cache.GetUsage(ctx, accountID, cycle)
		if err != nil {
			l.log.WithError(err).Warn("usage cache read failed, using database")
		} else if ok {
			return used, nil
		} else {
			gen, fill = g, true
		}
	}

	used, err := l.db.SumUsage(ctx, accountID, cycle.Start, cycle.End)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}

	if fill {
		if err := l.cache.SetUsage(ctx, accountID, cycle, used, gen); err != nil {
			l.log.WithError(err).Warn("failed to cache usage")
		}
	}
	return used, nil
}
