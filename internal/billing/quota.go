package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/database"
)

// ErrAccountNotFound is returned when a quota operation names an unknown account.
var ErrAccountNotFound = errors.New("account not found")

// QuotaDB defines the database operations needed by Enforcer.
type QuotaDB interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*database.Account, error)
	GetSubscriptionByAccount(ctx context.Context, accountID uuid.UUID) (*database.Subscription, error)
}

// Enforcer answers "may this account consume N pages now?" from persisted state.
type Enforcer struct {
	db      QuotaDB
	ledger  *Ledger
	catalog *Catalog
	metrics *Metrics
	now     func() time.Time
}

// NewEnforcer creates a quota enforcer.
func NewEnforcer(db QuotaDB, ledger *Ledger, catalog *Catalog, metrics *Metrics) *Enforcer {
	return &Enforcer{
		db:      db,
		ledger:  ledger,
		catalog: catalog,
		metrics: metrics,
		now:     time.Now,
	}
}

// Snapshot is an account's current plan and usage.
type Snapshot struct {
	AccountID uuid.UUID `json:"account_id"`
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status,omitempty"`
	Usage
}

// Decision is the result of a quota check. Denials are not errors.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Reason   string   `json:"reason,omitempty"`
	Required int      `json:"required"`
	Snapshot Snapshot `json:"usage"`
}

// Recording is the result of appending usage after a metered operation.
type Recording struct {
	Recorded bool     `json:"recorded"`
	Snapshot Snapshot `json:"usage"`
}

// Snapshot returns the account's usage in its current cycle.
func (e *Enforcer) Snapshot(ctx context.Context, accountID uuid.UUID) (*Snapshot, error) {
	account, sub, err := e.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(ctx, account, sub)
}

// CheckAndReserve checks whether requiredPages fit in the remaining credit.
// It does not hold the credit: consumption is recorded by Record once the
// work has completed, so concurrent checks can overdraw slightly.
func (e *Enforcer) CheckAndReserve(ctx context.Context, accountID uuid.UUID, requiredPages int) (*Decision, error) {
	if requiredPages < 0 {
		return nil, ErrInvalidAmount
	}

	snap, err := e.Snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	d := &Decision{Allowed: true, Required: requiredPages, Snapshot: *snap}
	if snap.Remaining < requiredPages {
		d.Allowed = false
		d.Reason = fmt.Sprintf(
			"insufficient credits: %d pages remaining, %d required (plan %s, resets %s)",
			snap.Remaining, requiredPages, snap.PlanID, snap.Cycle.End.Format("2006-01-02"),
		)
	}
	e.metrics.quota(snap.PlanID, d.Allowed)
	return d, nil
}

// Record appends pages consumed by the operation identified by sourceRef to
// the account's current cycle. Replaying the same sourceRef is a no-op.
func (e *Enforcer) Record(ctx context.Context, accountID uuid.UUID, pages int, sourceRef string) (*Recording, error) {
	account, sub, err := e.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cycle := CycleFor(account.CreatedAt, sub, e.now())
	recorded, err := e.ledger.Append(ctx, accountID, cycle, pages, sourceRef)
	if err != nil {
		return nil, err
	}

	snap, err := e.snapshot(ctx, account, sub)
	if err != nil {
		return nil, err
	}
	return &Recording{Recorded: recorded, Snapshot: *snap}, nil
}

func (e *Enforcer) load(ctx context.Context, accountID uuid.UUID) (*database.Account, OptionalSubscription, error) {
	account, err := e.db.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, NoSubscription(), fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, NoSubscription(), fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	row, err := e.db.GetSubscriptionByAccount(ctx, accountID)
	if err != nil {
		return nil, NoSubscription(), fmt.Errorf("failed to load subscription: %w", err)
	}
	return account, SomeSubscription(row), nil
}

func (e *Enforcer) snapshot(ctx context.Context, account *database.Account, sub OptionalSubscription) (*Snapshot, error) {
	planID := e.catalog.Normalize(sub.PlanID())
	cycle := CycleFor(account.CreatedAt, sub, e.now())

	usage, err := e.ledger.Usage(ctx, account.ID, cycle, e.catalog.LimitFor(planID))
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{AccountID: account.ID, PlanID: planID, Usage: usage}
	if row, ok := sub.Get(); ok {
		snap.Status = row.Status
	}
	return snap, nil
}
