package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Subscription is the persisted billing state of one account.
// Period bounds and LastEventAt are nil until the processor reports them.
type Subscription struct {
	AccountID            uuid.UUID
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               string
	PlanID               string
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	CancelAtPeriodEnd    bool
	LastEventAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const subscriptionColumns = `account_id, stripe_customer_id, stripe_subscription_id, status, plan_id,
	current_period_start, current_period_end, cancel_at_period_end, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.AccountID, &s.StripeCustomerID, &s.StripeSubscriptionID, &s.Status, &s.PlanID,
		&s.PeriodStart, &s.PeriodEnd, &s.CancelAtPeriodEnd, &s.LastEventAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// forUpdate locks the selected row when db is bound to a transaction, so
// concurrent webhook applications for one subscription run one after another.
func (db *DB) forUpdate() string {
	if db.inTx {
		return " FOR UPDATE"
	}
	return ""
}

// GetSubscriptionByAccount returns the account's subscription row, or nil if it has none.
func (db *DB) GetSubscriptionByAccount(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	return scanSubscription(db.q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`+db.forUpdate(),
		accountID,
	))
}

// GetSubscriptionByStripeID looks a row up by Stripe subscription ID.
func (db *DB) GetSubscriptionByStripeID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return scanSubscription(db.q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`+db.forUpdate(),
		subscriptionID,
	))
}

// GetSubscriptionByCustomerID looks a row up by Stripe customer ID.
func (db *DB) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	if customerID == "" {
		return nil, nil
	}
	return scanSubscription(db.q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE stripe_customer_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`+db.forUpdate(),
		customerID,
	))
}

// UpsertSubscription writes every mutable field of sub, keyed by account.
// A row already stamped with a later event is left untouched.
func (db *DB) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := db.q.Exec(ctx,
		`INSERT INTO subscriptions (account_id, stripe_customer_id, stripe_subscription_id, status, plan_id,
		                            current_period_start, current_period_end, cancel_at_period_end, last_event_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (account_id) DO UPDATE SET
		     stripe_customer_id = EXCLUDED.stripe_customer_id,
		     stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		     status = EXCLUDED.status,
		     plan_id = EXCLUDED.plan_id,
		     current_period_start = EXCLUDED.current_period_start,
		     current_period_end = EXCLUDED.current_period_end,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     last_event_at = EXCLUDED.last_event_at,
		     updated_at = NOW()
		 WHERE subscriptions.last_event_at IS NULL
		    OR subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		sub.AccountID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Status, sub.PlanID,
		sub.PeriodStart, sub.PeriodEnd, sub.CancelAtPeriodEnd, sub.LastEventAt,
	)
	return err
}
