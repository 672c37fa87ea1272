package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/sirupsen/logrus"
)

// Status is the processor-reported subscription status.
type Status string

// Subscription statuses. A missing row is the implicit free tier.
const (
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusTrialing   Status = "trialing"
	StatusIncomplete Status = "incomplete"
)

// ParseStatus maps a Stripe status onto the statuses we persist.
// Stripe's incomplete_expired, unpaid and paused collapse onto the nearest state.
func ParseStatus(s string) Status {
	switch s {
	case "active":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "incomplete_expired":
		return StatusCanceled
	case "trialing":
		return StatusTrialing
	default:
		return StatusIncomplete
	}
}

// OptionalSubscription is either no subscription (implicit free tier) or a stored row.
type OptionalSubscription struct {
	sub *database.Subscription
}

// NoSubscription is the free tier with no processor linkage.
func NoSubscription() OptionalSubscription {
	return OptionalSubscription{}
}

// SomeSubscription wraps a stored row. A nil row is treated as none.
func SomeSubscription(sub *database.Subscription) OptionalSubscription {
	return OptionalSubscription{sub: sub}
}

// Get returns the row and whether one exists.
func (o OptionalSubscription) Get() (*database.Subscription, bool) {
	return o.sub, o.sub != nil
}

// PlanID returns the effective plan: free when there is no row.
func (o OptionalSubscription) PlanID() string {
	if o.sub == nil {
		return PlanFree
	}
	return o.sub.PlanID
}

// ReportedPeriod returns the processor period of sub when both bounds are
// known and ordered.
func ReportedPeriod(sub *database.Subscription) (Cycle, bool) {
	if sub == nil || sub.PeriodStart == nil || sub.PeriodEnd == nil {
		return Cycle{}, false
	}
	if !sub.PeriodEnd.After(*sub.PeriodStart) {
		return Cycle{}, false
	}
	return Cycle{Start: sub.PeriodStart.UTC(), End: sub.PeriodEnd.UTC()}, true
}

// Outcome describes what a transition did.
type Outcome string

// Transition outcomes. None of them is an error.
const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeStale   Outcome = "stale"
)

// SubscriptionDB is the persistence used by transitions.
type SubscriptionDB interface {
	GetSubscriptionByAccount(ctx context.Context, accountID uuid.UUID) (*database.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, subscriptionID string) (*database.Subscription, error)
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*database.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *database.Subscription) error
}

// StateMachine applies processor events to subscription rows. Every transition
// writes absolute values taken from the event, so replays converge.
type StateMachine struct {
	catalog *Catalog
	log     logrus.FieldLogger
}

// NewStateMachine creates a state machine over catalog. log may be nil.
func NewStateMachine(catalog *Catalog, log logrus.FieldLogger) *StateMachine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StateMachine{catalog: catalog, log: log}
}

// CheckoutCompleted is the payload of checkout.session.completed.
type CheckoutCompleted struct {
	CustomerID     string
	SubscriptionID string
	AccountID      string
	PlanHint       string
	PriceID        string
	Paid           bool
}

// SubscriptionChanged is the payload of customer.subscription.created/updated.
type SubscriptionChanged struct {
	CustomerID        string
	SubscriptionID    string
	Status            Status
	PriceID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted is the payload of customer.subscription.deleted.
type SubscriptionDeleted struct {
	CustomerID     string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// InvoicePayment is the payload of invoice.payment_succeeded/failed.
type InvoicePayment struct {
	CustomerID     string
	SubscriptionID string
}

// OnCheckoutCompleted links the account to its Stripe customer and subscription
// and sets the plan from the purchased price, then the plan hint, then free.
func (m *StateMachine) OnCheckoutCompleted(ctx context.Context, db SubscriptionDB, at time.Time, ev CheckoutCompleted) (Outcome, error) {
	log := m.log.WithFields(logrus.Fields{
		"customer_id":     ev.CustomerID,
		"subscription_id": ev.SubscriptionID,
		"account_id":      ev.AccountID,
	})

	sub, err := m.findForCheckout(ctx, db, ev)
	if err != nil {
		return "", err
	}
	if sub == nil {
		accountID, perr := uuid.Parse(ev.AccountID)
		if perr != nil {
			log.Warn("checkout completed for unknown account, ignoring")
			return OutcomeNoop, nil
		}
		sub = &database.Subscription{AccountID: accountID, PlanID: PlanFree}
	}
	if isStale(sub, at) {
		log.Info("stale checkout event, skipping")
		return OutcomeStale, nil
	}

	previousPlan := sub.PlanID
	if ev.SubscriptionID != "" && sub.StripeSubscriptionID != ev.SubscriptionID {
		// The period belonged to the previous subscription.
		sub.PeriodStart, sub.PeriodEnd = nil, nil
	}
	sub.StripeCustomerID = firstNonEmpty(ev.CustomerID, sub.StripeCustomerID)
	sub.StripeSubscriptionID = firstNonEmpty(ev.SubscriptionID, sub.StripeSubscriptionID)
	sub.PlanID = m.planForCheckout(log, ev)
	sub.Status = string(StatusIncomplete)
	if ev.Paid {
		sub.Status = string(StatusActive)
	}
	sub.CancelAtPeriodEnd = false
	sub.LastEventAt = timePtr(at)

	if err := db.UpsertSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to save subscription: %w", err)
	}
	if previousPlan != sub.PlanID {
		log.WithFields(logrus.Fields{"from": previousPlan, "to": sub.PlanID}).Info("plan changed")
	}
	return OutcomeApplied, nil
}

// OnSubscriptionUpdated overwrites status, plan and period from the event.
// A missing row is a no-op: updates may arrive before checkout completes.
func (m *StateMachine) OnSubscriptionUpdated(ctx context.Context, db SubscriptionDB, at time.Time, ev SubscriptionChanged) (Outcome, error) {
	log := m.log.WithFields(logrus.Fields{
		"customer_id":     ev.CustomerID,
		"subscription_id": ev.SubscriptionID,
	})

	sub, err := m.findLinked(ctx, db, ev.SubscriptionID, ev.CustomerID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		log.Info("subscription update for unknown subscription, ignoring")
		return OutcomeNoop, nil
	}
	if isStale(sub, at) {
		log.Info("stale subscription update, skipping")
		return OutcomeStale, nil
	}

	sub.StripeSubscriptionID = ev.SubscriptionID
	sub.StripeCustomerID = firstNonEmpty(ev.CustomerID, sub.StripeCustomerID)
	sub.Status = string(ev.Status)
	sub.PlanID = m.resolvePrice(log, ev.PriceID)
	sub.PeriodStart, sub.PeriodEnd = periodPtrs(ev.PeriodStart, ev.PeriodEnd)
	sub.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	sub.LastEventAt = timePtr(at)

	if err := db.UpsertSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to save subscription: %w", err)
	}
	return OutcomeApplied, nil
}

// OnSubscriptionDeleted drops the account back to the free plan.
func (m *StateMachine) OnSubscriptionDeleted(ctx context.Context, db SubscriptionDB, at time.Time, ev SubscriptionDeleted) (Outcome, error) {
	log := m.log.WithField("subscription_id", ev.SubscriptionID)

	sub, err := db.GetSubscriptionByStripeID(ctx, ev.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil {
		log.Info("deletion for unknown subscription, ignoring")
		return OutcomeNoop, nil
	}
	if isStale(sub, at) {
		log.Info("stale subscription deletion, skipping")
		return OutcomeStale, nil
	}

	sub.Status = string(StatusCanceled)
	sub.PlanID = PlanFree
	sub.CancelAtPeriodEnd = true
	if start, end := periodPtrs(ev.PeriodStart, ev.PeriodEnd); start != nil {
		sub.PeriodStart, sub.PeriodEnd = start, end
	}
	sub.LastEventAt = timePtr(at)

	if err := db.UpsertSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to save subscription: %w", err)
	}
	return OutcomeApplied, nil
}

// OnInvoicePaymentSucceeded recovers past_due and incomplete subscriptions.
func (m *StateMachine) OnInvoicePaymentSucceeded(ctx context.Context, db SubscriptionDB, at time.Time, ev InvoicePayment) (Outcome, error) {
	return m.applyInvoice(ctx, db, at, ev, func(current Status) Status {
		if current == StatusPastDue || current == StatusIncomplete {
			return StatusActive
		}
		return current
	})
}

// OnInvoicePaymentFailed marks the subscription past_due. A canceled
// subscription stays canceled.
func (m *StateMachine) OnInvoicePaymentFailed(ctx context.Context, db SubscriptionDB, at time.Time, ev InvoicePayment) (Outcome, error) {
	return m.applyInvoice(ctx, db, at, ev, func(current Status) Status {
		if current == StatusCanceled {
			return current
		}
		return StatusPastDue
	})
}

func (m *StateMachine) applyInvoice(ctx context.Context, db SubscriptionDB, at time.Time, ev InvoicePayment, next func(Status) Status) (Outcome, error) {
	log := m.log.WithField("subscription_id", ev.SubscriptionID)

	sub, err := db.GetSubscriptionByStripeID(ctx, ev.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil {
		log.Info("invoice for unknown subscription, ignoring")
		return OutcomeNoop, nil
	}
	if isStale(sub, at) {
		log.Info("stale invoice event, skipping")
		return OutcomeStale, nil
	}

	status := next(Status(sub.Status))
	if status == Status(sub.Status) {
		return OutcomeNoop, nil
	}

	sub.Status = string(status)
	sub.LastEventAt = timePtr(at)
	if err := db.UpsertSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to save subscription: %w", err)
	}
	return OutcomeApplied, nil
}

// findForCheckout looks up by subscription, then customer (first linkage only),
// then the account carried in the session metadata.
func (m *StateMachine) findForCheckout(ctx context.Context, db SubscriptionDB, ev CheckoutCompleted) (*database.Subscription, error) {
	sub, err := m.findLinked(ctx, db, ev.SubscriptionID, ev.CustomerID)
	if err != nil || sub != nil {
		return sub, err
	}

	accountID, perr := uuid.Parse(ev.AccountID)
	if perr != nil {
		return nil, nil
	}
	sub, err = db.GetSubscriptionByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

// findLinked resolves a row by Stripe subscription ID. The customer ID is only
// used for a row that has not been linked to any subscription yet.
func (m *StateMachine) findLinked(ctx context.Context, db SubscriptionDB, subscriptionID, customerID string) (*database.Subscription, error) {
	sub, err := db.GetSubscriptionByStripeID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub != nil {
		return sub, nil
	}

	sub, err = db.GetSubscriptionByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub != nil && sub.StripeSubscriptionID == "" {
		return sub, nil
	}
	return nil, nil
}

func (m *StateMachine) planForCheckout(log logrus.FieldLogger, ev CheckoutCompleted) string {
	if ev.PriceID != "" {
		if planID, ok := m.catalog.ResolvePlanID(ev.PriceID); ok {
			return planID
		}
		log.WithField("price_id", ev.PriceID).Warn("unmapped price on checkout, trying plan hint")
	}
	if ev.PlanHint != "" && m.catalog.Has(ev.PlanHint) {
		return ev.PlanHint
	}
	if ev.PlanHint != "" {
		log.WithField("plan_hint", ev.PlanHint).Warn("unknown plan hint, falling back to free")
	}
	return PlanFree
}

func (m *StateMachine) resolvePrice(log logrus.FieldLogger, priceID string) string {
	planID, ok := m.catalog.ResolvePlanID(priceID)
	if !ok {
		log.WithField("price_id", priceID).Warn("unmapped price, falling back to free")
	}
	return planID
}

// isStale reports whether an event at time at predates the last one applied.
func isStale(sub *database.Subscription, at time.Time) bool {
	return sub.LastEventAt != nil && !at.IsZero() && at.Before(*sub.LastEventAt)
}

func periodPtrs(start, end time.Time) (*time.Time, *time.Time) {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, nil
	}
	return timePtr(start), timePtr(end)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
