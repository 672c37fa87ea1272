package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
)

// Stripe event types handled by the reconciler.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Checkout session metadata keys.
const (
	MetadataAccountID = "account_id"
	MetadataPlanID    = "plan_id"
)

// Event is a verified Stripe event. Payload holds one of CheckoutCompleted,
// SubscriptionChanged, SubscriptionDeleted, PaymentSucceeded, PaymentFailed
// or Unknown.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Payload Payload
}

// Payload is the closed set of event bodies.
type Payload interface {
	eventPayload()
}

// PaymentSucceeded is invoice.payment_succeeded.
type PaymentSucceeded struct{ InvoicePayment }

// PaymentFailed is invoice.payment_failed.
type PaymentFailed struct{ InvoicePayment }

// Unknown is any event type we do not act on.
type Unknown struct {
	Raw json.RawMessage
}

func (CheckoutCompleted) eventPayload()   {}
func (SubscriptionChanged) eventPayload() {}
func (SubscriptionDeleted) eventPayload() {}
func (PaymentSucceeded) eventPayload()    {}
func (PaymentFailed) eventPayload()       {}
func (Unknown) eventPayload()             {}

// RelevantEventTypes returns the Stripe event types the endpoint should subscribe to.
func RelevantEventTypes() []string {
	return []string{
		EventCheckoutCompleted,
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventInvoicePaymentSucceeded,
		EventInvoicePaymentFailed,
	}
}

// ParseEvent decodes the object of a verified Stripe event into its payload type.
// Unknown types decode to Unknown without error.
func ParseEvent(event stripe.Event) (Event, error) {
	ev := Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Created == 0 {
		ev.Created = time.Time{}
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return ev, fmt.Errorf("decode checkout session: %w", err)
		}
		ev.Payload = checkoutFromSession(&session)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return ev, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Payload = changeFromSubscription(&sub)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return ev, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Payload = SubscriptionDeleted{
			CustomerID:     customerID(sub.Customer),
			SubscriptionID: sub.ID,
			PeriodStart:    unixTime(sub.CurrentPeriodStart),
			PeriodEnd:      unixTime(sub.CurrentPeriodEnd),
		}

	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return ev, fmt.Errorf("decode invoice: %w", err)
		}
		payment := InvoicePayment{CustomerID: customerID(invoice.Customer)}
		if invoice.Subscription != nil {
			payment.SubscriptionID = invoice.Subscription.ID
		}
		if ev.Type == EventInvoicePaymentSucceeded {
			ev.Payload = PaymentSucceeded{payment}
		} else {
			ev.Payload = PaymentFailed{payment}
		}

	default:
		ev.Payload = Unknown{Raw: raw}
	}

	return ev, nil
}

func checkoutFromSession(session *stripe.CheckoutSession) CheckoutCompleted {
	cc := CheckoutCompleted{
		CustomerID: customerID(session.Customer),
		AccountID:  session.ClientReferenceID,
		Paid: session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired,
	}
	if session.Subscription != nil {
		cc.SubscriptionID = session.Subscription.ID
	}
	if session.Metadata != nil {
		cc.AccountID = firstNonEmpty(session.Metadata[MetadataAccountID], cc.AccountID)
		cc.PlanHint = session.Metadata[MetadataPlanID]
	}
	// Line items are only present when the session was expanded.
	if session.LineItems != nil {
		for _, item := range session.LineItems.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				cc.PriceID = item.Price.ID
				break
			}
		}
	}
	return cc
}

func changeFromSubscription(sub *stripe.Subscription) SubscriptionChanged {
	sc := SubscriptionChanged{
		CustomerID:        customerID(sub.Customer),
		SubscriptionID:    sub.ID,
		Status:            ParseStatus(string(sub.Status)),
		PeriodStart:       unixTime(sub.CurrentPeriodStart),
		PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				sc.PriceID = item.Price.ID
				break
			}
		}
	}
	return sc
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
