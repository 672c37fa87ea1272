package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// MaxWebhookBodyBytes caps the size of a webhook request body.
const MaxWebhookBodyBytes = 65536

// DefaultWebhookTimeout bounds the handling of a single delivery.
const DefaultWebhookTimeout = 5 * time.Second

// Rejection reasons.
const (
	ReasonInvalidSignature   = "invalid_signature"
	ReasonStorageUnavailable = "storage_unavailable"
)

// WebhookVerifier defines the interface for verifying webhook signatures.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, header string, secret string) (stripe.Event, error)
}

// DefaultWebhookVerifier uses the real Stripe webhook package. Events from
// other API versions are accepted; only the fields we read must be present.
type DefaultWebhookVerifier struct{}

// ConstructEvent verifies and constructs a Stripe event from webhook payload.
func (v *DefaultWebhookVerifier) ConstructEvent(payload []byte, header string, secret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// EventStore de-duplicates events. ApplyOnce runs fn at most once per event ID,
// atomically with recording the ID, and reports whether fn ran.
type EventStore interface {
	ApplyOnce(ctx context.Context, eventID, eventType string, fn func(db SubscriptionDB) error) (bool, error)
}

// PostgresEventStore is the EventStore backed by the applied_webhook_events table.
type PostgresEventStore struct {
	DB *database.DB
}

// ApplyOnce records the event and applies fn in one transaction.
func (s PostgresEventStore) ApplyOnce(ctx context.Context, eventID, eventType string, fn func(db SubscriptionDB) error) (bool, error) {
	return s.DB.ApplyWebhookEventOnce(ctx, eventID, eventType, func(tx *database.DB) error {
		return fn(tx)
	})
}

// Result is the outcome of handling one delivery.
type Result struct {
	Accepted bool
	Reason   string
	EventID  string
	Type     string
	// Duplicate is set when the event ID had already been applied.
	Duplicate bool
	Outcome   Outcome
}

// Reconciler verifies Stripe deliveries and applies them to subscription state.
type Reconciler struct {
	secret   string
	verifier WebhookVerifier
	store    EventStore
	machine  *StateMachine
	metrics  *Metrics
	log      logrus.FieldLogger
	timeout  time.Duration
}

// NewReconciler creates a reconciler using the real Stripe signature verifier.
func NewReconciler(secret string, store EventStore, machine *StateMachine, metrics *Metrics, log logrus.FieldLogger) *Reconciler {
	return NewReconcilerWithVerifier(secret, &DefaultWebhookVerifier{}, store, machine, metrics, log)
}

// NewReconcilerWithVerifier creates a reconciler with a custom verifier (for testing).
func NewReconcilerWithVerifier(secret string, verifier WebhookVerifier, store EventStore, machine *StateMachine, metrics *Metrics, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		secret:   secret,
		verifier: verifier,
		store:    store,
		machine:  machine,
		metrics:  metrics,
		log:      log,
		timeout:  DefaultWebhookTimeout,
	}
}

// SetTimeout overrides the per-delivery timeout. Non-positive values disable it.
func (r *Reconciler) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Handle verifies, de-duplicates and applies one delivery. Only a bad
// signature or a storage failure is rejected; Stripe retries rejected
// deliveries, and nothing else would change on a retry.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) Result {
	raw, err := r.verifier.ConstructEvent(payload, signature, r.secret)
	if err != nil {
		r.log.WithError(err).Warn("webhook signature verification failed")
		r.metrics.webhook("", ReasonInvalidSignature)
		return Result{Reason: ReasonInvalidSignature}
	}

	res := r.handleEvent(ctx, raw)
	if res.Accepted {
		r.metrics.webhook(res.Type, resultLabel(res))
	} else {
		r.metrics.webhook(res.Type, res.Reason)
	}
	return res
}

func (r *Reconciler) handleEvent(ctx context.Context, raw stripe.Event) Result {
	res := Result{EventID: raw.ID, Type: string(raw.Type)}
	log := r.log.WithFields(logrus.Fields{
		"event_id":   raw.ID,
		"event_type": raw.Type,
	})

	event, err := ParseEvent(raw)
	if err != nil {
		log.WithError(err).Error("malformed webhook payload, acknowledging")
		res.Accepted = true
		return res
	}
	if _, ok := event.Payload.(Unknown); ok {
		log.Debug("ignoring unhandled event type")
		res.Accepted = true
		return res
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	applied, err := r.store.ApplyOnce(ctx, event.ID, event.Type, func(db SubscriptionDB) error {
		outcome, err := r.dispatch(ctx, db, event)
		res.Outcome = outcome
		return err
	})
	if err != nil {
		log.WithError(err).Error("failed to apply webhook event")
		res.Reason = ReasonStorageUnavailable
		res.Outcome = ""
		return res
	}

	res.Accepted = true
	if !applied {
		log.Info("duplicate webhook event ignored")
		res.Duplicate = true
		return res
	}
	log.WithField("outcome", res.Outcome).Info("webhook event processed")
	return res
}

func (r *Reconciler) dispatch(ctx context.Context, db SubscriptionDB, event Event) (Outcome, error) {
	switch p := event.Payload.(type) {
	case CheckoutCompleted:
		return r.machine.OnCheckoutCompleted(ctx, db, event.Created, p)
	case SubscriptionChanged:
		return r.machine.OnSubscriptionUpdated(ctx, db, event.Created, p)
	case SubscriptionDeleted:
		return r.machine.OnSubscriptionDeleted(ctx, db, event.Created, p)
	case PaymentSucceeded:
		return r.machine.OnInvoicePaymentSucceeded(ctx, db, event.Created, p.InvoicePayment)
	case PaymentFailed:
		return r.machine.OnInvoicePaymentFailed(ctx, db, event.Created, p.InvoicePayment)
	default:
		return OutcomeNoop, nil
	}
}

func resultLabel(res Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Outcome != "":
		return string(res.Outcome)
	default:
		return "ignored"
	}
}

// WebhookHandler serves the Stripe webhook endpoint.
type WebhookHandler struct {
	reconciler *Reconciler
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// ServeHTTP handles incoming Stripe webhooks.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	res := h.reconciler.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case res.Accepted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
	case res.Reason == ReasonInvalidSignature:
		http.Error(w, "invalid signature", http.StatusBadRequest)
	default:
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}
}
