// Package billing reconciles Stripe subscription state and enforces page quotas.
package billing

import (
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
)

// Config holds Stripe configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceIDs      PriceIDs
}

// PriceIDs holds the Stripe price IDs of the built-in paid plans.
type PriceIDs struct {
	Starter string
	Pro     string
}

// StripeProvider defines the interface for Stripe API operations.
// This allows mocking in tests.
type StripeProvider interface {
	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// DefaultStripeProvider implements StripeProvider using the real Stripe SDK.
type DefaultStripeProvider struct{}

// CreateCheckoutSession creates a checkout session via Stripe SDK.
func (p *DefaultStripeProvider) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

// CreateCustomer creates a customer via Stripe SDK.
func (p *DefaultStripeProvider) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.New(params)
}

// GetCustomer retrieves a customer via Stripe SDK.
func (p *DefaultStripeProvider) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.Get(id, params)
}

// CreatePortalSession creates a billing portal session via Stripe SDK.
func (p *DefaultStripeProvider) CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return portalsession.New(params)
}

// Client starts checkouts and portal sessions for accounts.
type Client struct {
	provider StripeProvider
	catalog  *Catalog
	db       SubscriptionDB
}

// NewClient creates a new Stripe client. It sets the process-wide Stripe key.
func NewClient(cfg Config, catalog *Catalog, db SubscriptionDB) *Client {
	stripe.Key = cfg.SecretKey
	return NewClientWithProvider(catalog, db, &DefaultStripeProvider{})
}

// NewClientWithProvider creates a client with a custom provider (for testing).
func NewClientWithProvider(catalog *Catalog, db SubscriptionDB, provider StripeProvider) *Client {
	return &Client{
		provider: provider,
		catalog:  catalog,
		db:       db,
	}
}
