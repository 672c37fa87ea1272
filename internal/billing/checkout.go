package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/stripe/stripe-go/v76"
)

var (
	// ErrInvalidPlan is returned when checkout targets a plan that cannot be purchased.
	ErrInvalidPlan = errors.New("plan cannot be purchased")
	// ErrNoCustomer is returned when an account has never been linked to a Stripe customer.
	ErrNoCustomer = errors.New("account has no billing customer")
)

// CheckoutRequest contains parameters for starting a subscription checkout.
type CheckoutRequest struct {
	AccountID  uuid.UUID
	Email      string
	PlanID     string
	SuccessURL string
	CancelURL  string
}

// StartCheckout creates a Stripe Checkout Session for the requested plan and
// returns its URL. The account's subscription row is marked incomplete until
// Stripe confirms the checkout by webhook.
func (c *Client) StartCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	priceID := c.catalog.PriceIDFor(req.PlanID)
	if req.PlanID == PlanFree || priceID == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidPlan, req.PlanID)
	}

	sub, err := c.db.GetSubscriptionByAccount(ctx, req.AccountID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}

	customerID, err := c.ensureCustomer(ctx, sub, req)
	if err != nil {
		return "", err
	}

	accountID := req.AccountID.String()
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(accountID),
		Metadata: map[string]string{
			MetadataAccountID: accountID,
			MetadataPlanID:    req.PlanID,
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				MetadataAccountID: accountID,
			},
		},
	}
	params.Context = ctx

	checkout, err := c.provider.CreateCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	if err := c.db.UpsertSubscription(ctx, pendingCheckout(sub, req.AccountID, customerID)); err != nil {
		return "", fmt.Errorf("failed to save subscription: %w", err)
	}

	return checkout.URL, nil
}

// PortalURL creates a billing portal session for the account's Stripe customer.
func (c *Client) PortalURL(ctx context.Context, accountID uuid.UUID, returnURL string) (string, error) {
	sub, err := c.db.GetSubscriptionByAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil || sub.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	portal, err := c.provider.CreatePortalSession(params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return portal.URL, nil
}

// ensureCustomer returns the account's Stripe customer, creating one when the
// account has none or its stored customer was deleted in Stripe.
func (c *Client) ensureCustomer(ctx context.Context, sub *database.Subscription, req CheckoutRequest) (string, error) {
	if sub != nil && sub.StripeCustomerID != "" {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		cust, err := c.provider.GetCustomer(sub.StripeCustomerID, params)
		switch {
		case err == nil && !cust.Deleted:
			return cust.ID, nil
		case err != nil && !isResourceMissing(err):
			return "", fmt.Errorf("failed to load customer: %w", err)
		}
	}

	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			MetadataAccountID: req.AccountID.String(),
		},
	}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	params.Context = ctx

	cust, err := c.provider.CreateCustomer(params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return cust.ID, nil
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// pendingCheckout returns the row to store while a checkout is open.
// A canceled subscription starts over as incomplete; live rows keep their state.
func pendingCheckout(sub *database.Subscription, accountID uuid.UUID, customerID string) *database.Subscription {
	if sub == nil {
		return &database.Subscription{
			AccountID:        accountID,
			StripeCustomerID: customerID,
			Status:           string(StatusIncomplete),
			PlanID:           PlanFree,
		}
	}

	next := *sub
	next.StripeCustomerID = customerID
	if Status(sub.Status) == StatusCanceled {
		next.Status = string(StatusIncomplete)
		next.PlanID = PlanFree
		next.StripeSubscriptionID = ""
		next.PeriodStart, next.PeriodEnd = nil, nil
		next.CancelAtPeriodEnd = false
	}
	return &next
}
