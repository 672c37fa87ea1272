package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/stripe/stripe-go/v76"
)

// MockStripeProvider is a mock implementation of StripeProvider for testing.
type MockStripeProvider struct {
	CreateCheckoutSessionFn func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreateCustomerFn        func(params *stripe.CustomerParams) (*stripe.Customer, error)
	GetCustomerFn           func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreatePortalSessionFn   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// CreateCheckoutSession calls the mock function.
func (m *MockStripeProvider) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if m.CreateCheckoutSessionFn != nil {
		return m.CreateCheckoutSessionFn(params)
	}
	return &stripe.CheckoutSession{ID: "cs_mock123", URL: "https://checkout.stripe.com/test"}, nil
}

// CreateCustomer calls the mock function.
func (m *MockStripeProvider) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	if m.CreateCustomerFn != nil {
		return m.CreateCustomerFn(params)
	}
	return &stripe.Customer{ID: "cus_mock123"}, nil
}

// GetCustomer calls the mock function.
func (m *MockStripeProvider) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	if m.GetCustomerFn != nil {
		return m.GetCustomerFn(id, params)
	}
	return &stripe.Customer{ID: id}, nil
}

// CreatePortalSession calls the mock function.
func (m *MockStripeProvider) CreatePortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	if m.CreatePortalSessionFn != nil {
		return m.CreatePortalSessionFn(params)
	}
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/test"}, nil
}

// MockWebhookVerifier is a mock implementation of WebhookVerifier for testing.
type MockWebhookVerifier struct {
	ConstructEventFn func(payload []byte, header string, secret string) (stripe.Event, error)
}

// ConstructEvent calls the mock function.
func (m *MockWebhookVerifier) ConstructEvent(payload []byte, header string, secret string) (stripe.Event, error) {
	if m.ConstructEventFn != nil {
		return m.ConstructEventFn(payload, header, secret)
	}
	return stripe.Event{}, nil
}

// MemoryStore is an in-memory implementation of SubscriptionDB, LedgerDB,
// QuotaDB and EventStore for testing. Set Err to make every call fail.
type MemoryStore struct {
	mu       sync.Mutex
	applyMu  sync.Mutex
	accounts map[uuid.UUID]*database.Account
	subs     map[uuid.UUID]database.Subscription
	usage    []database.UsageRecord
	events   map[string]string
	nextID   int64
	writes   int

	Err error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*database.Account),
		subs:     make(map[uuid.UUID]database.Subscription),
		events:   make(map[string]string),
	}
}

// AddAccount stores an account created at createdAt and returns it.
func (s *MemoryStore) AddAccount(createdAt time.Time) *database.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &database.Account{ID: uuid.New(), ExternalID: uuid.NewString(), CreatedAt: createdAt}
	s.accounts[a.ID] = a
	return a
}

// GetAccountByID returns the account or nil.
func (s *MemoryStore) GetAccountByID(_ context.Context, id uuid.UUID) (*database.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// GetAccountByExternalID returns the account with the identity provider subject or nil.
func (s *MemoryStore) GetAccountByExternalID(_ context.Context, externalID string) (*database.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, a := range s.accounts {
		if a.ExternalID == externalID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// GetOrCreateAccount returns the account for externalID, creating it now if missing.
func (s *MemoryStore) GetOrCreateAccount(_ context.Context, externalID, email string) (*database.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, a := range s.accounts {
		if a.ExternalID == externalID {
			cp := *a
			return &cp, nil
		}
	}

	a := &database.Account{ID: uuid.New(), ExternalID: externalID, Email: email, CreatedAt: time.Now().UTC()}
	s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

// GetSubscriptionByAccount returns the account's row or nil.
func (s *MemoryStore) GetSubscriptionByAccount(_ context.Context, accountID uuid.UUID) (*database.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	sub, ok := s.subs[accountID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// GetSubscriptionByStripeID returns the row linked to subscriptionID or nil.
func (s *MemoryStore) GetSubscriptionByStripeID(_ context.Context, subscriptionID string) (*database.Subscription, error) {
	return s.find(func(sub database.Subscription) bool {
		return subscriptionID != "" && sub.StripeSubscriptionID == subscriptionID
	})
}

// GetSubscriptionByCustomerID returns the row linked to customerID or nil.
func (s *MemoryStore) GetSubscriptionByCustomerID(_ context.Context, customerID string) (*database.Subscription, error) {
	return s.find(func(sub database.Subscription) bool {
		return customerID != "" && sub.StripeCustomerID == customerID
	})
}

func (s *MemoryStore) find(match func(database.Subscription) bool) (*database.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, sub := range s.subs {
		if match(sub) {
			found := sub
			return &found, nil
		}
	}
	return nil, nil
}

// UpsertSubscription stores a copy of sub keyed by account. Like the
// Postgres store, it keeps a row stamped with a later event.
func (s *MemoryStore) UpsertSubscription(_ context.Context, sub *database.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for id, other := range s.subs {
		if id != sub.AccountID && sub.StripeSubscriptionID != "" && other.StripeSubscriptionID == sub.StripeSubscriptionID {
			return fmt.Errorf("duplicate stripe_subscription_id %s", sub.StripeSubscriptionID)
		}
	}
	now := time.Now()
	stored := *sub
	if existing, ok := s.subs[sub.AccountID]; ok {
		if existing.LastEventAt != nil && (sub.LastEventAt == nil || sub.LastEventAt.Before(*existing.LastEventAt)) {
			return nil
		}
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.subs[sub.AccountID] = stored
	s.writes++
	return nil
}

// InsertUsageRecord appends rec unless its source reference was seen for the account.
func (s *MemoryStore) InsertUsageRecord(_ context.Context, rec *database.UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for _, existing := range s.usage {
		if existing.AccountID == rec.AccountID && existing.SourceRef == rec.SourceRef {
			return false, nil
		}
	}
	s.nextID++
	stored := *rec
	stored.ID = s.nextID
	stored.RecordedAt = time.Now()
	s.usage = append(s.usage, stored)
	s.writes++
	return true, nil
}

// SumUsage sums records stored with exactly this window.
func (s *MemoryStore) SumUsage(_ context.Context, accountID uuid.UUID, start, end time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	total := 0
	for _, rec := range s.usage {
		if rec.AccountID == accountID && rec.CycleStart.Equal(start) && rec.CycleEnd.Equal(end) {
			total += rec.Amount
		}
	}
	return total, nil
}

// UsageRecords returns a copy of every stored record.
func (s *MemoryStore) UsageRecords() []database.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]database.UsageRecord(nil), s.usage...)
}

// ApplyOnce runs fn at most once per event ID. A failing fn leaves no trace.
func (s *MemoryStore) ApplyOnce(ctx context.Context, eventID, eventType string, fn func(db SubscriptionDB) error) (bool, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.Err != nil {
		s.mu.Unlock()
		return false, s.Err
	}
	if _, seen := s.events[eventID]; seen {
		s.mu.Unlock()
		return false, nil
	}
	snapshot := make(map[uuid.UUID]database.Subscription, len(s.subs))
	for k, v := range s.subs {
		snapshot[k] = v
	}
	s.events[eventID] = eventType
	s.writes++
	writes := s.writes
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.subs = snapshot
		delete(s.events, eventID)
		s.writes = writes - 1
		s.mu.Unlock()
		return false, err
	}
	return true, nil
}

// AppliedEvents returns the number of recorded event IDs.
func (s *MemoryStore) AppliedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Writes returns the number of successful mutations, including recorded event IDs.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
