package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"active":             StatusActive,
		"trialing":           StatusTrialing,
		"past_due":           StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCanceled,
		"incomplete_expired": StatusCanceled,
		"incomplete":         StatusIncomplete,
		"paused":             StatusIncomplete,
		"":                   StatusIncomplete,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseStatus(in), in)
	}
}

type machineFixture struct {
	ctx     context.Context
	store   *MemoryStore
	machine *StateMachine
	account *database.Account
}

func newMachineFixture() *machineFixture {
	store := NewMemoryStore()
	return &machineFixture{
		ctx:     context.Background(),
		store:   store,
		machine: NewStateMachine(testCatalog(), testLogger()),
		account: store.AddAccount(t0),
	}
}

func (f *machineFixture) row(t *testing.T) *database.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscriptionByAccount(f.ctx, f.account.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func (f *machineFixture) checkout(t *testing.T, at time.Time, ev CheckoutCompleted) Outcome {
	t.Helper()
	if ev.AccountID == "" {
		ev.AccountID = f.account.ID.String()
	}
	out, err := f.machine.OnCheckoutCompleted(f.ctx, f.store, at, ev)
	require.NoError(t, err)
	return out
}

func TestOnCheckoutCompleted_CreatesRow(t *testing.T) {
	f := newMachineFixture()

	out := f.checkout(t, t0, CheckoutCompleted{
		CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_starter", Paid: true,
	})
	assert.Equal(t, OutcomeApplied, out)

	row := f.row(t)
	assert.Equal(t, "cus_1", row.StripeCustomerID)
	assert.Equal(t, "sub_1", row.StripeSubscriptionID)
	assert.Equal(t, PlanStarter, row.PlanID)
	assert.Equal(t, string(StatusActive), row.Status)
	require.NotNil(t, row.LastEventAt)
	assert.True(t, row.LastEventAt.Equal(t0))
}

func TestOnCheckoutCompleted_PlanFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		priceID string
		hint    string
		want    string
	}{
		{"price wins over hint", "price_pro", PlanStarter, PlanPro},
		{"unmapped price uses hint", "price_legacy", PlanStarter, PlanStarter},
		{"no price uses hint", "", PlanPro, PlanPro},
		{"unknown hint falls back to free", "", "gold", PlanFree},
		{"nothing falls back to free", "", "", PlanFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMachineFixture()
			f.checkout(t, t0, CheckoutCompleted{
				CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: tt.priceID, PlanHint: tt.hint,
			})
			assert.Equal(t, tt.want, f.row(t).PlanID)
		})
	}
}

func TestOnCheckoutCompleted_UnpaidIsIncomplete(t *testing.T) {
	f := newMachineFixture()
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PlanHint: PlanPro})
	assert.Equal(t, string(StatusIncomplete), f.row(t).Status)
}

func TestOnCheckoutCompleted_UnknownAccountIsNoop(t *testing.T) {
	f := newMachineFixture()
	out, err := f.machine.OnCheckoutCompleted(f.ctx, f.store, t0, CheckoutCompleted{
		CustomerID: "cus_x", SubscriptionID: "sub_x", AccountID: "not-a-uuid",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, 0, f.store.Writes())
}

func TestOnCheckoutCompleted_LinksPendingRowByCustomer(t *testing.T) {
	f := newMachineFixture()
	require.NoError(t, f.store.UpsertSubscription(f.ctx, &database.Subscription{
		AccountID: f.account.ID, StripeCustomerID: "cus_1", Status: string(StatusIncomplete), PlanID: PlanFree,
	}))

	out, err := f.machine.OnCheckoutCompleted(f.ctx, f.store, t0, CheckoutCompleted{
		CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_pro", Paid: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	row := f.row(t)
	assert.Equal(t, "sub_1", row.StripeSubscriptionID)
	assert.Equal(t, PlanPro, row.PlanID)
}

func TestOnCheckoutCompleted_NewSubscriptionClearsOldPeriod(t *testing.T) {
	f := newMachineFixture()
	start, end := t0, t0.Add(days(30))
	require.NoError(t, f.store.UpsertSubscription(f.ctx, &database.Subscription{
		AccountID: f.account.ID, StripeCustomerID: "cus_1", StripeSubscriptionID: "sub_old",
		Status: string(StatusCanceled), PlanID: PlanFree, PeriodStart: &start, PeriodEnd: &end,
	}))

	f.checkout(t, t0.Add(days(40)), CheckoutCompleted{
		CustomerID: "cus_1", SubscriptionID: "sub_new", PriceID: "price_starter", Paid: true,
	})

	row := f.row(t)
	assert.Equal(t, "sub_new", row.StripeSubscriptionID)
	assert.Equal(t, string(StatusActive), row.Status)
	assert.Nil(t, row.PeriodStart)
	assert.Nil(t, row.PeriodEnd)
}

func TestOnSubscriptionUpdated_MissingRowIsNoop(t *testing.T) {
	f := newMachineFixture()
	out, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, t0, SubscriptionChanged{
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: StatusActive, PriceID: "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, 0, f.store.Writes())
}

func TestOnSubscriptionUpdated_OverwritesFields(t *testing.T) {
	f := newMachineFixture()
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_starter", Paid: true})

	start := t0.Add(days(1))
	end := start.AddDate(0, 1, 0)
	out, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, t0.Add(time.Minute), SubscriptionChanged{
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: StatusTrialing, PriceID: "price_pro",
		PeriodStart: start, PeriodEnd: end, CancelAtPeriodEnd: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	row := f.row(t)
	assert.Equal(t, string(StatusTrialing), row.Status)
	assert.Equal(t, PlanPro, row.PlanID)
	assert.True(t, row.CancelAtPeriodEnd)
	require.NotNil(t, row.PeriodStart)
	assert.True(t, row.PeriodStart.Equal(start))
	assert.True(t, row.PeriodEnd.Equal(end))
}

func TestOnSubscriptionUpdated_UnmappedPriceFallsBackToFree(t *testing.T) {
	f := newMachineFixture()
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_pro", Paid: true})

	out, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, t0.Add(time.Minute), SubscriptionChanged{
		SubscriptionID: "sub_1", Status: StatusActive, PriceID: "price_from_another_product",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, PlanFree, f.row(t).PlanID)
	assert.True(t, testCatalog().Has(f.row(t).PlanID))
}

func TestOnSubscriptionUpdated_CustomerFallbackOnlyForFirstLinkage(t *testing.T) {
	f := newMachineFixture()
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_pro", Paid: true})

	// A different subscription of the same customer must not hijack the row.
	out, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, t0.Add(time.Minute), SubscriptionChanged{
		CustomerID: "cus_1", SubscriptionID: "sub_other", Status: StatusPastDue, PriceID: "price_starter",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, "sub_1", f.row(t).StripeSubscriptionID)
	assert.Equal(t, string(StatusActive), f.row(t).Status)
}

func TestTransitions_StaleEventsSkipped(t *testing.T) {
	f := newMachineFixture()
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_pro", Paid: true})

	later := t0.Add(time.Hour)
	_, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, later, SubscriptionChanged{
		SubscriptionID: "sub_1", Status: StatusPastDue, PriceID: "price_pro",
	})
	require.NoError(t, err)

	// An older update arriving late does not overwrite the newer state.
	out, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, t0.Add(time.Minute), SubscriptionChanged{
		SubscriptionID: "sub_1", Status: StatusActive, PriceID: "price_starter",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)
	assert.Equal(t, string(StatusPastDue), f.row(t).Status)
	assert.Equal(t, PlanPro, f.row(t).PlanID)

	out, err = f.machine.OnInvoicePaymentSucceeded(f.ctx, f.store, t0.Add(30*time.Minute), InvoicePayment{SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)
}

func TestTransitions_ReplayConverges(t *testing.T) {
	f := newMachineFixture()
	ev := SubscriptionChanged{
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: StatusActive, PriceID: "price_pro",
		PeriodStart: t0, PeriodEnd: t0.Add(days(30)),
	}
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_pro", Paid: true})

	at := t0.Add(time.Minute)
	_, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, at, ev)
	require.NoError(t, err)
	first := *f.row(t)

	out, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, at, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	second := *f.row(t)

	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestOnSubscriptionDeleted(t *testing.T) {
	f := newMachineFixture()
	f.checkout(t, t0, CheckoutCompleted{CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_pro", Paid: true})

	out, err := f.machine.OnSubscriptionDeleted(f.ctx, f.store, t0.Add(days(1)), SubscriptionDeleted{
		CustomerID: "cus_1", SubscriptionID: "sub_1", PeriodStart: t0, PeriodEnd: t0.Add(days(30)),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	row := f.row(t)
	assert.Equal(t, PlanFree, row.PlanID)
	assert.Equal(t, string(StatusCanceled), row.Status)
	assert.True(t, row.CancelAtPeriodEnd)

	// A later failed invoice for the deleted subscription does not revive it.
	out, err = f.machine.OnInvoicePaymentFailed(f.ctx, f.store, t0.Add(days(2)), InvoicePayment{
		CustomerID: "cus_1", SubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, string(StatusCanceled), f.row(t).Status)
	assert.Equal(t, PlanFree, f.row(t).PlanID)
}

func TestNewStateMachine_NilLogger(t *testing.T) {
	m := NewStateMachine(testCatalog(), nil)
	out, err := m.OnSubscriptionDeleted(context.Background(), NewMemoryStore(), t0, SubscriptionDeleted{SubscriptionID: "sub_missing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
}

func TestOnSubscriptionDeleted_UnknownIsNoop(t *testing.T) {
	f := newMachineFixture()
	out, err := f.machine.OnSubscriptionDeleted(f.ctx, f.store, t0, SubscriptionDeleted{SubscriptionID: "sub_missing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
}

func TestInvoiceTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      Status
		succeeded bool
		want      Status
		outcome   Outcome
	}{
		{"success recovers past_due", StatusPastDue, true, StatusActive, OutcomeApplied},
		{"success activates incomplete", StatusIncomplete, true, StatusActive, OutcomeApplied},
		{"success leaves active", StatusActive, true, StatusActive, OutcomeNoop},
		{"success leaves canceled", StatusCanceled, true, StatusCanceled, OutcomeNoop},
		{"failure marks active past_due", StatusActive, false, StatusPastDue, OutcomeApplied},
		{"failure marks trialing past_due", StatusTrialing, false, StatusPastDue, OutcomeApplied},
		{"failure on past_due is noop", StatusPastDue, false, StatusPastDue, OutcomeNoop},
		{"failure leaves canceled", StatusCanceled, false, StatusCanceled, OutcomeNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMachineFixture()
			require.NoError(t, f.store.UpsertSubscription(f.ctx, &database.Subscription{
				AccountID: f.account.ID, StripeCustomerID: "cus_1", StripeSubscriptionID: "sub_1",
				Status: string(tt.from), PlanID: PlanStarter,
			}))

			ev := InvoicePayment{CustomerID: "cus_1", SubscriptionID: "sub_1"}
			var out Outcome
			var err error
			if tt.succeeded {
				out, err = f.machine.OnInvoicePaymentSucceeded(f.ctx, f.store, t0, ev)
			} else {
				out, err = f.machine.OnInvoicePaymentFailed(f.ctx, f.store, t0, ev)
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, out)
			assert.Equal(t, string(tt.want), f.row(t).Status)
			assert.Equal(t, PlanStarter, f.row(t).PlanID)
		})
	}
}

func TestInvoice_UnknownSubscriptionIsNoop(t *testing.T) {
	f := newMachineFixture()
	out, err := f.machine.OnInvoicePaymentFailed(f.ctx, f.store, t0, InvoicePayment{SubscriptionID: "sub_missing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
}

func TestTransitions_StorageErrorPropagates(t *testing.T) {
	f := newMachineFixture()
	f.store.Err = errors.New("connection refused")

	_, err := f.machine.OnSubscriptionUpdated(f.ctx, f.store, t0, SubscriptionChanged{SubscriptionID: "sub_1"})
	assert.ErrorContains(t, err, "connection refused")

	_, err = f.machine.OnCheckoutCompleted(f.ctx, f.store, t0, CheckoutCompleted{
		SubscriptionID: "sub_1", AccountID: f.account.ID.String(),
	})
	assert.Error(t, err)
}
