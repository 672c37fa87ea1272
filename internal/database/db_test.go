package database

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB returns a connected DB or skips if DATABASE_URL is not set.
// It also ensures migrations are run before tests.
func testDB(t *testing.T) *DB {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	// Idempotent; don't run MigrateDown as it interferes with parallel test packages.
	require.NoError(t, Migrate(dbURL))

	ctx := context.Background()
	db, err := New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

// testAccount creates an account that is deleted, with its billing state, after the test.
func testAccount(t *testing.T, db *DB) *Account {
	t.Helper()
	ctx := context.Background()

	account, err := db.CreateAccount(ctx, "kp_"+uuid.NewString()[:8], "test@example.com")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.DeleteAccount(context.Background(), account.ID) })
	return account
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestAccountCRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	externalID := "kp_" + uuid.NewString()[:8]
	account, err := db.CreateAccount(ctx, externalID, "owner@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, account.ID)
	assert.Equal(t, externalID, account.ExternalID)
	assert.False(t, account.CreatedAt.IsZero())

	found, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ExternalID, found.ExternalID)

	found, err = db.GetAccountByExternalID(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)

	// GetOrCreate existing keeps the original row
	existing, err := db.GetOrCreateAccount(ctx, externalID, "different@example.com")
	require.NoError(t, err)
	assert.Equal(t, account.ID, existing.ID)
	assert.Equal(t, "owner@example.com", existing.Email)

	require.NoError(t, db.DeleteAccount(ctx, account.ID))
	found, err = db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestGetOrCreateAccount_Concurrent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	externalID := "kp_" + uuid.NewString()[:8]

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := db.GetOrCreateAccount(ctx, externalID, "race@example.com")
			if assert.NoError(t, err) {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()
	t.Cleanup(func() { _ = db.DeleteAccount(context.Background(), ids[0]) })

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSubscriptionUpsertAndLookup(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db)

	none, err := db.GetSubscriptionByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	subID := "sub_" + uuid.NewString()[:8]
	customerID := "cus_" + uuid.NewString()[:8]
	sub := &Subscription{
		AccountID:            account.ID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subID,
		Status:               "active",
		PlanID:               "pro",
		PeriodStart:          ts("2026-02-01T00:00:00Z"),
		PeriodEnd:            ts("2026-03-01T00:00:00Z"),
		LastEventAt:          ts("2026-02-01T00:00:05Z"),
	}
	require.NoError(t, db.UpsertSubscription(ctx, sub))

	got, err := db.GetSubscriptionByStripeID(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, account.ID, got.AccountID)
	assert.Equal(t, "pro", got.PlanID)
	assert.True(t, got.PeriodStart.Equal(*sub.PeriodStart))
	assert.True(t, got.LastEventAt.Equal(*sub.LastEventAt))

	got, err = db.GetSubscriptionByCustomerID(ctx, customerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, subID, got.StripeSubscriptionID)

	// Upsert overwrites every mutable field
	sub.Status = "canceled"
	sub.PlanID = "free"
	sub.PeriodStart, sub.PeriodEnd = nil, nil
	sub.CancelAtPeriodEnd = true
	require.NoError(t, db.UpsertSubscription(ctx, sub))

	got, err = db.GetSubscriptionByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", got.Status)
	assert.Equal(t, "free", got.PlanID)
	assert.Nil(t, got.PeriodStart)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	// Empty identifiers never match rows that have no Stripe link
	got, err = db.GetSubscriptionByStripeID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = db.GetSubscriptionByCustomerID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertSubscription_KeepsNewerEvent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db)

	sub := &Subscription{
		AccountID: account.ID, Status: "active", PlanID: "pro",
		LastEventAt: ts("2026-02-01T00:01:40Z"),
	}
	require.NoError(t, db.UpsertSubscription(ctx, sub))

	older := *sub
	older.PlanID = "starter"
	older.LastEventAt = ts("2026-02-01T00:00:50Z")
	require.NoError(t, db.UpsertSubscription(ctx, &older))

	got, err := db.GetSubscriptionByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.PlanID)
	assert.True(t, got.LastEventAt.Equal(*sub.LastEventAt))
}

func TestApplyWebhookEventOnce_ConcurrentEventsKeepNewest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db)
	subID := "sub_" + uuid.NewString()[:8]

	require.NoError(t, db.UpsertSubscription(ctx, &Subscription{
		AccountID: account.ID, StripeSubscriptionID: subID, Status: "active", PlanID: "starter",
		LastEventAt: ts("2026-02-01T00:00:10Z"),
	}))

	// apply mirrors a transition: skip events older than the row, else overwrite.
	apply := func(tx *DB, at *time.Time, plan string) error {
		sub, err := tx.GetSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return err
		}
		if sub.LastEventAt != nil && at.Before(*sub.LastEventAt) {
			return nil
		}
		sub.PlanID = plan
		sub.LastEventAt = at
		return tx.UpsertSubscription(ctx, sub)
	}

	written := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	// The newer event writes first and holds its transaction open.
	go func() {
		defer wg.Done()
		_, err := db.ApplyWebhookEventOnce(ctx, "evt_"+uuid.NewString(), "customer.subscription.updated", func(tx *DB) error {
			err := apply(tx, ts("2026-02-01T00:01:40Z"), "pro")
			close(written)
			if err != nil {
				return err
			}
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	// The older event starts while the newer one is uncommitted.
	go func() {
		defer wg.Done()
		<-written
		_, err := db.ApplyWebhookEventOnce(ctx, "evt_"+uuid.NewString(), "customer.subscription.updated", func(tx *DB) error {
			return apply(tx, ts("2026-02-01T00:00:50Z"), "free")
		})
		assert.NoError(t, err)
	}()

	<-written
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	got, err := db.GetSubscriptionByStripeID(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pro", got.PlanID, "the older event must not overwrite the newer one")
	assert.True(t, got.LastEventAt.Equal(*ts("2026-02-01T00:01:40Z")))
}

func TestSubscriptionConstraints(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := testAccount(t, db)
	b := testAccount(t, db)

	subID := "sub_" + uuid.NewString()[:8]
	require.NoError(t, db.UpsertSubscription(ctx, &Subscription{
		AccountID: a.ID, StripeSubscriptionID: subID, Status: "active", PlanID: "starter",
	}))

	err := db.UpsertSubscription(ctx, &Subscription{
		AccountID: b.ID, StripeSubscriptionID: subID, Status: "active", PlanID: "starter",
	})
	assert.Error(t, err, "a Stripe subscription belongs to one account")

	err = db.UpsertSubscription(ctx, &Subscription{AccountID: b.ID, Status: "paused", PlanID: "free"})
	assert.Error(t, err, "unknown status")

	err = db.UpsertSubscription(ctx, &Subscription{
		AccountID: b.ID, Status: "active", PlanID: "free",
		PeriodStart: ts("2026-03-01T00:00:00Z"), PeriodEnd: ts("2026-02-01T00:00:00Z"),
	})
	assert.Error(t, err, "period must be ordered")

	// Two accounts without a Stripe subscription may coexist
	require.NoError(t, db.UpsertSubscription(ctx, &Subscription{AccountID: b.ID, Status: "incomplete", PlanID: "free"}))
}

func TestUsageRecords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db)

	start := *ts("2026-01-10T12:00:00Z")
	end := start.Add(30 * 24 * time.Hour)
	next := end.Add(30 * 24 * time.Hour)

	insert := func(ref string, amount int, s, e time.Time) bool {
		t.Helper()
		ok, err := db.InsertUsageRecord(ctx, &UsageRecord{
			AccountID: account.ID, SourceRef: ref, Amount: amount, CycleStart: s, CycleEnd: e,
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, insert("doc-1", 5, start, end))
	assert.True(t, insert("doc-2", 3, start, end))
	assert.False(t, insert("doc-1", 5, start, end), "duplicate source ref")
	assert.True(t, insert("doc-3", 7, end, next))

	used, err := db.SumUsage(ctx, account.ID, start, end)
	require.NoError(t, err)
	assert.Equal(t, 8, used)

	used, err = db.SumUsage(ctx, account.ID, end, next)
	require.NoError(t, err)
	assert.Equal(t, 7, used)

	// Only records attributed to exactly the window count
	used, err = db.SumUsage(ctx, account.ID, start, next)
	require.NoError(t, err)
	assert.Equal(t, 0, used)

	records, err := db.ListUsageRecords(ctx, account.ID, start, end, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	refs := []string{records[0].SourceRef, records[1].SourceRef}
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, refs)

	_, err = db.InsertUsageRecord(ctx, &UsageRecord{
		AccountID: account.ID, SourceRef: "doc-4", Amount: 0, CycleStart: start, CycleEnd: end,
	})
	assert.Error(t, err, "amount must be positive")
}

func TestApplyWebhookEventOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db)
	eventID := "evt_" + uuid.NewString()

	calls := 0
	apply := func(tx *DB) error {
		calls++
		return tx.UpsertSubscription(ctx, &Subscription{AccountID: account.ID, Status: "active", PlanID: "pro"})
	}

	applied, err := db.ApplyWebhookEventOnce(ctx, eventID, "customer.subscription.updated", apply)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = db.ApplyWebhookEventOnce(ctx, eventID, "customer.subscription.updated", apply)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, calls)

	seen, err := db.WebhookEventApplied(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestApplyWebhookEventOnce_RollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db)
	eventID := "evt_" + uuid.NewString()

	boom := errors.New("boom")
	_, err := db.ApplyWebhookEventOnce(ctx, eventID, "checkout.session.completed", func(tx *DB) error {
		require.NoError(t, tx.UpsertSubscription(ctx, &Subscription{AccountID: account.ID, Status: "active", PlanID: "pro"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	seen, err := db.WebhookEventApplied(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, seen, "a failed application leaves the event retryable")

	sub, err := db.GetSubscriptionByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, sub, "the transition rolled back with the event")
}

func TestPruneWebhookEvents(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eventID := "evt_" + uuid.NewString()

	_, err := db.ApplyWebhookEventOnce(ctx, eventID, "invoice.payment_succeeded", func(*DB) error { return nil })
	require.NoError(t, err)

	_, err = db.PruneWebhookEvents(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	seen, err := db.WebhookEventApplied(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, seen, "recent events survive")

	deleted, err := db.PruneWebhookEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
	seen, err = db.WebhookEventApplied(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPing(t *testing.T) {
	db := testDB(t)
	assert.NoError(t, db.Ping(context.Background()))
	assert.NotNil(t, db.Pool())
}
