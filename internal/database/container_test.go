//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway PostgreSQL container and returns its URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pagewise_test"),
		postgres.WithUsername("pagewise"),
		postgres.WithPassword("pagewise_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		// Fresh context: the test's may already be cancelled.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

func TestMigrationsRoundTrip(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, Migrate(url))
	require.NoError(t, Migrate(url), "migrations are idempotent")

	db, err := New(ctx, url)
	require.NoError(t, err)

	account, err := db.CreateAccount(ctx, "kp_"+uuid.NewString()[:8], "owner@example.com")
	require.NoError(t, err)
	ok, err := db.InsertUsageRecord(ctx, &UsageRecord{
		AccountID:  account.ID,
		SourceRef:  "doc-1",
		Amount:     2,
		CycleStart: time.Now().Add(-time.Hour),
		CycleEnd:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, ok)
	db.Close()

	require.NoError(t, MigrateDown(url))
	require.NoError(t, Migrate(url))

	db, err = New(ctx, url)
	require.NoError(t, err)
	defer db.Close()

	found, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, found, "rolling back drops billing data")
}
