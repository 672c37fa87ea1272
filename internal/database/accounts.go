package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Account is a tenant. ExternalID is the identity provider's subject.
type Account struct {
	ID         uuid.UUID
	ExternalID string
	Email      string
	CreatedAt  time.Time
}

const accountColumns = `id, external_id, email, created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.Email, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount creates a new account.
func (db *DB) CreateAccount(ctx context.Context, externalID, email string) (*Account, error) {
	return scanAccount(db.q.QueryRow(ctx,
		`INSERT INTO accounts (external_id, email)
		 VALUES ($1, $2)
		 RETURNING `+accountColumns,
		externalID, email,
	))
}

// GetAccountByID retrieves an account by ID.
func (db *DB) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(db.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	))
}

// GetAccountByExternalID retrieves an account by its identity provider subject.
func (db *DB) GetAccountByExternalID(ctx context.Context, externalID string) (*Account, error) {
	return scanAccount(db.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`,
		externalID,
	))
}

// GetOrCreateAccount returns the account for externalID, creating it on first sign-in.
// Concurrent first sign-ins converge on the same row.
func (db *DB) GetOrCreateAccount(ctx context.Context, externalID, email string) (*Account, error) {
	return scanAccount(db.q.QueryRow(ctx,
		`INSERT INTO accounts (external_id, email)
		 VALUES ($1, $2)
		 ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		 RETURNING `+accountColumns,
		externalID, email,
	))
}

// DeleteAccount deletes an account and, by cascade, its billing state.
func (db *DB) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	_, err := db.q.Exec(ctx,
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
	return err
}
