package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Idempotency rides on a
// unique index over the applied transaction IDs: a duplicate insert rolls
// the whole application back and reports applied=false.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Apply(ctx context.Context, userID string, delta decimal.Decimal, transactionID string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_applied (transaction_id, user_id, amount, applied_at)
		VALUES ($1, $2, $3, NOW())
	`, transactionID, userID, delta)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("record applied transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			amount     = wallets.amount + $2,
			updated_at = NOW()
	`, userID, delta)
	if err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT amount, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&bal.Amount, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, Amount: decimal.Zero, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}
