package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/data/pgxutil"
)

// CreditRepo stores per-user credit balances and their audit trail. Deductions
// are conditional single-statement updates so concurrent settlements can never
// drive a balance negative.
type CreditRepo struct {
	DB *sql.DB
}

// NewCreditRepo creates a new CreditRepo.
func NewCreditRepo(db *sql.DB) *CreditRepo {
	return &CreditRepo{DB: db}
}

// Balance returns the user's current balance, or ErrAccountNotFound.
func (r *CreditRepo) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.DB.QueryRowContext(ctx, `
      SELECT balance FROM credit_accounts WHERE user_id = $1
    `, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get credit balance: %w", err)
	}
	return balance, nil
}

// Grant adds credit to the user's balance, creating the account on first use,
// and records the transaction.
func (r *CreditRepo) Grant(ctx context.Context, userID string, amount int64, memo string) error {
	if amount <= 0 {
		return errors.New("grant amount must be positive")
	}

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
              INSERT INTO credit_accounts(user_id, balance, updated_at)
              VALUES ($1, $2, now())
              ON CONFLICT (user_id) DO UPDATE
              SET balance = credit_accounts.balance + EXCLUDED.balance,
                  updated_at = now()
            `, userID, amount); err != nil {
				return fmt.Errorf("grant credit: %w", err)
			}
			return insertTransaction(ctx, tx, userID, amount, memo)
		},
	})
}

// Deduct atomically subtracts amount from the user's balance and appends an
// audit transaction. Returns core.ErrInsufficientCredit, leaving the balance
// untouched, when it does not cover the amount.
func (r *CreditRepo) Deduct(ctx context.Context, userID string, amount int64, memo string) error {
	if amount < 0 {
		return errors.New("deduct amount must not be negative")
	}
	if amount == 0 {
		return nil
	}

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
              UPDATE credit_accounts
              SET balance = balance - $2, updated_at = now()
              WHERE user_id = $1 AND balance >= $2
            `, userID, amount)
			if err != nil {
				return fmt.Errorf("deduct credit: %w", err)
			}
			if tag.RowsAffected() == 0 {
				var exists bool
				if err := tx.QueryRow(ctx, `
                  SELECT EXISTS(SELECT 1 FROM credit_accounts WHERE user_id = $1)
                `, userID).Scan(&exists); err != nil {
					return fmt.Errorf("check credit account: %w", err)
				}
				if !exists {
					return ErrAccountNotFound
				}
				return core.ErrInsufficientCredit
			}
			return insertTransaction(ctx, tx, userID, -amount, memo)
		},
	})
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, amount int64, memo string) error {
	if _, err := tx.Exec(ctx, `
      INSERT INTO credit_transactions(id, user_id, amount, memo, created_at)
      VALUES ($1, $2, $3, $4, now())
    `, uuid.NewString(), userID, amount, memo); err != nil {
		return fmt.Errorf("record credit transaction: %w", err)
	}
	return nil
}
