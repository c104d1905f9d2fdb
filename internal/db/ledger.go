package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/workflow-engine/internal/credits"
)

// Ledger is a credits.Ledger backed by the credit_accounts table.
// Every mutation locks the account row for the duration of its transaction.
type Ledger struct {
	db  *DB
	now func() time.Time
}

// Ledger returns the credit ledger over this database
func (db *DB) Ledger() *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithClock replaces the ledger's time source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

const accountColumns = `allowance, rollover, bonus, monthly_limit, period_start`

func scanBalance(row pgx.Row, userID string) (credits.Balance, error) {
	var b credits.Balance
	if err := row.Scan(&b.Allowance, &b.Rollover, &b.Bonus, &b.MonthlyLimit, &b.PeriodStart); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Balance{}, fmt.Errorf("%w: %s", credits.ErrUnknownUser, userID)
		}
		return credits.Balance{}, fmt.Errorf("failed to read credit account: %w", err)
	}
	return b, nil
}

// Balance returns a snapshot of the user's pools
func (l *Ledger) Balance(ctx context.Context, userID string) (credits.Balance, error) {
	row := l.db.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID)
	return scanBalance(row, userID)
}

// Available returns the total of all pools
func (l *Ledger) Available(ctx context.Context, userID string) (int, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Total(), nil
}

// Debit removes amount in pool order and returns the remaining total
func (l *Ledger) Debit(ctx context.Context, userID string, amount int) (int, error) {
	var remaining int
	err := l.withAccount(ctx, userID, func(b *credits.Balance) (bool, error) {
		if err := b.Debit(amount); err != nil {
			remaining = b.Total()
			return false, err
		}
		remaining = b.Total()
		return true, nil
	})
	return remaining, err
}

// MonthlyResetIfDue rolls the period over when a month has passed
func (l *Ledger) MonthlyResetIfDue(ctx context.Context, userID string) error {
	return l.withAccount(ctx, userID, func(b *credits.Balance) (bool, error) {
		return b.ResetIfDue(l.now()), nil
	})
}

// EnsureAccount creates an account with a full allowance if the user has none
func (l *Ledger) EnsureAccount(ctx context.Context, userID string, monthlyLimit int) error {
	_, err := l.db.pool.Exec(ctx,
		`INSERT INTO credit_accounts (user_id, allowance, monthly_limit, period_start)
		 VALUES ($1, $2, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, monthlyLimit, l.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create credit account: %w", err)
	}
	return nil
}

// GrantBonus adds purchased credits to the bonus pool
func (l *Ledger) GrantBonus(ctx context.Context, userID string, amount int) error {
	if amount < 0 {
		return credits.ErrNegativeAmount
	}
	return l.withAccount(ctx, userID, func(b *credits.Balance) (bool, error) {
		b.Bonus += amount
		return amount > 0, nil
	})
}

// withAccount runs fn on the locked account row and writes it back when fn reports a change.
// An error from fn rolls the transaction back.
func (l *Ledger) withAccount(ctx context.Context, userID string, fn func(b *credits.Balance) (bool, error)) error {
	tx, err := l.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	b, err := scanBalance(row, userID)
	if err != nil {
		return err
	}

	changed, err := fn(&b)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_accounts
		 SET allowance = $2, rollover = $3, bonus = $4, monthly_limit = $5, period_start = $6, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, b.Allowance, b.Rollover, b.Bonus, b.MonthlyLimit, b.PeriodStart,
	)
	if err != nil {
		return fmt.Errorf("failed to update credit account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
