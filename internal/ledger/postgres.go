package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genforge/internal/domain"
	"genforge/internal/infra"
)

// PostgresLedger implements domain.CreditLedger on top of two tables:
// credit_accounts holds balance and outstanding reservations per user, and
// credit_settlements journals one row per settled job so that settle and
// refund stay idempotent across process restarts.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a ledger backed by PostgreSQL.
func NewPostgres(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Reserve holds amount against the user's spendable balance. The conditional
// UPDATE makes the check-and-increment atomic: under two concurrent
// reservations for a balance that covers only one, exactly one row update
// succeeds.
func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("reserve amount must be positive")
	}
	query := `
UPDATE credit_accounts
SET reserved = reserved + $2,
    updated_at = NOW()
WHERE user_id = $1
  AND balance - reserved >= $2;
`
	tag, err := l.pool.Exec(ctx, query, userID, amount)
	if err != nil {
		return false, fmt.Errorf("ledger reserve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Settle journals the settlement and releases the hold. A job already present
// in credit_settlements is a no-op.
func (l *PostgresLedger) Settle(ctx context.Context, userID, jobID string, reserved, actual int64) error {
	if actual < 0 || actual > reserved {
		return fmt.Errorf("settle amount %d outside [0, %d]", actual, reserved)
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger settle: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	journal := `
INSERT INTO credit_settlements (job_id, user_id, reserved, settled)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO NOTHING;
`
	tag, err := tx.Exec(ctx, journal, jobID, userID, reserved, actual)
	if err != nil {
		return fmt.Errorf("ledger settle: journal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already settled or refunded for this job.
		return tx.Commit(ctx)
	}

	release := `
UPDATE credit_accounts
SET reserved = reserved - $2,
    balance = balance - $3,
    updated_at = NOW()
WHERE user_id = $1;
`
	if _, err := tx.Exec(ctx, release, userID, reserved, actual); err != nil {
		return fmt.Errorf("ledger settle: release: %w", err)
	}
	return tx.Commit(ctx)
}

// Refund releases the full reservation without charging.
func (l *PostgresLedger) Refund(ctx context.Context, userID, jobID string, reserved int64) error {
	return l.Settle(ctx, userID, jobID, reserved, 0)
}

// Balance reports the user's balance and outstanding reservations.
func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, int64, error) {
	query := `
SELECT balance, reserved
FROM credit_accounts
WHERE user_id = $1;
`
	var balance, reserved int64
	if err := l.pool.QueryRow(ctx, query, userID).Scan(&balance, &reserved); err != nil {
		if infra.IsNoRows(err) {
			return 0, 0, domain.ErrNotFound
		}
		return 0, 0, fmt.Errorf("ledger balance: %w", err)
	}
	return balance, reserved, nil
}

// Grant adds spendable credits, creating the account on first use.
func (l *PostgresLedger) Grant(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("grant amount must not be negative")
	}
	query := `
INSERT INTO credit_accounts (user_id, balance, reserved)
VALUES ($1, $2, 0)
ON CONFLICT (user_id) DO UPDATE
SET balance = credit_accounts.balance + EXCLUDED.balance,
    updated_at = NOW();
`
	if _, err := l.pool.Exec(ctx, query, userID, amount); err != nil {
		return fmt.Errorf("ledger grant: %w", err)
	}
	return nil
}

var _ domain.CreditLedger = (*PostgresLedger)(nil)
