package domain

import "context"

// JobStore defines persistence for job entities. Update writes the full row
// and must reject transitions that CanTransition disallows; implementations
// must support concurrent reads while the owning orchestrator run writes.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Job, error)
}

// CreditLedger holds prepaid balances. Reserve is the only operation that can
// be rejected; Settle and Refund never fail for a valid prior reservation and
// are idempotent per job ID.
type CreditLedger interface {
	// Reserve atomically places a hold of amount on the user's spendable
	// balance. It returns false, without mutating anything, when
	// balance - reserved < amount.
	Reserve(ctx context.Context, userID string, amount int64) (bool, error)
	// Settle releases a reservation and charges actual against the balance.
	// actual must not exceed reserved; the difference returns to the
	// spendable balance.
	Settle(ctx context.Context, userID, jobID string, reserved, actual int64) error
	// Refund releases the full reservation without charging.
	Refund(ctx context.Context, userID, jobID string, reserved int64) error
	// Balance reports the user's current balance and outstanding reservations.
	Balance(ctx context.Context, userID string) (balance, reserved int64, err error)
}
