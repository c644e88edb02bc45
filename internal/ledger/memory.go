// Package ledger implements the prepaid credit ledger: reserve places an
// escrow hold before work starts, settle charges the final cost and releases
// the hold, refund releases the hold without charging. Settlement is keyed by
// job ID so a duplicate settle or refund for the same job is a no-op.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"genforge/internal/domain"
)

type account struct {
	balance  int64
	reserved int64
}

// Memory is a mutex-guarded in-process ledger. It backs development mode and
// tests; the reserve check and mutation happen under one lock so exactly one
// of two concurrent reservations wins when the balance covers only one.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*account
	settled  map[string]struct{}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*account),
		settled:  make(map[string]struct{}),
	}
}

// Grant adds spendable credits to a user's balance, creating the account if
// needed.
func (m *Memory) Grant(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("grant amount must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acct(userID).balance += amount
	return nil
}

// Reserve places a hold on the user's spendable balance, if it covers amount.
func (m *Memory) Reserve(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("reserve amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acct(userID)
	if a.balance-a.reserved < amount {
		return false, nil
	}
	a.reserved += amount
	return true, nil
}

// Settle releases the reservation and charges actual against the balance.
func (m *Memory) Settle(ctx context.Context, userID, jobID string, reserved, actual int64) error {
	if actual < 0 || actual > reserved {
		return fmt.Errorf("settle amount %d outside [0, %d]", actual, reserved)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.settled[jobID]; done {
		return nil
	}
	a := m.acct(userID)
	if a.reserved < reserved {
		return fmt.Errorf("settle exceeds outstanding reservation for user %s", userID)
	}
	a.reserved -= reserved
	a.balance -= actual
	m.settled[jobID] = struct{}{}
	return nil
}

// Refund releases the full reservation without charging.
func (m *Memory) Refund(ctx context.Context, userID, jobID string, reserved int64) error {
	return m.Settle(ctx, userID, jobID, reserved, 0)
}

// Balance reports the user's balance and outstanding reservations.
func (m *Memory) Balance(ctx context.Context, userID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acct(userID)
	return a.balance, a.reserved, nil
}

func (m *Memory) acct(userID string) *account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &account{}
		m.accounts[userID] = a
	}
	return a
}

var _ domain.CreditLedger = (*Memory)(nil)
