package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownUser is returned by a ledger for a user with no account
var ErrUnknownUser = errors.New("no credit account for user")

// Ledger is the credit store. Every method must be atomic per user.
type Ledger interface {
	// Available returns the total of all pools
	Available(ctx context.Context, userID string) (int, error)
	// Debit removes amount in pool order and returns the remaining total
	Debit(ctx context.Context, userID string, amount int) (int, error)
	// MonthlyResetIfDue rolls the period over when a month has passed
	MonthlyResetIfDue(ctx context.Context, userID string) error
	// Balance returns a snapshot of all pools
	Balance(ctx context.Context, userID string) (Balance, error)
}

// Provisioner creates accounts on first use
type Provisioner interface {
	// EnsureAccount creates an account with a full allowance if the user has none
	EnsureAccount(ctx context.Context, userID string, monthlyLimit int) error
}

// MemoryLedger is a mutex-guarded in-process Ledger
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*Balance
	now      func() time.Time
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*Balance),
		now:      time.Now,
	}
}

// WithClock replaces the ledger's time source
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// SetBalance creates or replaces a user's account
func (l *MemoryLedger) SetBalance(userID string, b Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := b
	l.accounts[userID] = &cp
}

func (l *MemoryLedger) account(userID string) (*Balance, error) {
	b, ok := l.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return b, nil
}

// Available returns the user's total credits
func (l *MemoryLedger) Available(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.account(userID)
	if err != nil {
		return 0, err
	}
	return b.Total(), nil
}

// Debit charges the user and returns the remaining total
func (l *MemoryLedger) Debit(_ context.Context, userID string, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.account(userID)
	if err != nil {
		return 0, err
	}
	if err := b.Debit(amount); err != nil {
		return b.Total(), err
	}
	return b.Total(), nil
}

// MonthlyResetIfDue resets the user's period if due
func (l *MemoryLedger) MonthlyResetIfDue(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.account(userID)
	if err != nil {
		return err
	}
	b.ResetIfDue(l.now())
	return nil
}

// Balance returns a copy of the user's pools
func (l *MemoryLedger) Balance(_ context.Context, userID string) (Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.account(userID)
	if err != nil {
		return Balance{}, err
	}
	return *b, nil
}

// EnsureAccount creates an account with a full allowance if the user has none
func (l *MemoryLedger) EnsureAccount(_ context.Context, userID string, monthlyLimit int) error {
	if monthlyLimit < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[userID]; ok {
		return nil
	}
	l.accounts[userID] = &Balance{Allowance: monthlyLimit, MonthlyLimit: monthlyLimit, PeriodStart: l.now()}
	return nil
}
