package credits

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientFunds is returned by Balance.Debit when the pools cannot cover an amount
var ErrInsufficientFunds = errors.New("insufficient credits")

// ErrNegativeAmount is returned for a negative debit
var ErrNegativeAmount = errors.New("debit amount must not be negative")

// Balance is a user's three ordered credit pools
type Balance struct {
	// Allowance is the time-boxed monthly allowance, spent first
	Allowance int `json:"allowance"`
	// Rollover is unused allowance carried from the previous period
	Rollover int `json:"rollover"`
	// Bonus is purchased or granted credit, spent last
	Bonus        int       `json:"bonus"`
	MonthlyLimit int       `json:"monthly_limit"`
	PeriodStart  time.Time `json:"period_start"`
}

// Total is the sum of all pools
func (b Balance) Total() int {
	return b.Allowance + b.Rollover + b.Bonus
}

// Debit removes amount from the pools in order allowance, rollover, bonus.
// The balance is left unchanged when the total cannot cover the amount.
func (b *Balance) Debit(amount int) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if amount > b.Total() {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amount, b.Total())
	}

	remaining := amount
	for _, pool := range []*int{&b.Allowance, &b.Rollover, &b.Bonus} {
		take := min(*pool, remaining)
		*pool -= take
		remaining -= take
	}
	return nil
}

// ResetIfDue starts a new period once a month has passed since PeriodStart.
// Unused allowance becomes rollover (capped at one monthly limit), the allowance
// is refilled, and bonus credit is untouched. It reports whether a reset happened.
func (b *Balance) ResetIfDue(now time.Time) bool {
	if b.PeriodStart.IsZero() {
		b.PeriodStart = now
		return false
	}
	next := b.PeriodStart.AddDate(0, 1, 0)
	if now.Before(next) {
		return false
	}

	b.Rollover = min(b.Allowance, b.MonthlyLimit)
	b.Allowance = b.MonthlyLimit

	// Skip whole missed periods so PeriodStart stays anchored to the original day
	for !now.Before(next.AddDate(0, 1, 0)) {
		next = next.AddDate(0, 1, 0)
	}
	b.PeriodStart = next
	return true
}
