// Package limits implements optional principal caps applied to deposits.
//
// Two caps exist: how much one account may hold in a single pool cycle, and
// how much principal a whole cycle may collect. A zero cap disables the check.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountCapExceeded is returned when a deposit would push one
	// account's principal in a cycle beyond the per-account maximum.
	ErrAccountCapExceeded = errors.New("limits: per-account cycle cap exceeded")

	// ErrCycleCapExceeded is returned when a deposit would push a cycle's
	// total principal beyond the per-cycle maximum.
	ErrCycleCapExceeded = errors.New("limits: cycle principal cap exceeded")
)

// DepositLimiter enforces deposit caps.
type DepositLimiter struct {
	// MaxPerAccount is the maximum principal one account may deposit into
	// a single cycle, summed over all of its stakes in that cycle.
	MaxPerAccount decimal.Decimal

	// MaxPerCycle is the maximum total principal of a cycle.
	MaxPerCycle decimal.Decimal
}

// NewDepositLimiter creates a limiter. Non-positive caps are treated as
// unlimited.
func NewDepositLimiter(maxPerAccount, maxPerCycle decimal.Decimal) *DepositLimiter {
	if maxPerAccount.IsNegative() {
		maxPerAccount = decimal.Zero
	}
	if maxPerCycle.IsNegative() {
		maxPerCycle = decimal.Zero
	}
	return &DepositLimiter{
		MaxPerAccount: maxPerAccount,
		MaxPerCycle:   maxPerCycle,
	}
}

// Unlimited returns a limiter that accepts every deposit.
func Unlimited() *DepositLimiter {
	return NewDepositLimiter(decimal.Zero, decimal.Zero)
}

// CheckDeposit validates a deposit of amount.
//
// Parameters:
//   - accountPrincipal: principal the depositor already holds in the cycle
//   - cyclePrincipal: the cycle's current total principal
//   - amount: the deposit being attempted
//
// Returns nil if the deposit is within limits.
func (l *DepositLimiter) CheckDeposit(accountPrincipal, cyclePrincipal, amount decimal.Decimal) error {
	if l == nil {
		return nil
	}

	if l.MaxPerAccount.IsPositive() && accountPrincipal.Add(amount).GreaterThan(l.MaxPerAccount) {
		return ErrAccountCapExceeded
	}

	if l.MaxPerCycle.IsPositive() && cyclePrincipal.Add(amount).GreaterThan(l.MaxPerCycle) {
		return ErrCycleCapExceeded
	}

	return nil
}
