// Package model defines the core domain types shared across the stake engine.
// All token amounts use shopspring/decimal holding integer base units, never
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolID identifies one of the fixed staking pools.
type PoolID uint8

// PoolConfig is the immutable configuration of a pool, fixed at start-up.
type PoolConfig struct {
	ID                PoolID `json:"id" toml:"id"`
	StakingPeriodDays int    `json:"staking_period_days" toml:"staking_period_days"`
}

// StakingPeriod returns the lock duration of the pool.
func (p PoolConfig) StakingPeriod() time.Duration {
	return time.Duration(p.StakingPeriodDays) * 24 * time.Hour
}

// Cycle is one manager-opened deposit round of a pool.
//
// TotalPrincipal is a historical sum: settlement never subtracts from it.
// SettledPrincipal and RewardPaid track what has already left the engine.
type Cycle struct {
	PoolID            PoolID          `json:"pool_id" db:"pool_id"`
	CycleID           uint64          `json:"cycle_id" db:"cycle_id"`
	OpenedAt          time.Time       `json:"opened_at" db:"opened_at"`
	WindowHours       int             `json:"window_hours" db:"window_hours"`
	StakingPeriodDays int             `json:"staking_period_days" db:"staking_period_days"`
	TotalPrincipal    decimal.Decimal `json:"total_principal" db:"total_principal"`
	TotalReward       decimal.Decimal `json:"total_reward" db:"total_reward"`
	SettledPrincipal  decimal.Decimal `json:"settled_principal" db:"settled_principal"`
	RewardPaid        decimal.Decimal `json:"reward_paid" db:"reward_paid"`
	Deposits          int             `json:"deposits" db:"deposits"`
}

// WindowClosesAt is the first instant at which deposits are refused.
func (c *Cycle) WindowClosesAt() time.Time {
	return c.OpenedAt.Add(time.Duration(c.WindowHours) * time.Hour)
}

// MaturesAt is the instant stakes of this cycle become withdrawable.
func (c *Cycle) MaturesAt() time.Time {
	return c.OpenedAt.Add(time.Duration(c.StakingPeriodDays) * 24 * time.Hour)
}

// Accepting reports whether now falls inside [OpenedAt, WindowClosesAt).
func (c *Cycle) Accepting(now time.Time) bool {
	return !now.Before(c.OpenedAt) && now.Before(c.WindowClosesAt())
}

// StakeState is the withdrawal state of a stake at a given instant.
type StakeState string

const (
	StakeLocked  StakeState = "locked"
	StakeMatured StakeState = "matured"
	StakeSettled StakeState = "settled"
)

// Stake is created once per successful deposit and never deleted.
// Principal is immutable; Settled goes false→true exactly once.
type Stake struct {
	ID          uint64          `json:"id" db:"id"`
	Owner       string          `json:"owner" db:"owner"`
	PoolID      PoolID          `json:"pool_id" db:"pool_id"`
	CycleID     uint64          `json:"cycle_id" db:"cycle_id"`
	Principal   decimal.Decimal `json:"principal" db:"principal"`
	DepositedAt time.Time       `json:"deposited_at" db:"deposited_at"`
	MaturesAt   time.Time       `json:"matures_at" db:"matures_at"`
	Settled     bool            `json:"settled" db:"settled"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	RewardPaid  decimal.Decimal `json:"reward_paid" db:"reward_paid"`
}

// StateAt derives the lifecycle state of the stake at now.
func (s *Stake) StateAt(now time.Time) StakeState {
	switch {
	case s.Settled:
		return StakeSettled
	case now.Before(s.MaturesAt):
		return StakeLocked
	default:
		return StakeMatured
	}
}

// Snapshot is the persisted engine state used to rebuild the in-memory arena.
type Snapshot struct {
	Cycles            []Cycle         `json:"cycles"`
	Stakes            []Stake         `json:"stakes"`
	UnallocatedReward decimal.Decimal `json:"unallocated_reward"`
}

// TokenAllowance is how much Spender may move on behalf of Owner.
type TokenAllowance struct {
	Owner   string          `json:"owner" db:"owner"`
	Spender string          `json:"spender" db:"spender"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
}

// TokenRoleGrant records that Account holds (or, in an update, gained or
// lost) Role.
type TokenRoleGrant struct {
	Role    string `json:"role" db:"role"`
	Account string `json:"account" db:"account"`
	Granted bool   `json:"granted"`
}

// LedgerSnapshot is the persisted token ledger used to rebuild it on start.
type LedgerSnapshot struct {
	TotalSupply decimal.Decimal            `json:"total_supply"`
	Paused      bool                       `json:"paused"`
	Balances    map[string]decimal.Decimal `json:"balances"`
	Allowances  []TokenAllowance           `json:"allowances"`
	Roles       []TokenRoleGrant           `json:"roles"`
	Blacklist   []string                   `json:"blacklist"`
}

// LedgerUpdate carries the absolute values a committed token operation left
// behind. Supply and pause state are always included.
type LedgerUpdate struct {
	TotalSupply decimal.Decimal
	Paused      bool
	Balances    map[string]decimal.Decimal
	Allowances  []TokenAllowance
	Roles       []TokenRoleGrant
	// Blacklist maps account to its new listed state.
	Blacklist map[string]bool
}

// Event types emitted after committed transitions.
const (
	EventCycleOpened      = "cycle.opened"
	EventStakeDeposited   = "stake.deposited"
	EventRewardsAllocated = "rewards.allocated"
	EventStakeWithdrawn   = "stake.withdrawn"
	EventManagerGranted   = "manager.granted"
	EventManagerRevoked   = "manager.revoked"

	EventTokenTransfer  = "token.transfer"
	EventTokenApproval  = "token.approval"
	EventTokenMint      = "token.mint"
	EventTokenBurn      = "token.burn"
	EventTokenPaused    = "token.paused"
	EventTokenUnpaused  = "token.unpaused"
	EventTokenBlacklist = "token.blacklist"
	EventTokenRole      = "token.role"
)

// Event is an immutable notification of a committed transition.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}
