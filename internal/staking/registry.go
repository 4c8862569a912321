package staking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

// OpenCycle starts a new deposit cycle for pool at now. The previous cycle,
// if any, must have closed its acceptance window (and, under
// ReopenAfterMaturity, matured).
func (s *State) OpenCycle(pool model.PoolID, windowHours int, now time.Time, policy ReopenPolicy) (*model.Cycle, error) {
	cfg, err := s.Pool(pool)
	if err != nil {
		return nil, err
	}
	if windowHours <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, windowHours)
	}

	var next uint64 = 1
	if prev := s.latest(pool); prev != nil {
		if now.Before(prev.WindowClosesAt()) {
			return nil, fmt.Errorf("%w: pool %d cycle %d accepts deposits until %s",
				ErrCycleAlreadyOpen, pool, prev.CycleID, prev.WindowClosesAt().Format(time.RFC3339))
		}
		if policy == ReopenAfterMaturity && now.Before(prev.MaturesAt()) {
			return nil, fmt.Errorf("%w: pool %d cycle %d matures at %s",
				ErrCycleAlreadyOpen, pool, prev.CycleID, prev.MaturesAt().Format(time.RFC3339))
		}
		next = prev.CycleID + 1
	}

	c := &model.Cycle{
		PoolID:            pool,
		CycleID:           next,
		OpenedAt:          now,
		WindowHours:       windowHours,
		StakingPeriodDays: cfg.StakingPeriodDays,
		TotalPrincipal:    decimal.Zero,
		TotalReward:       decimal.Zero,
		SettledPrincipal:  decimal.Zero,
		RewardPaid:        decimal.Zero,
	}
	s.cycles[pool] = append(s.cycles[pool], c)

	cp := *c
	return &cp, nil
}

// PeriodStaking returns the pool's staking period in days. Pools answer
// even before their first cycle.
func (s *State) PeriodStaking(pool model.PoolID) (int, error) {
	cfg, err := s.Pool(pool)
	if err != nil {
		return 0, err
	}
	return cfg.StakingPeriodDays, nil
}

// TimeAccepting returns the acceptance window, in hours, of the pool's latest
// cycle, or 0 if the pool was never opened.
func (s *State) TimeAccepting(pool model.PoolID) (int, error) {
	if _, err := s.Pool(pool); err != nil {
		return 0, err
	}
	c := s.latest(pool)
	if c == nil {
		return 0, nil
	}
	return c.WindowHours, nil
}

// Allocation is the reward credited to one cycle by a reward call.
type Allocation struct {
	PoolID  model.PoolID    `json:"pool_id"`
	CycleID uint64          `json:"cycle_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// PlanReward validates crediting amount to one cycle of pool. A zero
// cycleID targets the pool's latest cycle. The target must still hold
// unsettled principal, otherwise no stake could ever claim the reward.
func (s *State) PlanReward(pool model.PoolID, cycleID uint64, amount decimal.Decimal) ([]Allocation, error) {
	if _, err := s.Pool(pool); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var c *model.Cycle
	if cycleID == 0 {
		c = s.latest(pool)
		if c == nil {
			return nil, fmt.Errorf("%w: pool %d", ErrNoActiveCycle, pool)
		}
	} else if c = s.cycle(pool, cycleID); c == nil {
		return nil, fmt.Errorf("%w: pool %d cycle %d", ErrUnknownCycle, pool, cycleID)
	}
	if !rewardable(c) {
		return nil, fmt.Errorf("%w: pool %d cycle %d has no unsettled principal", ErrNothingToReward, pool, c.CycleID)
	}
	return []Allocation{{PoolID: pool, CycleID: c.CycleID, Amount: amount}}, nil
}

// PlanRewardAll splits amount across the latest cycle of every pool,
// pro-rata to each cycle's total principal, using floor division. The
// returned remainder is not credited to any cycle.
func (s *State) PlanRewardAll(amount decimal.Decimal) ([]Allocation, decimal.Decimal, error) {
	if err := validAmount(amount); err != nil {
		return nil, decimal.Zero, err
	}

	var targets []*model.Cycle
	sum := decimal.Zero
	for _, id := range s.order {
		c := s.latest(id)
		if c == nil || !rewardable(c) {
			continue
		}
		targets = append(targets, c)
		sum = sum.Add(c.TotalPrincipal)
	}
	if len(targets) == 0 {
		return nil, decimal.Zero, ErrNothingToReward
	}

	allocs := make([]Allocation, 0, len(targets))
	distributed := decimal.Zero
	for _, c := range targets {
		share := proRata(amount, c.TotalPrincipal, sum)
		if share.IsZero() {
			continue
		}
		allocs = append(allocs, Allocation{PoolID: c.PoolID, CycleID: c.CycleID, Amount: share})
		distributed = distributed.Add(share)
	}
	return allocs, amount.Sub(distributed), nil
}

// ApplyReward credits planned allocations. TotalReward only ever grows.
// It returns copies of the touched cycles.
func (s *State) ApplyReward(allocs []Allocation, remainder decimal.Decimal) []model.Cycle {
	touched := make([]model.Cycle, 0, len(allocs))
	for _, a := range allocs {
		c := s.cycle(a.PoolID, a.CycleID)
		c.TotalReward = c.TotalReward.Add(a.Amount)
		touched = append(touched, *c)
	}
	if remainder.IsPositive() {
		s.unallocatedReward = s.unallocatedReward.Add(remainder)
	}
	return touched
}

// rewardable reports whether some stake of c can still claim a reward.
func rewardable(c *model.Cycle) bool {
	return c.TotalPrincipal.GreaterThan(c.SettledPrincipal)
}

// proRata computes floor(total * part / whole).
func proRata(total, part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	q, _ := total.Mul(part).QuoRem(whole, 0)
	return q
}
