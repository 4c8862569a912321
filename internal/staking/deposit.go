package staking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/limits"
	"github.com/atmx/stake-engine/internal/model"
)

// PlanDeposit validates a deposit by owner into the active cycle of pool at
// now and returns the target cycle. It does not mutate state.
func (s *State) PlanDeposit(owner string, pool model.PoolID, amount decimal.Decimal, now time.Time, limiter *limits.DepositLimiter) (*model.Cycle, error) {
	if _, err := s.Pool(pool); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	c := s.latest(pool)
	if c == nil {
		return nil, fmt.Errorf("%w: pool %d", ErrNoActiveCycle, pool)
	}
	if !c.Accepting(now) {
		return nil, fmt.Errorf("%w: pool %d cycle %d accepts deposits in [%s, %s)",
			ErrDepositWindowClosed, pool, c.CycleID,
			c.OpenedAt.Format(time.RFC3339), c.WindowClosesAt().Format(time.RFC3339))
	}

	if err := limiter.CheckDeposit(s.ownerPrincipal(owner, c), c.TotalPrincipal, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	cp := *c
	return &cp, nil
}

// ApplyDeposit records a stake for a deposit planned by PlanDeposit. The new
// stake gets the next id and is appended to the owner's index.
func (s *State) ApplyDeposit(owner string, pool model.PoolID, cycleID uint64, amount decimal.Decimal, now time.Time) (*model.Stake, *model.Cycle) {
	c := s.cycle(pool, cycleID)

	st := &model.Stake{
		ID:          uint64(len(s.stakes)) + 1,
		Owner:       owner,
		PoolID:      pool,
		CycleID:     cycleID,
		Principal:   amount,
		DepositedAt: now,
		MaturesAt:   c.MaturesAt(),
		RewardPaid:  decimal.Zero,
	}
	s.stakes = append(s.stakes, st)
	s.byOwner[owner] = append(s.byOwner[owner], st.ID)

	c.TotalPrincipal = c.TotalPrincipal.Add(amount)
	c.Deposits++
	s.outstandingPrincipal = s.outstandingPrincipal.Add(amount)

	stCopy, cCopy := *st, *c
	return &stCopy, &cCopy
}

// AllStakes returns the owner's stake ids in deposit order. The result is
// never nil.
func (s *State) AllStakes(owner string) []uint64 {
	ids := s.byOwner[owner]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

func (s *State) ownerPrincipal(owner string, c *model.Cycle) decimal.Decimal {
	total := decimal.Zero
	for _, id := range s.byOwner[owner] {
		st := s.stake(id)
		if st.PoolID == c.PoolID && st.CycleID == c.CycleID {
			total = total.Add(st.Principal)
		}
	}
	return total
}
