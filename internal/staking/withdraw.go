package staking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

// Payout is the amount a withdrawal sends to the stake owner.
type Payout struct {
	StakeID   uint64          `json:"stake_id"`
	Owner     string          `json:"owner"`
	Principal decimal.Decimal `json:"principal"`
	Reward    decimal.Decimal `json:"reward"`
	Total     decimal.Decimal `json:"total"`
}

// PlanWithdrawal validates a withdrawal of stake id by caller at now and
// computes the payout. It does not mutate state.
//
// Stake states: Locked (before MaturesAt) → Matured → Settled (terminal).
func (s *State) PlanWithdrawal(caller string, id uint64, now time.Time) (*Payout, error) {
	st := s.stake(id)
	if st == nil {
		return nil, fmt.Errorf("%w %d", ErrStakeNotFound, id)
	}
	if st.Owner != caller {
		return nil, fmt.Errorf("%w: stake %d", ErrNotOwner, id)
	}

	switch st.StateAt(now) {
	case model.StakeSettled:
		return nil, fmt.Errorf("%w: stake %d", ErrAlreadySettled, id)
	case model.StakeLocked:
		return nil, fmt.Errorf("%w: stake %d matures at %s", ErrNotMature, id, st.MaturesAt.Format(time.RFC3339))
	}

	reward := s.rewardOf(st)
	return &Payout{
		StakeID:   id,
		Owner:     st.Owner,
		Principal: st.Principal,
		Reward:    reward,
		Total:     st.Principal.Add(reward),
	}, nil
}

// ApplyWithdrawal settles the stake after its payout was transferred. The
// stake's principal leaves the outstanding liability but stays in the
// cycle's historical TotalPrincipal.
func (s *State) ApplyWithdrawal(p *Payout, now time.Time) (*model.Stake, *model.Cycle) {
	st := s.stake(p.StakeID)
	c := s.cycle(st.PoolID, st.CycleID)

	settledAt := now
	st.Settled = true
	st.SettledAt = &settledAt
	st.RewardPaid = p.Reward

	c.SettledPrincipal = c.SettledPrincipal.Add(st.Principal)
	c.RewardPaid = c.RewardPaid.Add(p.Reward)
	s.outstandingPrincipal = s.outstandingPrincipal.Sub(st.Principal)

	stCopy, cCopy := *st, *c
	return &stCopy, &cCopy
}
