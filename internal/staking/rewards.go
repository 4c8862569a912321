package staking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

// Rewards returns the reward owed to stake id at now:
//
//	floor(cycle.TotalReward * stake.Principal / cycle.TotalPrincipal)
//
// evaluated against the cycle's totals at call time. The share does not
// depend on when inside the window the deposit was made. Settled stakes are
// rejected; they keep whatever they were paid.
func (s *State) Rewards(id uint64, now time.Time) (decimal.Decimal, error) {
	st := s.stake(id)
	if st == nil {
		return decimal.Zero, fmt.Errorf("%w %d", ErrStakeNotFound, id)
	}
	if now.Before(st.MaturesAt) {
		return decimal.Zero, fmt.Errorf("%w: stake %d matures at %s", ErrNotMature, id, st.MaturesAt.Format(time.RFC3339))
	}
	if st.Settled {
		return decimal.Zero, fmt.Errorf("%w: stake %d", ErrAlreadySettled, id)
	}
	return s.rewardOf(st), nil
}

func (s *State) rewardOf(st *model.Stake) decimal.Decimal {
	c := s.cycle(st.PoolID, st.CycleID)
	return proRata(c.TotalReward, st.Principal, c.TotalPrincipal)
}
