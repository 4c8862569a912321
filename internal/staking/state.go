package staking

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

// ReopenPolicy decides when a pool may be opened again.
type ReopenPolicy string

const (
	// ReopenAfterWindow allows a new cycle once the previous acceptance
	// window has elapsed.
	ReopenAfterWindow ReopenPolicy = "window"

	// ReopenAfterMaturity additionally waits until the previous cycle's
	// stakes have matured.
	ReopenAfterMaturity ReopenPolicy = "maturity"
)

// DefaultPools are the four fixed pools.
var DefaultPools = []model.PoolConfig{
	{ID: 0, StakingPeriodDays: 30},
	{ID: 1, StakingPeriodDays: 90},
	{ID: 2, StakingPeriodDays: 180},
	{ID: 3, StakingPeriodDays: 360},
}

// State is the engine's owned store: pool registry, cycle history and the
// stake arena with its owner index. It holds no locks and never reads a
// clock; every time-gated method takes now explicitly. Engine serialises
// access.
type State struct {
	pools  map[model.PoolID]model.PoolConfig
	order  []model.PoolID
	cycles map[model.PoolID][]*model.Cycle

	// stakes[i] holds stake id i+1.
	stakes  []*model.Stake
	byOwner map[string][]uint64

	outstandingPrincipal decimal.Decimal
	unallocatedReward    decimal.Decimal
}

// NewState creates an empty state for the given pools.
func NewState(pools []model.PoolConfig) (*State, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: at least one pool is required", ErrInvalidArgument)
	}
	s := &State{
		pools:   make(map[model.PoolID]model.PoolConfig, len(pools)),
		cycles:  make(map[model.PoolID][]*model.Cycle, len(pools)),
		byOwner: make(map[string][]uint64),
	}
	for _, p := range pools {
		if p.StakingPeriodDays <= 0 {
			return nil, fmt.Errorf("%w: pool %d staking period must be positive", ErrInvalidArgument, p.ID)
		}
		if _, dup := s.pools[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pool %d", ErrInvalidArgument, p.ID)
		}
		s.pools[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return s, nil
}

// Restore rebuilds the arena from a persisted snapshot.
//
// A write-through that failed for good leaves a hole in the journal. Missing
// stake ids stay empty slots so later ids keep their place, and a missing
// cycle becomes a closed placeholder with no principal. Duplicates and
// stakes pointing at unknown cycles are still rejected.
func (s *State) Restore(snap *model.Snapshot) error {
	if snap == nil {
		return nil
	}

	cycles := make([]model.Cycle, len(snap.Cycles))
	copy(cycles, snap.Cycles)
	sort.Slice(cycles, func(i, j int) bool {
		if cycles[i].PoolID != cycles[j].PoolID {
			return cycles[i].PoolID < cycles[j].PoolID
		}
		return cycles[i].CycleID < cycles[j].CycleID
	})
	for i := range cycles {
		c := cycles[i]
		cfg, ok := s.pools[c.PoolID]
		if !ok {
			return fmt.Errorf("restore: cycle %d references %w %d", c.CycleID, ErrUnknownPool, c.PoolID)
		}
		next := uint64(len(s.cycles[c.PoolID]) + 1)
		if c.CycleID < next {
			return fmt.Errorf("restore: pool %d cycle %d appears twice", c.PoolID, c.CycleID)
		}
		for ; next < c.CycleID; next++ {
			s.cycles[c.PoolID] = append(s.cycles[c.PoolID], placeholderCycle(cfg, next, c.OpenedAt))
		}
		s.cycles[c.PoolID] = append(s.cycles[c.PoolID], &c)
	}

	stakes := make([]model.Stake, len(snap.Stakes))
	copy(stakes, snap.Stakes)
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].ID < stakes[j].ID })
	for i := range stakes {
		st := stakes[i]
		next := uint64(len(s.stakes) + 1)
		if st.ID < next {
			return fmt.Errorf("restore: stake %d appears twice", st.ID)
		}
		if s.cycle(st.PoolID, st.CycleID) == nil {
			return fmt.Errorf("restore: stake %d references missing cycle %d/%d", st.ID, st.PoolID, st.CycleID)
		}
		for ; next < st.ID; next++ {
			s.stakes = append(s.stakes, nil)
		}
		s.stakes = append(s.stakes, &st)
		s.byOwner[st.Owner] = append(s.byOwner[st.Owner], st.ID)
		if !st.Settled {
			s.outstandingPrincipal = s.outstandingPrincipal.Add(st.Principal)
		}
	}
	s.unallocatedReward = snap.UnallocatedReward
	return nil
}

// placeholderCycle stands in for a cycle the journal never received. Its
// window is zero so it never accepts deposits.
func placeholderCycle(cfg model.PoolConfig, id uint64, openedAt time.Time) *model.Cycle {
	return &model.Cycle{
		PoolID:            cfg.ID,
		CycleID:           id,
		OpenedAt:          openedAt,
		StakingPeriodDays: cfg.StakingPeriodDays,
		TotalPrincipal:    decimal.Zero,
		TotalReward:       decimal.Zero,
		SettledPrincipal:  decimal.Zero,
		RewardPaid:        decimal.Zero,
	}
}

// MissingStakes lists stake ids below the counter that have no record.
func (s *State) MissingStakes() []uint64 {
	var ids []uint64
	for i, st := range s.stakes {
		if st == nil {
			ids = append(ids, uint64(i+1))
		}
	}
	return ids
}

// Pools returns the pool configurations ordered by id.
func (s *State) Pools() []model.PoolConfig {
	out := make([]model.PoolConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pools[id])
	}
	return out
}

// Pool returns the configuration of one pool.
func (s *State) Pool(id model.PoolID) (model.PoolConfig, error) {
	p, ok := s.pools[id]
	if !ok {
		return model.PoolConfig{}, fmt.Errorf("%w %d", ErrUnknownPool, id)
	}
	return p, nil
}

// LatestCycle returns a copy of the pool's most recent cycle, or nil if the
// pool was never opened.
func (s *State) LatestCycle(id model.PoolID) *model.Cycle {
	c := s.latest(id)
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Cycles returns copies of every cycle of a pool, oldest first.
func (s *State) Cycles(id model.PoolID) []model.Cycle {
	out := make([]model.Cycle, 0, len(s.cycles[id]))
	for _, c := range s.cycles[id] {
		out = append(out, *c)
	}
	return out
}

// Stake returns a copy of one stake record.
func (s *State) Stake(id uint64) (*model.Stake, error) {
	st := s.stake(id)
	if st == nil {
		return nil, fmt.Errorf("%w %d", ErrStakeNotFound, id)
	}
	cp := *st
	return &cp, nil
}

// StakeIDCounter is the last assigned stake id (0 when none exists).
func (s *State) StakeIDCounter() uint64 {
	return uint64(len(s.stakes))
}

// OutstandingPrincipal is the principal of all unsettled stakes.
func (s *State) OutstandingPrincipal() decimal.Decimal {
	return s.outstandingPrincipal
}

// UnallocatedReward is reward funding held by the engine that no cycle owns,
// i.e. the floor-division remainders of global allocations.
func (s *State) UnallocatedReward() decimal.Decimal {
	return s.unallocatedReward
}

// UnpaidReward sums allocated reward not yet paid out over all cycles.
func (s *State) UnpaidReward() decimal.Decimal {
	total := decimal.Zero
	for _, id := range s.order {
		for _, c := range s.cycles[id] {
			total = total.Add(c.TotalReward.Sub(c.RewardPaid))
		}
	}
	return total
}

func (s *State) latest(id model.PoolID) *model.Cycle {
	cs := s.cycles[id]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (s *State) cycle(pool model.PoolID, cycleID uint64) *model.Cycle {
	cs := s.cycles[pool]
	// Cycle ids are 1-based and dense per pool.
	if cycleID == 0 || cycleID > uint64(len(cs)) {
		return nil
	}
	return cs[cycleID-1]
}

func (s *State) stake(id uint64) *model.Stake {
	if id == 0 || id > uint64(len(s.stakes)) {
		return nil
	}
	// nil for an id the journal lost.
	return s.stakes[id-1]
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.IsInteger() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount.String())
	}
	return nil
}
