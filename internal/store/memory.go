package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

type cycleKey struct {
	pool  model.PoolID
	cycle uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	cycles      map[cycleKey]model.Cycle
	stakes      map[uint64]model.Stake
	unallocated decimal.Decimal

	// ledger is nil until the first RecordLedger.
	ledger *memoryLedger
}

type allowanceKey struct{ owner, spender string }

type memoryLedger struct {
	supply     decimal.Decimal
	paused     bool
	balances   map[string]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
	roles      map[model.TokenRoleGrant]bool
	blacklist  map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles: make(map[cycleKey]model.Cycle),
		stakes: make(map[uint64]model.Stake),
	}
}

func (s *MemoryStore) SaveCycle(_ context.Context, c *model.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles[cycleKey{c.PoolID, c.CycleID}] = *c
	return nil
}

func (s *MemoryStore) RecordAllocation(_ context.Context, cycles []model.Cycle, unallocated decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cycles {
		s.cycles[cycleKey{c.PoolID, c.CycleID}] = c
	}
	s.unallocated = unallocated
	return nil
}

func (s *MemoryStore) RecordDeposit(_ context.Context, c *model.Cycle, st *model.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stakes[st.ID]; exists {
		return fmt.Errorf("stake %d already exists", st.ID)
	}
	s.stakes[st.ID] = *st
	s.cycles[cycleKey{c.PoolID, c.CycleID}] = *c
	return nil
}

func (s *MemoryStore) RecordWithdrawal(_ context.Context, c *model.Cycle, st *model.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stakes[st.ID]; !exists {
		return fmt.Errorf("stake %d: %w", st.ID, ErrNotFound)
	}
	s.stakes[st.ID] = *st
	s.cycles[cycleKey{c.PoolID, c.CycleID}] = *c
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{UnallocatedReward: s.unallocated}
	for _, c := range s.cycles {
		snap.Cycles = append(snap.Cycles, c)
	}
	for _, st := range s.stakes {
		snap.Stakes = append(snap.Stakes, st)
	}
	sort.Slice(snap.Stakes, func(i, j int) bool { return snap.Stakes[i].ID < snap.Stakes[j].ID })
	return snap, nil
}

func (s *MemoryStore) GetStake(_ context.Context, id uint64) (*model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stakes[id]
	if !ok {
		return nil, fmt.Errorf("stake %d: %w", id, ErrNotFound)
	}
	return &st, nil
}

func (s *MemoryStore) ListStakesByOwner(_ context.Context, owner string) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Stake{}
	for _, st := range s.stakes {
		if st.Owner == owner {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListCycles(_ context.Context, pool model.PoolID) ([]model.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Cycle{}
	for k, c := range s.cycles {
		if k.pool == pool {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CycleID < result[j].CycleID })
	return result, nil
}

func (s *MemoryStore) RecordLedger(_ context.Context, u *model.LedgerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil {
		s.ledger = &memoryLedger{
			balances:   make(map[string]decimal.Decimal),
			allowances: make(map[allowanceKey]decimal.Decimal),
			roles:      make(map[model.TokenRoleGrant]bool),
			blacklist:  make(map[string]bool),
		}
	}
	l := s.ledger
	l.supply = u.TotalSupply
	l.paused = u.Paused
	for acct, bal := range u.Balances {
		l.balances[acct] = bal
	}
	for _, a := range u.Allowances {
		l.allowances[allowanceKey{a.Owner, a.Spender}] = a.Amount
	}
	for _, g := range u.Roles {
		key := model.TokenRoleGrant{Role: g.Role, Account: g.Account}
		if g.Granted {
			l.roles[key] = true
		} else {
			delete(l.roles, key)
		}
	}
	for acct, listed := range u.Blacklist {
		if listed {
			l.blacklist[acct] = true
		} else {
			delete(l.blacklist, acct)
		}
	}
	return nil
}

func (s *MemoryStore) LoadLedger(_ context.Context) (*model.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.ledger
	if l == nil {
		return nil, nil
	}
	snap := &model.LedgerSnapshot{
		TotalSupply: l.supply,
		Paused:      l.paused,
		Balances:    make(map[string]decimal.Decimal, len(l.balances)),
	}
	for acct, bal := range l.balances {
		snap.Balances[acct] = bal
	}
	for k, amt := range l.allowances {
		snap.Allowances = append(snap.Allowances, model.TokenAllowance{Owner: k.owner, Spender: k.spender, Amount: amt})
	}
	for g := range l.roles {
		g.Granted = true
		snap.Roles = append(snap.Roles, g)
	}
	for acct := range l.blacklist {
		snap.Blacklist = append(snap.Blacklist, acct)
	}
	return snap, nil
}
