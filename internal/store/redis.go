package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveCycle(ctx context.Context, c *model.Cycle) error {
	if err := s.primary.SaveCycle(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, cyclesKey(c.PoolID))
	return nil
}

func (s *CachedStore) RecordAllocation(ctx context.Context, cycles []model.Cycle, unallocated decimal.Decimal) error {
	if err := s.primary.RecordAllocation(ctx, cycles, unallocated); err != nil {
		return err
	}
	keys := make([]string, 0, len(cycles))
	for _, c := range cycles {
		keys = append(keys, cyclesKey(c.PoolID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) RecordDeposit(ctx context.Context, c *model.Cycle, st *model.Stake) error {
	if err := s.primary.RecordDeposit(ctx, c, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, cyclesKey(c.PoolID), ownerKey(st.Owner))
	s.cacheStake(ctx, st)
	return nil
}

func (s *CachedStore) RecordWithdrawal(ctx context.Context, c *model.Cycle, st *model.Stake) error {
	if err := s.primary.RecordWithdrawal(ctx, c, st); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, cyclesKey(c.PoolID), ownerKey(st.Owner), stakeKey(st.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStake(ctx context.Context, id uint64) (*model.Stake, error) {
	data, err := s.rdb.Get(ctx, stakeKey(id)).Bytes()
	if err == nil {
		var st model.Stake
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetStake(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheStake(ctx, st)
	return st, nil
}

func (s *CachedStore) ListStakesByOwner(ctx context.Context, owner string) ([]model.Stake, error) {
	data, err := s.rdb.Get(ctx, ownerKey(owner)).Bytes()
	if err == nil {
		var stakes []model.Stake
		if json.Unmarshal(data, &stakes) == nil {
			return stakes, nil
		}
	}

	stakes, err := s.primary.ListStakesByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, ownerKey(owner), stakes)
	return stakes, nil
}

func (s *CachedStore) ListCycles(ctx context.Context, pool model.PoolID) ([]model.Cycle, error) {
	data, err := s.rdb.Get(ctx, cyclesKey(pool)).Bytes()
	if err == nil {
		var cycles []model.Cycle
		if json.Unmarshal(data, &cycles) == nil {
			return cycles, nil
		}
	}

	cycles, err := s.primary.ListCycles(ctx, pool)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, cyclesKey(pool), cycles)
	return cycles, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.LoadSnapshot(ctx)
}

func (s *CachedStore) RecordLedger(ctx context.Context, u *model.LedgerUpdate) error {
	return s.primary.RecordLedger(ctx, u)
}

func (s *CachedStore) LoadLedger(ctx context.Context) (*model.LedgerSnapshot, error) {
	return s.primary.LoadLedger(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheStake(ctx context.Context, st *model.Stake) {
	s.cacheJSON(ctx, stakeKey(st.ID), st)
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func stakeKey(id uint64) string          { return fmt.Sprintf("stake:%d", id) }
func ownerKey(owner string) string       { return fmt.Sprintf("owner-stakes:%s", owner) }
func cyclesKey(pool model.PoolID) string { return fmt.Sprintf("pool-cycles:%d", pool) }
