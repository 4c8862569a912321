package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/stake-engine/internal/model"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func seedCycle(pool model.PoolID, id uint64) model.Cycle {
	return model.Cycle{
		PoolID:            pool,
		CycleID:           id,
		OpenedAt:          t0,
		WindowHours:       24,
		StakingPeriodDays: 30,
		TotalPrincipal:    decimal.Zero,
		TotalReward:       decimal.Zero,
		SettledPrincipal:  decimal.Zero,
		RewardPaid:        decimal.Zero,
	}
}

func TestMemoryStore_DepositAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := seedCycle(0, 1)
	require.NoError(t, s.SaveCycle(ctx, &c))

	for i, owner := range []string{"0xaa", "0xbb", "0xaa"} {
		c.TotalPrincipal = c.TotalPrincipal.Add(decimal.NewFromInt(100))
		c.Deposits++
		st := model.Stake{
			ID:          uint64(i + 1),
			Owner:       owner,
			PoolID:      0,
			CycleID:     1,
			Principal:   decimal.NewFromInt(100),
			DepositedAt: t0.Add(time.Hour),
			MaturesAt:   c.MaturesAt(),
		}
		require.NoError(t, s.RecordDeposit(ctx, &c, &st))
	}

	dup := model.Stake{ID: 2, Owner: "0xcc"}
	assert.Error(t, s.RecordDeposit(ctx, &c, &dup))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Cycles, 1)
	require.Len(t, snap.Stakes, 3)
	assert.True(t, snap.Cycles[0].TotalPrincipal.Equal(decimal.NewFromInt(300)))
	for i, st := range snap.Stakes {
		assert.Equal(t, uint64(i+1), st.ID)
	}

	mine, err := s.ListStakesByOwner(ctx, "0xaa")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, uint64(1), mine[0].ID)
	assert.Equal(t, uint64(3), mine[1].ID)
}

func TestMemoryStore_Withdrawal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := seedCycle(1, 1)
	st := model.Stake{ID: 1, Owner: "0xaa", PoolID: 1, CycleID: 1, Principal: decimal.NewFromInt(50)}
	require.NoError(t, s.RecordDeposit(ctx, &c, &st))

	settledAt := t0.Add(31 * 24 * time.Hour)
	st.Settled = true
	st.SettledAt = &settledAt
	st.RewardPaid = decimal.NewFromInt(5)
	require.NoError(t, s.RecordWithdrawal(ctx, &c, &st))

	got, err := s.GetStake(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Settled)
	assert.True(t, got.RewardPaid.Equal(decimal.NewFromInt(5)))

	missing := model.Stake{ID: 9}
	assert.ErrorIs(t, s.RecordWithdrawal(ctx, &c, &missing), ErrNotFound)

	_, err = s.GetStake(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AllocationAndCycles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, b := seedCycle(0, 1), seedCycle(0, 2)
	other := seedCycle(3, 1)
	for _, c := range []*model.Cycle{&b, &a, &other} {
		require.NoError(t, s.SaveCycle(ctx, c))
	}

	b.TotalReward = decimal.NewFromInt(99)
	require.NoError(t, s.RecordAllocation(ctx, []model.Cycle{b}, decimal.NewFromInt(1)))

	cycles, err := s.ListCycles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, uint64(1), cycles[0].CycleID)
	assert.True(t, cycles[1].TotalReward.Equal(decimal.NewFromInt(99)))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.UnallocatedReward.Equal(decimal.NewFromInt(1)))
	assert.Len(t, snap.Cycles, 3)
}

func TestMemoryStore_EmptyListsAreNotNil(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stakes, err := s.ListStakesByOwner(ctx, "0xaa")
	require.NoError(t, err)
	assert.NotNil(t, stakes)
	assert.Empty(t, stakes)

	cycles, err := s.ListCycles(ctx, 2)
	require.NoError(t, err)
	assert.NotNil(t, cycles)
	assert.Empty(t, cycles)
}

func TestMemoryStore_Ledger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	snap, err := s.LoadLedger(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "nothing recorded yet")

	require.NoError(t, s.RecordLedger(ctx, &model.LedgerUpdate{
		TotalSupply: decimal.NewFromInt(100),
		Balances:    map[string]decimal.Decimal{"0xaa": decimal.NewFromInt(70), "0xbb": decimal.NewFromInt(30)},
		Allowances:  []model.TokenAllowance{{Owner: "0xbb", Spender: "0xee", Amount: decimal.NewFromInt(5)}},
		Roles:       []model.TokenRoleGrant{{Role: "minter", Account: "0xaa", Granted: true}},
		Blacklist:   map[string]bool{"0xcc": true},
	}))
	require.NoError(t, s.RecordLedger(ctx, &model.LedgerUpdate{
		TotalSupply: decimal.NewFromInt(100),
		Paused:      true,
		Balances:    map[string]decimal.Decimal{"0xbb": decimal.NewFromInt(25), "0xee": decimal.NewFromInt(5)},
		Roles:       []model.TokenRoleGrant{{Role: "minter", Account: "0xaa", Granted: false}},
		Blacklist:   map[string]bool{"0xcc": false},
	}))

	snap, err = s.LoadLedger(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Paused)
	assert.True(t, snap.Balances["0xaa"].Equal(decimal.NewFromInt(70)))
	assert.True(t, snap.Balances["0xbb"].Equal(decimal.NewFromInt(25)))
	assert.True(t, snap.Balances["0xee"].Equal(decimal.NewFromInt(5)))
	require.Len(t, snap.Allowances, 1)
	assert.Equal(t, "0xee", snap.Allowances[0].Spender)
	assert.Empty(t, snap.Roles)
	assert.Empty(t, snap.Blacklist)
}
