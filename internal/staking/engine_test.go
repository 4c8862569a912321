package staking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/stake-engine/internal/limits"
	"github.com/atmx/stake-engine/internal/model"
	"github.com/atmx/stake-engine/internal/store"
)

const (
	manager    = "0x00000000000000000000000000000000000000aa"
	alice      = "0x00000000000000000000000000000000000000a1"
	bob        = "0x00000000000000000000000000000000000000b2"
	carol      = "0x00000000000000000000000000000000000000c3"
	engineAcct = "0x00000000000000000000000000000000000000ee"
)

var (
	t0  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	day = 24 * time.Hour
	ctx = context.Background()
)

func d(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

var errLedgerDown = errors.New("ledger: unavailable")

// fakeLedger is an in-memory AssetLedger with failure injection.
type fakeLedger struct {
	balances map[string]decimal.Decimal
	failIn   error
	failOut  error
}

func newFakeLedger(funded ...string) *fakeLedger {
	l := &fakeLedger{balances: make(map[string]decimal.Decimal)}
	for _, a := range funded {
		l.balances[a] = d(1_000_000)
	}
	return l
}

func (l *fakeLedger) TransferIn(_ context.Context, from string, amount decimal.Decimal) error {
	if l.failIn != nil {
		return l.failIn
	}
	return l.move(from, engineAcct, amount)
}

func (l *fakeLedger) TransferOut(_ context.Context, to string, amount decimal.Decimal) error {
	if l.failOut != nil {
		return l.failOut
	}
	return l.move(engineAcct, to, amount)
}

func (l *fakeLedger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	return l.balances[account], nil
}

func (l *fakeLedger) move(from, to string, amount decimal.Decimal) error {
	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("insufficient balance: %s", from)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

type recorder struct{ events []model.Event }

func (r *recorder) Emit(evt model.Event) { r.events = append(r.events, evt) }

func (r *recorder) types() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type failingJournal struct{ store.Store }

func (failingJournal) RecordDeposit(context.Context, *model.Cycle, *model.Stake) error {
	return errors.New("db down")
}

// flakyJournal fails RecordDeposit while failures is positive.
type flakyJournal struct {
	store.Store
	failures int
}

func (j *flakyJournal) RecordDeposit(ctx context.Context, c *model.Cycle, st *model.Stake) error {
	if j.failures > 0 {
		j.failures--
		return errors.New("db: connection reset")
	}
	return j.Store.RecordDeposit(ctx, c, st)
}

func newEngine(t *testing.T, ledger AssetLedger, opts Options) *Engine {
	t.Helper()
	if opts.Managers == nil {
		opts.Managers = []string{manager}
	}
	e, err := NewEngine(ledger, opts)
	require.NoError(t, err)
	return e
}

// --- Pool Registry ---

func TestStartStaking_ManagerOnly(t *testing.T) {
	e := newEngine(t, newFakeLedger(), Options{})

	_, err := e.StartStaking(ctx, alice, 0, 24, t0)
	assert.ErrorIs(t, err, ErrNotManager)
	assert.ErrorIs(t, err, ErrUnauthorized)

	c, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.CycleID)
	assert.Equal(t, t0.Add(24*time.Hour), c.WindowClosesAt())
	assert.Equal(t, t0.Add(30*day), c.MaturesAt())
}

func TestStartStaking_RejectsBadArguments(t *testing.T) {
	e := newEngine(t, newFakeLedger(), Options{})

	_, err := e.StartStaking(ctx, manager, 0, 0, t0)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = e.StartStaking(ctx, manager, 7, 24, t0)
	assert.ErrorIs(t, err, ErrUnknownPool)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartStaking_ReopenAfterWindow(t *testing.T) {
	e := newEngine(t, newFakeLedger(alice), Options{})

	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(100), t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = e.StartStaking(ctx, manager, 0, 24, t0.Add(24*time.Hour-time.Nanosecond))
	assert.ErrorIs(t, err, ErrCycleAlreadyOpen)
	assert.ErrorIs(t, err, ErrWindowViolation)

	c, err := e.StartStaking(ctx, manager, 0, 12, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.CycleID)
	assert.True(t, c.TotalPrincipal.IsZero())

	// The old cycle's history survives the reopen.
	cycles, err := e.Cycles(0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.True(t, cycles[0].TotalPrincipal.Equal(d(100)))

	hours, err := e.TimeAccepting(0)
	require.NoError(t, err)
	assert.Equal(t, 12, hours)
}

func TestStartStaking_ReopenAfterMaturity(t *testing.T) {
	e := newEngine(t, newFakeLedger(), Options{ReopenPolicy: ReopenAfterMaturity})

	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)

	_, err = e.StartStaking(ctx, manager, 0, 24, t0.Add(10*day))
	assert.ErrorIs(t, err, ErrCycleAlreadyOpen)

	_, err = e.StartStaking(ctx, manager, 0, 24, t0.Add(30*day))
	assert.NoError(t, err)
}

func TestPoolAccessors(t *testing.T) {
	e := newEngine(t, newFakeLedger(), Options{})

	for pool, want := range map[model.PoolID]int{0: 30, 1: 90, 2: 180, 3: 360} {
		days, err := e.PeriodStaking(pool)
		require.NoError(t, err)
		assert.Equal(t, want, days)
	}

	hours, err := e.TimeAccepting(2)
	require.NoError(t, err)
	assert.Zero(t, hours)

	_, err = e.PeriodStaking(4)
	assert.ErrorIs(t, err, ErrUnknownPool)

	views := e.Pools(t0)
	require.Len(t, views, 4)
	assert.Nil(t, views[0].LatestCycle)
	assert.False(t, views[0].Accepting)
}

// --- Stake Ledger ---

func TestAddDeposit_WindowEdges(t *testing.T) {
	ledger := newFakeLedger(alice)
	e := newEngine(t, ledger, Options{})

	_, err := e.AddDeposit(ctx, alice, 0, d(1), t0)
	assert.ErrorIs(t, err, ErrNoActiveCycle)

	opened := t0.Add(time.Hour)
	_, err = e.StartStaking(ctx, manager, 0, 24, opened)
	require.NoError(t, err)

	_, err = e.AddDeposit(ctx, alice, 0, d(1), opened.Add(-time.Second))
	assert.ErrorIs(t, err, ErrDepositWindowClosed)

	_, err = e.AddDeposit(ctx, alice, 0, d(1), opened)
	assert.NoError(t, err)

	_, err = e.AddDeposit(ctx, alice, 0, d(1), opened.Add(24*time.Hour-time.Nanosecond))
	assert.NoError(t, err)

	_, err = e.AddDeposit(ctx, alice, 0, d(1), opened.Add(24*time.Hour))
	assert.ErrorIs(t, err, ErrDepositWindowClosed)
	assert.ErrorIs(t, err, ErrWindowViolation)

	assert.Equal(t, uint64(2), e.StakeIDCounter())
	assert.True(t, ledger.balances[engineAcct].Equal(d(2)))
}

func TestAddDeposit_RejectsInvalidAmounts(t *testing.T) {
	e := newEngine(t, newFakeLedger(alice), Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)

	for _, amt := range []decimal.Decimal{d(0), d(-5), decimal.RequireFromString("0.5")} {
		_, err := e.AddDeposit(ctx, alice, 0, amt, t0)
		assert.ErrorIs(t, err, ErrInvalidAmount, amt.String())
	}
	assert.Zero(t, e.StakeIDCounter())
}

func TestAddDeposit_PrincipalSumMatchesCycleTotal(t *testing.T) {
	e := newEngine(t, newFakeLedger(alice, bob, carol), Options{})
	_, err := e.StartStaking(ctx, manager, 1, 48, t0)
	require.NoError(t, err)

	deposits := []struct {
		who string
		amt int64
	}{{alice, 10}, {bob, 25}, {alice, 7}, {carol, 1000}, {bob, 3}}

	sum := decimal.Zero
	for i, dep := range deposits {
		st, err := e.AddDeposit(ctx, dep.who, 1, d(dep.amt), t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), st.ID)
		assert.Equal(t, t0.Add(90*day), st.MaturesAt)

		sum = sum.Add(d(dep.amt))
		cycles, err := e.Cycles(1)
		require.NoError(t, err)
		assert.True(t, cycles[0].TotalPrincipal.Equal(sum), "after deposit %d", i+1)
	}

	assert.Equal(t, []uint64{1, 3}, e.AllStakes(alice))
	assert.Equal(t, []uint64{2, 5}, e.AllStakes(bob))
	assert.Equal(t, []uint64{}, e.AllStakes(manager))
}

func TestAddDeposit_AssetFailureLeavesStateUnchanged(t *testing.T) {
	ledger := newFakeLedger(alice)
	e := newEngine(t, ledger, Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)

	ledger.failIn = errLedgerDown
	_, err = e.AddDeposit(ctx, alice, 0, d(10), t0)
	assert.ErrorIs(t, err, ErrAssetTransferFailed)
	assert.ErrorIs(t, err, errLedgerDown)

	// Insufficient funds surface the same kind.
	ledger.failIn = nil
	_, err = e.AddDeposit(ctx, bob, 0, d(10), t0)
	assert.ErrorIs(t, err, ErrAssetTransferFailed)

	assert.Zero(t, e.StakeIDCounter())
	assert.Empty(t, e.AllStakes(alice))
	cycles, err := e.Cycles(0)
	require.NoError(t, err)
	assert.True(t, cycles[0].TotalPrincipal.IsZero())
	assert.Zero(t, cycles[0].Deposits)
}

func TestAddDeposit_Limits(t *testing.T) {
	lim := limits.NewDepositLimiter(d(100), d(150))
	e := newEngine(t, newFakeLedger(alice, bob), Options{Limiter: lim})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)

	_, err = e.AddDeposit(ctx, alice, 0, d(80), t0)
	require.NoError(t, err)

	_, err = e.AddDeposit(ctx, alice, 0, d(30), t0)
	assert.ErrorIs(t, err, limits.ErrAccountCapExceeded)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.AddDeposit(ctx, bob, 0, d(80), t0)
	assert.ErrorIs(t, err, limits.ErrCycleCapExceeded)

	_, err = e.AddDeposit(ctx, bob, 0, d(70), t0)
	assert.NoError(t, err)
}

// --- Reward Allocator ---

func TestGetRewards_ProRataFloor(t *testing.T) {
	ledger := newFakeLedger(manager, alice, bob, carol)
	e := newEngine(t, ledger, Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	for _, who := range []string{alice, bob, carol} {
		_, err := e.AddDeposit(ctx, who, 0, d(1), t0)
		require.NoError(t, err)
	}

	_, err = e.SetRewards(ctx, manager, 0, 0, d(10), t0.Add(day))
	require.NoError(t, err)

	_, err = e.GetRewards(1, t0.Add(29*day))
	assert.ErrorIs(t, err, ErrNotMature)

	mature := t0.Add(30 * day)
	for id := uint64(1); id <= 3; id++ {
		r, err := e.GetRewards(id, mature)
		require.NoError(t, err)
		assert.True(t, r.Equal(d(3)), "stake %d got %s", id, r)
	}

	_, err = e.GetRewards(99, mature)
	assert.ErrorIs(t, err, ErrStakeNotFound)
}

func TestSetRewards_AccumulatesAndRequiresCycle(t *testing.T) {
	ledger := newFakeLedger(manager, alice)
	e := newEngine(t, ledger, Options{})

	_, err := e.SetRewards(ctx, manager, 0, 0, d(10), t0)
	assert.ErrorIs(t, err, ErrNoActiveCycle)

	_, err = e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(50), t0)
	require.NoError(t, err)

	_, err = e.SetRewards(ctx, alice, 0, 0, d(10), t0)
	assert.ErrorIs(t, err, ErrNotManager)

	for i := 0; i < 3; i++ {
		_, err = e.SetRewards(ctx, manager, 0, 0, d(10), t0)
		require.NoError(t, err)
	}
	r, err := e.GetRewards(1, t0.Add(30*day))
	require.NoError(t, err)
	assert.True(t, r.Equal(d(30)))
	assert.True(t, ledger.balances[engineAcct].Equal(d(80)))

	ledger.failIn = errLedgerDown
	_, err = e.SetRewards(ctx, manager, 0, 0, d(10), t0)
	assert.ErrorIs(t, err, ErrAssetTransferFailed)
	r, _ = e.GetRewards(1, t0.Add(30*day))
	assert.True(t, r.Equal(d(30)), "failed funding must not credit the cycle")
}

func TestSetRewards_ReopenedPoolRewardsMaturedCycle(t *testing.T) {
	ledger := newFakeLedger(manager, alice)
	e := newEngine(t, ledger, Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(1000), t0)
	require.NoError(t, err)
	_, err = e.StartStaking(ctx, manager, 0, 24, t0.Add(48*time.Hour))
	require.NoError(t, err)

	mature := t0.Add(30 * day)

	// The latest cycle is empty: funding it would strand the reward.
	_, err = e.SetRewards(ctx, manager, 0, 0, d(100), mature)
	assert.ErrorIs(t, err, ErrNothingToReward)
	assert.True(t, ledger.balances[engineAcct].Equal(d(1000)))

	_, err = e.SetRewards(ctx, manager, 0, 9, d(100), mature)
	assert.ErrorIs(t, err, ErrUnknownCycle)
	assert.ErrorIs(t, err, ErrNotFound)

	allocs, err := e.SetRewards(ctx, manager, 0, 1, d(100), mature)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, uint64(1), allocs[0].CycleID)

	r, err := e.GetRewards(1, mature)
	require.NoError(t, err)
	assert.True(t, r.Equal(d(100)))

	p, err := e.WithdrawStake(ctx, alice, 1, mature)
	require.NoError(t, err)
	assert.True(t, p.Total.Equal(d(1100)))

	// Every stake of cycle 1 is settled now.
	_, err = e.SetRewards(ctx, manager, 0, 1, d(100), mature)
	assert.ErrorIs(t, err, ErrNothingToReward)
}

func TestSetRewardsAll_SplitsAcrossLatestCycles(t *testing.T) {
	ledger := newFakeLedger(manager, alice, bob)
	e := newEngine(t, ledger, Options{})

	_, _, err := e.SetRewardsAll(ctx, manager, d(100), t0)
	assert.ErrorIs(t, err, ErrNothingToReward)

	for _, pool := range []model.PoolID{0, 3} {
		_, err := e.StartStaking(ctx, manager, pool, 24, t0)
		require.NoError(t, err)
	}
	_, err = e.AddDeposit(ctx, alice, 0, d(300), t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, bob, 3, d(400), t0)
	require.NoError(t, err)

	allocs, remainder, err := e.SetRewardsAll(ctx, manager, d(1000), t0)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.True(t, allocs[0].Amount.Equal(d(428)))
	assert.True(t, allocs[1].Amount.Equal(d(571)))
	assert.True(t, remainder.Equal(d(1)))

	report, err := e.Solvency(ctx, engineAcct)
	require.NoError(t, err)
	assert.True(t, report.UnallocatedReward.Equal(d(1)))
	assert.True(t, report.UnpaidReward.Equal(d(999)))
	assert.True(t, report.LedgerBalance.Equal(d(1700)))
	assert.True(t, report.Solvent)
}

// --- Withdrawal Engine ---

func TestWithdrawStake_ExactlyOnce(t *testing.T) {
	ledger := newFakeLedger(manager, alice)
	e := newEngine(t, ledger, Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(1000), t0.Add(2*time.Hour))
	require.NoError(t, err)

	_, err = e.WithdrawStake(ctx, alice, 1, t0.Add(29*day))
	assert.ErrorIs(t, err, ErrNotMature)
	st, err := e.Stake(1)
	require.NoError(t, err)
	assert.Equal(t, model.StakeLocked, st.StateAt(t0.Add(29*day)))

	mature := t0.Add(30 * day)
	_, err = e.SetRewards(ctx, manager, 0, 0, d(100), mature)
	require.NoError(t, err)

	_, err = e.WithdrawStake(ctx, bob, 1, mature)
	assert.ErrorIs(t, err, ErrNotOwner)

	p, err := e.WithdrawStake(ctx, alice, 1, mature)
	require.NoError(t, err)
	assert.True(t, p.Total.Equal(d(1100)))
	assert.True(t, ledger.balances[alice].Equal(d(1_000_100)))

	_, err = e.WithdrawStake(ctx, alice, 1, mature.Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = e.GetRewards(1, mature)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	st, err = e.Stake(1)
	require.NoError(t, err)
	assert.True(t, st.Settled)
	assert.Equal(t, mature, *st.SettledAt)
	assert.True(t, st.RewardPaid.Equal(d(100)))
}

func TestWithdrawStake_TransferFailureKeepsStakeMatured(t *testing.T) {
	ledger := newFakeLedger(alice)
	e := newEngine(t, ledger, Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(500), t0)
	require.NoError(t, err)

	mature := t0.Add(30 * day)
	ledger.failOut = errLedgerDown
	_, err = e.WithdrawStake(ctx, alice, 1, mature)
	assert.ErrorIs(t, err, ErrAssetTransferFailed)

	st, err := e.Stake(1)
	require.NoError(t, err)
	assert.Equal(t, model.StakeMatured, st.StateAt(mature))

	report, err := e.Solvency(ctx, engineAcct)
	require.NoError(t, err)
	assert.True(t, report.OutstandingPrincipal.Equal(d(500)))

	ledger.failOut = nil
	_, err = e.WithdrawStake(ctx, alice, 1, mature)
	assert.NoError(t, err)
}

// Rewards added after an early withdrawal go to the remaining stakers; the
// early withdrawer is not topped up and nothing is paid twice.
func TestWithdrawStake_LateRewardGoesToRemainingStakers(t *testing.T) {
	ledger := newFakeLedger(manager, alice, bob)
	e := newEngine(t, ledger, Options{})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(100), t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, bob, 0, d(100), t0)
	require.NoError(t, err)

	mature := t0.Add(30 * day)
	_, err = e.SetRewards(ctx, manager, 0, 0, d(100), mature)
	require.NoError(t, err)

	pa, err := e.WithdrawStake(ctx, alice, 1, mature)
	require.NoError(t, err)
	assert.True(t, pa.Reward.Equal(d(50)))

	_, err = e.SetRewards(ctx, manager, 0, 0, d(100), mature)
	require.NoError(t, err)

	pb, err := e.WithdrawStake(ctx, bob, 2, mature)
	require.NoError(t, err)
	assert.True(t, pb.Reward.Equal(d(100)))

	paid := pa.Reward.Add(pb.Reward)
	assert.True(t, paid.LessThanOrEqual(d(200)))

	report, err := e.Solvency(ctx, engineAcct)
	require.NoError(t, err)
	assert.True(t, report.OutstandingPrincipal.IsZero())
	assert.True(t, report.UnpaidReward.Equal(d(50)))
	assert.True(t, report.LedgerBalance.Equal(d(50)))
}

// --- Roles ---

func TestManagers_GrantRevoke(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, newFakeLedger(), Options{Emitter: rec})

	assert.True(t, e.HasManagerRole(manager))
	assert.ErrorIs(t, e.GrantManager(alice, bob, t0), ErrNotManager)

	require.NoError(t, e.GrantManager(manager, alice, t0))
	assert.True(t, e.HasManagerRole(alice))

	require.NoError(t, e.RevokeManager(alice, manager, t0))
	assert.False(t, e.HasManagerRole(manager))
	assert.ErrorIs(t, e.RevokeManager(alice, alice, t0), ErrLastManager)

	err := e.RevokeManager(alice, bob, t0)
	assert.ErrorIs(t, err, ErrNotAManager)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.True(t, e.HasManagerRole(alice))

	// Only the two real changes were announced.
	assert.Equal(t, []string{model.EventManagerGranted, model.EventManagerRevoked}, rec.types())
}

// --- Persistence, events and restore ---

func TestEngine_EmitsEventsForCommittedTransitions(t *testing.T) {
	rec := &recorder{}
	ledger := newFakeLedger(manager, alice)
	e := newEngine(t, ledger, Options{Emitter: rec})

	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(10), t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(10), t0.Add(48*time.Hour)) // rejected
	require.Error(t, err)
	_, err = e.SetRewards(ctx, manager, 0, 0, d(5), t0)
	require.NoError(t, err)
	_, err = e.WithdrawStake(ctx, alice, 1, t0.Add(30*day))
	require.NoError(t, err)

	assert.Equal(t, []string{
		model.EventCycleOpened,
		model.EventStakeDeposited,
		model.EventRewardsAllocated,
		model.EventStakeWithdrawn,
	}, rec.types())
	for _, evt := range rec.events {
		assert.NotEmpty(t, evt.ID)
	}
	assert.Equal(t, "1", rec.events[1].Attributes["stake_id"])
	assert.Equal(t, "10", rec.events[3].Attributes["principal"])
	assert.Equal(t, "5", rec.events[3].Attributes["reward"])
}

func TestEngine_PersistFailureDoesNotRollBack(t *testing.T) {
	ledger := newFakeLedger(alice)
	e := newEngine(t, ledger, Options{Journal: failingJournal{store.NewMemoryStore()}})
	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)

	st, err := e.AddDeposit(ctx, alice, 0, d(10), t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ID)
	assert.Equal(t, uint64(1), e.StakeIDCounter())
	assert.True(t, ledger.balances[engineAcct].Equal(d(10)))
}

func TestEngine_RestoreFromJournal(t *testing.T) {
	ms := store.NewMemoryStore()
	ledger := newFakeLedger(manager, alice, bob)
	e := newEngine(t, ledger, Options{Journal: ms})

	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.StartStaking(ctx, manager, 0, 24, t0.Add(day))
	require.NoError(t, err)
	_, err = e.StartStaking(ctx, manager, 3, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(100), t0.Add(day))
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, bob, 3, d(50), t0)
	require.NoError(t, err)
	_, _, err = e.SetRewardsAll(ctx, manager, d(10), t0.Add(day))
	require.NoError(t, err)
	_, err = e.WithdrawStake(ctx, alice, 1, t0.Add(31*day))
	require.NoError(t, err)

	snap, err := ms.LoadSnapshot(ctx)
	require.NoError(t, err)

	restored := newEngine(t, ledger, Options{})
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, e.StakeIDCounter(), restored.StakeIDCounter())
	assert.Equal(t, e.AllStakes(bob), restored.AllStakes(bob))
	for _, pool := range []model.PoolID{0, 3} {
		want, _ := e.Cycles(pool)
		got, _ := restored.Cycles(pool)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].CycleID, got[i].CycleID)
			assert.True(t, want[i].OpenedAt.Equal(got[i].OpenedAt))
			assert.True(t, want[i].TotalPrincipal.Equal(got[i].TotalPrincipal))
			assert.True(t, want[i].TotalReward.Equal(got[i].TotalReward))
			assert.True(t, want[i].RewardPaid.Equal(got[i].RewardPaid))
		}
	}

	wantReport, err := e.Solvency(ctx, engineAcct)
	require.NoError(t, err)
	gotReport, err := restored.Solvency(ctx, engineAcct)
	require.NoError(t, err)
	assert.True(t, wantReport.OutstandingPrincipal.Equal(gotReport.OutstandingPrincipal))
	assert.True(t, wantReport.UnallocatedReward.Equal(gotReport.UnallocatedReward))

	_, err = restored.WithdrawStake(ctx, alice, 1, t0.Add(40*day))
	assert.ErrorIs(t, err, ErrAlreadySettled)

	// The next stake continues the id sequence.
	_, err = restored.StartStaking(ctx, manager, 1, 24, t0.Add(50*day))
	require.NoError(t, err)
	st, err := restored.AddDeposit(ctx, bob, 1, d(5), t0.Add(50*day))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.ID)

	assert.Error(t, restored.Restore(snap), "restore into a non-empty engine")
}

func TestEngine_TransientJournalFailureIsRetried(t *testing.T) {
	ms := store.NewMemoryStore()
	journal := &flakyJournal{Store: ms, failures: 1}
	ledger := newFakeLedger(manager, alice)
	e := newEngine(t, ledger, Options{Journal: journal})

	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(10), t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(20), t0)
	require.NoError(t, err)

	snap, err := ms.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Stakes, 2)

	restored := newEngine(t, ledger, Options{})
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, []uint64{1, 2}, restored.AllStakes(alice))
}

func TestEngine_RestoreAroundLostDeposit(t *testing.T) {
	ms := store.NewMemoryStore()
	// Enough failures to exhaust every retry of the first deposit.
	journal := &flakyJournal{Store: ms, failures: 100}
	ledger := newFakeLedger(manager, alice, bob)
	e := newEngine(t, ledger, Options{Journal: journal})

	_, err := e.StartStaking(ctx, manager, 0, 24, t0)
	require.NoError(t, err)
	_, err = e.AddDeposit(ctx, alice, 0, d(10), t0)
	require.NoError(t, err)
	journal.failures = 0
	_, err = e.AddDeposit(ctx, bob, 0, d(30), t0)
	require.NoError(t, err)

	snap, err := ms.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Stakes, 1)

	restored := newEngine(t, ledger, Options{})
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, uint64(2), restored.StakeIDCounter())

	_, err = restored.Stake(1)
	assert.ErrorIs(t, err, ErrStakeNotFound)
	st, err := restored.Stake(2)
	require.NoError(t, err)
	assert.Equal(t, bob, st.Owner)

	p, err := restored.WithdrawStake(ctx, bob, 2, t0.Add(30*day))
	require.NoError(t, err)
	assert.True(t, p.Principal.Equal(d(30)))

	_, err = restored.StartStaking(ctx, manager, 0, 24, t0.Add(31*day))
	require.NoError(t, err)
	next, err := restored.AddDeposit(ctx, alice, 0, d(5), t0.Add(31*day))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.ID)
}

func TestState_RestoreFillsCycleGaps(t *testing.T) {
	s, err := NewState(DefaultPools)
	require.NoError(t, err)

	opened := t0.Add(10 * day)
	require.NoError(t, s.Restore(&model.Snapshot{
		Cycles: []model.Cycle{{PoolID: 0, CycleID: 2, OpenedAt: opened, WindowHours: 24, StakingPeriodDays: 30}},
	}))
	cycles := s.Cycles(0)
	require.Len(t, cycles, 2)
	assert.Equal(t, uint64(1), cycles[0].CycleID)
	assert.False(t, cycles[0].Accepting(opened))
	assert.True(t, cycles[0].TotalPrincipal.IsZero())
	assert.Equal(t, uint64(2), s.LatestCycle(0).CycleID)
}

func TestState_RestoreRejectsDuplicatesAndOrphans(t *testing.T) {
	c1 := model.Cycle{PoolID: 0, CycleID: 1, StakingPeriodDays: 30}

	s, _ := NewState(DefaultPools)
	err := s.Restore(&model.Snapshot{Cycles: []model.Cycle{c1, c1}})
	assert.Error(t, err)

	s, _ = NewState(DefaultPools)
	err = s.Restore(&model.Snapshot{
		Cycles: []model.Cycle{c1},
		Stakes: []model.Stake{
			{ID: 1, PoolID: 0, CycleID: 1, Principal: d(1)},
			{ID: 1, PoolID: 0, CycleID: 1, Principal: d(1)},
		},
	})
	assert.Error(t, err)

	s, _ = NewState(DefaultPools)
	err = s.Restore(&model.Snapshot{
		Cycles: []model.Cycle{c1},
		Stakes: []model.Stake{{ID: 1, PoolID: 0, CycleID: 4, Principal: d(1)}},
	})
	assert.Error(t, err)
}

func TestNewState_ValidatesPools(t *testing.T) {
	_, err := NewState(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewState([]model.PoolConfig{{ID: 0, StakingPeriodDays: 30}, {ID: 0, StakingPeriodDays: 60}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewState([]model.PoolConfig{{ID: 0}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "window_violation", KindLabel(ErrDepositWindowClosed))
	assert.Equal(t, "not_found", KindLabel(fmt.Errorf("wrapped: %w", ErrStakeNotFound)))
	assert.Equal(t, "internal", KindLabel(errors.New("boom")))
	assert.Nil(t, Kind(nil))
}
