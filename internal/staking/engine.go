// Package staking implements the time-windowed staking and reward engine:
// pool cycles opened by managers, deposits accepted inside an acceptance
// window, pro-rata reward allocation and exactly-once withdrawal.
//
// State lives in an explicit State arena. Engine wraps it with a single
// mutex, the asset-ledger capability, write-through persistence, events and
// metrics. Time is always passed in by the caller.
package staking

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/limits"
	"github.com/atmx/stake-engine/internal/metrics"
	"github.com/atmx/stake-engine/internal/model"
	"github.com/atmx/stake-engine/internal/store"
)

// AssetLedger is the capability the engine needs from the token ledger.
// Implementations enforce their own pause, blacklist and allowance rules.
type AssetLedger interface {
	// TransferIn pulls amount from an account into engine custody.
	TransferIn(ctx context.Context, from string, amount decimal.Decimal) error
	// TransferOut pushes amount from engine custody to an account.
	TransferOut(ctx context.Context, to string, amount decimal.Decimal) error
	// BalanceOf returns the ledger balance of an account.
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
}

// Journal receives committed transitions for persistence.
type Journal interface {
	SaveCycle(ctx context.Context, c *model.Cycle) error
	RecordAllocation(ctx context.Context, cycles []model.Cycle, unallocated decimal.Decimal) error
	RecordDeposit(ctx context.Context, c *model.Cycle, st *model.Stake) error
	RecordWithdrawal(ctx context.Context, c *model.Cycle, st *model.Stake) error
}

// Emitter receives events after committed transitions.
type Emitter interface {
	Emit(evt model.Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(model.Event) {}

// Options configures an Engine.
type Options struct {
	Pools        []model.PoolConfig
	Managers     []string
	ReopenPolicy ReopenPolicy
	Limiter      *limits.DepositLimiter
	Journal      Journal
	Emitter      Emitter
	Logger       *slog.Logger
}

// Engine serialises every operation: each call runs to completion before the
// next starts, so no partial transition is observable.
type Engine struct {
	mu       sync.RWMutex
	state    *State
	ledger   AssetLedger
	journal  Journal
	emitter  Emitter
	limiter  *limits.DepositLimiter
	policy   ReopenPolicy
	managers map[string]bool
	logger   *slog.Logger
}

// NewEngine creates an engine over an empty state.
func NewEngine(ledger AssetLedger, opts Options) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: asset ledger is required", ErrInvalidArgument)
	}
	pools := opts.Pools
	if len(pools) == 0 {
		pools = DefaultPools
	}
	st, err := NewState(pools)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		state:    st,
		ledger:   ledger,
		journal:  opts.Journal,
		emitter:  opts.Emitter,
		limiter:  opts.Limiter,
		policy:   opts.ReopenPolicy,
		managers: make(map[string]bool, len(opts.Managers)),
		logger:   opts.Logger,
	}
	if e.emitter == nil {
		e.emitter = NoopEmitter{}
	}
	if e.limiter == nil {
		e.limiter = limits.Unlimited()
	}
	if e.policy == "" {
		e.policy = ReopenAfterWindow
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	for _, m := range opts.Managers {
		e.managers[m] = true
	}
	return e, nil
}

// Restore loads a persisted snapshot into a freshly created engine.
func (e *Engine) Restore(snap *model.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.StakeIDCounter() != 0 {
		return fmt.Errorf("%w: restore into a non-empty engine", ErrInvalidArgument)
	}
	if err := e.state.Restore(snap); err != nil {
		return err
	}
	if missing := e.state.MissingStakes(); len(missing) > 0 {
		e.logger.Warn("journal is missing stakes, restored around them", "stake_ids", missing)
	}
	metrics.OutstandingPrincipal.Set(e.state.OutstandingPrincipal().InexactFloat64())
	return nil
}

// --- Roles ---

// HasManagerRole reports whether account holds the manager role.
func (e *Engine) HasManagerRole(account string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.managers[account]
}

// GrantManager gives account the manager role. Manager-only.
func (e *Engine) GrantManager(caller, account string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.managers[caller] {
		return e.reject("grant_manager", ErrNotManager)
	}
	e.managers[account] = true
	e.logger.Info("manager granted", "account", account, "by", caller)
	e.emit(model.EventManagerGranted, now, "account", account, "by", caller)
	return nil
}

// RevokeManager removes the manager role from account. Manager-only; the
// last manager cannot be removed.
func (e *Engine) RevokeManager(caller, account string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.managers[caller] {
		return e.reject("revoke_manager", ErrNotManager)
	}
	if !e.managers[account] {
		return e.reject("revoke_manager", fmt.Errorf("%w: %s", ErrNotAManager, account))
	}
	if len(e.managers) == 1 {
		return e.reject("revoke_manager", ErrLastManager)
	}
	delete(e.managers, account)
	e.logger.Info("manager revoked", "account", account, "by", caller)
	e.emit(model.EventManagerRevoked, now, "account", account, "by", caller)
	return nil
}

// --- Pool Registry ---

// StartStaking opens a new cycle of pool at now. Manager-only.
func (e *Engine) StartStaking(ctx context.Context, caller string, pool model.PoolID, windowHours int, now time.Time) (*model.Cycle, error) {
	defer metrics.ObserveSince("start_staking", time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.managers[caller] {
		return nil, e.reject("start_staking", ErrNotManager)
	}
	c, err := e.state.OpenCycle(pool, windowHours, now, e.policy)
	if err != nil {
		return nil, e.reject("start_staking", err)
	}

	e.persist(ctx, "start_staking", func(ctx context.Context) error {
		return e.journal.SaveCycle(ctx, c)
	})

	metrics.CyclesOpened.WithLabelValues(poolLabel(pool)).Inc()
	e.logger.Info("cycle opened",
		"pool", pool,
		"cycle", c.CycleID,
		"window_hours", windowHours,
		"closes_at", c.WindowClosesAt(),
		"matures_at", c.MaturesAt(),
	)
	e.emit(model.EventCycleOpened, now,
		"pool", poolLabel(pool),
		"cycle", strconv.FormatUint(c.CycleID, 10),
		"window_hours", strconv.Itoa(windowHours),
	)
	return c, nil
}

// PeriodStaking returns the staking period of pool in days.
func (e *Engine) PeriodStaking(pool model.PoolID) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.PeriodStaking(pool)
}

// TimeAccepting returns the acceptance window of pool's latest cycle in hours.
func (e *Engine) TimeAccepting(pool model.PoolID) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.TimeAccepting(pool)
}

// SetRewards pulls amount from the manager and credits it to cycle cycleID
// of pool, or to the latest cycle when cycleID is zero. Manager-only;
// rewards accumulate across calls.
func (e *Engine) SetRewards(ctx context.Context, caller string, pool model.PoolID, cycleID uint64, amount decimal.Decimal, now time.Time) ([]Allocation, error) {
	defer metrics.ObserveSince("set_rewards", time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.managers[caller] {
		return nil, e.reject("set_rewards", ErrNotManager)
	}
	allocs, err := e.state.PlanReward(pool, cycleID, amount)
	if err != nil {
		return nil, e.reject("set_rewards", err)
	}
	if err := e.allocate(ctx, "set_rewards", caller, amount, allocs, decimal.Zero, now); err != nil {
		return nil, err
	}
	return allocs, nil
}

// SetRewardsAll pulls amount from the manager and splits it across the
// latest cycle of every pool pro-rata to principal. The floor-division
// remainder stays in the engine unallocated. Manager-only.
func (e *Engine) SetRewardsAll(ctx context.Context, caller string, amount decimal.Decimal, now time.Time) ([]Allocation, decimal.Decimal, error) {
	defer metrics.ObserveSince("set_rewards_all", time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.managers[caller] {
		return nil, decimal.Zero, e.reject("set_rewards_all", ErrNotManager)
	}
	allocs, remainder, err := e.state.PlanRewardAll(amount)
	if err != nil {
		return nil, decimal.Zero, e.reject("set_rewards_all", err)
	}
	if err := e.allocate(ctx, "set_rewards_all", caller, amount, allocs, remainder, now); err != nil {
		return nil, decimal.Zero, err
	}
	return allocs, remainder, nil
}

func (e *Engine) allocate(ctx context.Context, op, caller string, amount decimal.Decimal, allocs []Allocation, remainder decimal.Decimal, now time.Time) error {
	if err := e.ledger.TransferIn(ctx, caller, amount); err != nil {
		return e.reject(op, fmt.Errorf("%w: %w", ErrAssetTransferFailed, err))
	}

	touched := e.state.ApplyReward(allocs, remainder)

	e.persist(ctx, op, func(ctx context.Context) error {
		return e.journal.RecordAllocation(ctx, touched, e.state.UnallocatedReward())
	})

	for _, a := range allocs {
		metrics.RewardsAllocated.WithLabelValues(poolLabel(a.PoolID)).Add(a.Amount.InexactFloat64())
		e.logger.Info("rewards allocated",
			"pool", a.PoolID,
			"cycle", a.CycleID,
			"amount", a.Amount.String(),
			"by", caller,
		)
		e.emit(model.EventRewardsAllocated, now,
			"pool", poolLabel(a.PoolID),
			"cycle", strconv.FormatUint(a.CycleID, 10),
			"amount", a.Amount.String(),
		)
	}
	if remainder.IsPositive() {
		e.logger.Info("reward remainder retained", "amount", remainder.String())
	}
	return nil
}

// --- Stake Ledger ---

// AddDeposit pulls amount from caller into custody and records a new stake
// in the active cycle of pool.
func (e *Engine) AddDeposit(ctx context.Context, caller string, pool model.PoolID, amount decimal.Decimal, now time.Time) (*model.Stake, error) {
	defer metrics.ObserveSince("add_deposit", time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.state.PlanDeposit(caller, pool, amount, now, e.limiter)
	if err != nil {
		return nil, e.reject("add_deposit", err)
	}

	if err := e.ledger.TransferIn(ctx, caller, amount); err != nil {
		return nil, e.reject("add_deposit", fmt.Errorf("%w: %w", ErrAssetTransferFailed, err))
	}

	st, cycle := e.state.ApplyDeposit(caller, pool, c.CycleID, amount, now)

	e.persist(ctx, "add_deposit", func(ctx context.Context) error {
		return e.journal.RecordDeposit(ctx, cycle, st)
	})

	metrics.DepositsTotal.WithLabelValues(poolLabel(pool)).Inc()
	metrics.OutstandingPrincipal.Set(e.state.OutstandingPrincipal().InexactFloat64())
	e.logger.Info("stake deposited",
		"stake_id", st.ID,
		"owner", caller,
		"pool", pool,
		"cycle", st.CycleID,
		"amount", amount.String(),
		"matures_at", st.MaturesAt,
	)
	e.emit(model.EventStakeDeposited, now,
		"stake_id", strconv.FormatUint(st.ID, 10),
		"owner", caller,
		"pool", poolLabel(pool),
		"cycle", strconv.FormatUint(st.CycleID, 10),
		"amount", amount.String(),
	)
	return st, nil
}

// AllStakes returns the ids of owner's stakes in deposit order.
func (e *Engine) AllStakes(owner string) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.AllStakes(owner)
}

// Stake returns one stake record.
func (e *Engine) Stake(id uint64) (*model.Stake, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Stake(id)
}

// StakeIDCounter returns the last assigned stake id.
func (e *Engine) StakeIDCounter() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.StakeIDCounter()
}

// --- Reward Allocator ---

// GetRewards returns the reward stake id would receive if withdrawn at now.
func (e *Engine) GetRewards(id uint64, now time.Time) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, err := e.state.Rewards(id, now)
	if err != nil {
		metrics.Rejections.WithLabelValues("get_rewards", KindLabel(err)).Inc()
		return decimal.Zero, err
	}
	return r, nil
}

// --- Withdrawal Engine ---

// WithdrawStake pays principal plus reward of stake id to its owner and
// settles the stake. The stake is only marked settled once the transfer has
// succeeded; a failed transfer leaves it matured.
func (e *Engine) WithdrawStake(ctx context.Context, caller string, id uint64, now time.Time) (*Payout, error) {
	defer metrics.ObserveSince("withdraw_stake", time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.state.PlanWithdrawal(caller, id, now)
	if err != nil {
		return nil, e.reject("withdraw_stake", err)
	}

	if err := e.ledger.TransferOut(ctx, caller, p.Total); err != nil {
		return nil, e.reject("withdraw_stake", fmt.Errorf("%w: %w", ErrAssetTransferFailed, err))
	}

	st, cycle := e.state.ApplyWithdrawal(p, now)

	e.persist(ctx, "withdraw_stake", func(ctx context.Context) error {
		return e.journal.RecordWithdrawal(ctx, cycle, st)
	})

	metrics.WithdrawalsTotal.WithLabelValues(poolLabel(st.PoolID)).Inc()
	metrics.OutstandingPrincipal.Set(e.state.OutstandingPrincipal().InexactFloat64())
	e.logger.Info("stake withdrawn",
		"stake_id", id,
		"owner", caller,
		"pool", st.PoolID,
		"cycle", st.CycleID,
		"principal", p.Principal.String(),
		"reward", p.Reward.String(),
	)
	e.emit(model.EventStakeWithdrawn, now,
		"stake_id", strconv.FormatUint(id, 10),
		"owner", caller,
		"pool", poolLabel(st.PoolID),
		"principal", p.Principal.String(),
		"reward", p.Reward.String(),
	)
	return p, nil
}

// --- Views ---

// PoolView describes a pool and its latest cycle.
type PoolView struct {
	model.PoolConfig
	LatestCycle *model.Cycle `json:"latest_cycle,omitempty"`
	Accepting   bool         `json:"accepting"`
}

// Pools returns every pool with its latest cycle as seen at now.
func (e *Engine) Pools(now time.Time) []PoolView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pools := e.state.Pools()
	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		v := PoolView{PoolConfig: p, LatestCycle: e.state.LatestCycle(p.ID)}
		v.Accepting = v.LatestCycle != nil && v.LatestCycle.Accepting(now)
		views = append(views, v)
	}
	return views
}

// Cycles returns the cycle history of pool, oldest first.
func (e *Engine) Cycles(pool model.PoolID) ([]model.Cycle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.state.Pool(pool); err != nil {
		return nil, err
	}
	return e.state.Cycles(pool), nil
}

// SolvencyReport compares engine liabilities with its ledger balance.
type SolvencyReport struct {
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	UnpaidReward         decimal.Decimal `json:"unpaid_reward"`
	UnallocatedReward    decimal.Decimal `json:"unallocated_reward"`
	LedgerBalance        decimal.Decimal `json:"ledger_balance"`
	Solvent              bool            `json:"solvent"`
}

// Solvency checks that the ledger balance held by the engine covers the
// principal of every unsettled stake.
func (e *Engine) Solvency(ctx context.Context, engineAccount string) (*SolvencyReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	bal, err := e.ledger.BalanceOf(ctx, engineAccount)
	if err != nil {
		return nil, fmt.Errorf("solvency: balance of %s: %w", engineAccount, err)
	}
	outstanding := e.state.OutstandingPrincipal()
	return &SolvencyReport{
		OutstandingPrincipal: outstanding,
		UnpaidReward:         e.state.UnpaidReward(),
		UnallocatedReward:    e.state.UnallocatedReward(),
		LedgerBalance:        bal,
		Solvent:              bal.GreaterThanOrEqual(outstanding),
	}, nil
}

// --- helpers ---

func (e *Engine) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, KindLabel(err)).Inc()
	e.logger.Debug("operation rejected", "op", op, "err", err)
	return err
}

// persist writes a committed transition through to the journal, retrying
// transient failures. The in-memory state is already updated; a write that
// still fails is logged and counted, and Restore tolerates the gap it leaves.
func (e *Engine) persist(ctx context.Context, op string, write func(ctx context.Context) error) {
	if e.journal == nil {
		return
	}
	if err := store.Retry(ctx, write); err != nil {
		metrics.PersistFailures.WithLabelValues(op).Inc()
		e.logger.Error("store write-through failed", "op", op, "err", err)
	}
}

func (e *Engine) emit(typ string, now time.Time, kv ...string) {
	attrs := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	e.emitter.Emit(model.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Timestamp:  now.UTC(),
		Attributes: attrs,
	})
}

func poolLabel(id model.PoolID) string {
	return strconv.Itoa(int(id))
}
