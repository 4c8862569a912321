// Package api provides the HTTP handlers for the stake engine and its token
// ledger, caller identity, rate limiting and the WebSocket event hub.
//
// All monetary values use shopspring/decimal in integer base units.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/address"
	"github.com/atmx/stake-engine/internal/model"
	"github.com/atmx/stake-engine/internal/staking"
	"github.com/atmx/stake-engine/internal/store"
	"github.com/atmx/stake-engine/internal/token"
)

// Service exposes the engine and token ledger over HTTP. Mutations go to
// the engine, which serialises them; history reads go to the store.
type Service struct {
	engine        *staking.Engine
	ledger        *token.Ledger
	reads         store.Store
	engineAccount string
	now           func() time.Time
}

// NewService creates a new API service. engineAccount is the ledger account
// holding staked funds; it is what /solvency checks.
func NewService(engine *staking.Engine, ledger *token.Ledger, reads store.Store, engineAccount string) *Service {
	return &Service{
		engine:        engine,
		ledger:        ledger,
		reads:         reads,
		engineAccount: engineAccount,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock used to timestamp operations.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// --- Request/Response types ---

// StartStakingRequest is the JSON body for POST /pools/{poolID}/start.
type StartStakingRequest struct {
	WindowHours int `json:"window_hours"`
}

// AmountRequest is the JSON body for deposits and reward funding.
// CycleID selects the cycle a pool reward is credited to; zero means the
// pool's latest cycle. Deposits ignore it.
type AmountRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	CycleID uint64          `json:"cycle_id,omitempty"`
}

// RewardsResponse is returned from reward funding calls.
type RewardsResponse struct {
	Allocations []staking.Allocation `json:"allocations"`
	Unallocated decimal.Decimal      `json:"unallocated"`
}

// StakeView is a stake record with its state at the time of the request.
type StakeView struct {
	model.Stake
	State model.StakeState `json:"state"`
}

// --- Pool Registry ---

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pools(s.now()))
}

// GetPeriod handles GET /api/v1/pools/{poolID}/period
func (s *Service) GetPeriod(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	days, err := s.engine.PeriodStaking(pool)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": pool, "staking_period_days": days})
}

// GetAccepting handles GET /api/v1/pools/{poolID}/accepting
func (s *Service) GetAccepting(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	hours, err := s.engine.TimeAccepting(pool)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": pool, "window_hours": hours})
}

// ListCycles handles GET /api/v1/pools/{poolID}/cycles
// Reads cycle history from the store.
func (s *Service) ListCycles(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.PeriodStaking(pool); err != nil {
		writeFailure(w, r, err)
		return
	}
	cycles, err := s.reads.ListCycles(r.Context(), pool)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

// StartStaking handles POST /api/v1/pools/{poolID}/start
func (s *Service) StartStaking(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	var req StartStakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.engine.StartStaking(r.Context(), caller, pool, req.WindowHours, s.now())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// --- Reward Allocator ---

// SetRewards handles POST /api/v1/pools/{poolID}/rewards
func (s *Service) SetRewards(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	allocs, err := s.engine.SetRewards(r.Context(), caller, pool, req.CycleID, req.Amount, s.now())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardsResponse{Allocations: allocs, Unallocated: decimal.Zero})
}

// SetRewardsAll handles POST /api/v1/rewards
// Splits the amount across the latest cycle of every pool.
func (s *Service) SetRewardsAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	allocs, remainder, err := s.engine.SetRewardsAll(r.Context(), caller, req.Amount, s.now())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardsResponse{Allocations: allocs, Unallocated: remainder})
}

// GetRewards handles GET /api/v1/stakes/{stakeID}/rewards
func (s *Service) GetRewards(w http.ResponseWriter, r *http.Request) {
	id, ok := stakeParam(w, r)
	if !ok {
		return
	}
	reward, err := s.engine.GetRewards(id, s.now())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stake_id": id, "reward": reward})
}

// --- Stake Ledger ---

// AddDeposit handles POST /api/v1/pools/{poolID}/deposits
// The caller must have approved the engine account for amount.
func (s *Service) AddDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	now := s.now()
	st, err := s.engine.AddDeposit(r.Context(), caller, pool, req.Amount, now)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, StakeView{Stake: *st, State: st.StateAt(now)})
}

// ListStakeIDs handles GET /api/v1/accounts/{address}/stakes
func (s *Service) ListStakeIDs(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "stake_ids": s.engine.AllStakes(owner)})
}

// ListStakes handles GET /api/v1/accounts/{address}/stakes/detail
// Reads stake records from the store.
func (s *Service) ListStakes(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	stakes, err := s.reads.ListStakesByOwner(r.Context(), owner)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	now := s.now()
	views := make([]StakeView, 0, len(stakes))
	for i := range stakes {
		views = append(views, StakeView{Stake: stakes[i], State: stakes[i].StateAt(now)})
	}
	writeJSON(w, http.StatusOK, views)
}

// StakeCounter handles GET /api/v1/stakes/counter
func (s *Service) StakeCounter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"stake_id_counter": s.engine.StakeIDCounter()})
}

// GetStake handles GET /api/v1/stakes/{stakeID}
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	id, ok := stakeParam(w, r)
	if !ok {
		return
	}
	st, err := s.reads.GetStake(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StakeView{Stake: *st, State: st.StateAt(s.now())})
}

// --- Withdrawal Engine ---

// WithdrawStake handles POST /api/v1/stakes/{stakeID}/withdraw
func (s *Service) WithdrawStake(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := stakeParam(w, r)
	if !ok {
		return
	}

	payout, err := s.engine.WithdrawStake(r.Context(), caller, id, s.now())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// --- Administration ---

// Solvency handles GET /api/v1/solvency
func (s *Service) Solvency(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Solvency(r.Context(), s.engineAccount)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetManager handles GET /api/v1/managers/{address}
func (s *Service) GetManager(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "manager": s.engine.HasManagerRole(account)})
}

// GrantManager handles POST /api/v1/managers/{address}
func (s *Service) GrantManager(w http.ResponseWriter, r *http.Request) {
	s.updateManager(w, r, true)
}

// RevokeManager handles DELETE /api/v1/managers/{address}
func (s *Service) RevokeManager(w http.ResponseWriter, r *http.Request) {
	s.updateManager(w, r, false)
}

func (s *Service) updateManager(w http.ResponseWriter, r *http.Request, grant bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}

	var err error
	if grant {
		err = s.engine.GrantManager(caller, account, s.now())
	} else {
		err = s.engine.RevokeManager(caller, account, s.now())
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "manager": grant})
}

// --- Parameter helpers ---

func poolParam(w http.ResponseWriter, r *http.Request) (model.PoolID, bool) {
	raw := chi.URLParam(r, "poolID")
	id, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		writeError(w, "invalid pool id: "+raw, http.StatusBadRequest)
		return 0, false
	}
	return model.PoolID(id), true
}

func stakeParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "stakeID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, "invalid stake id: "+raw, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	addr, err := address.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return addr, true
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (AmountRequest, bool) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}
