package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/address"
	"github.com/atmx/stake-engine/internal/token"
)

// TokenInfo is the response of GET /api/v1/token.
type TokenInfo struct {
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Decimals    int32           `json:"decimals"`
	Owner       string          `json:"owner"`
	TotalSupply decimal.Decimal `json:"total_supply"`
	Paused      bool            `json:"paused"`
}

// TransferRequest moves tokens from the caller, or from From using the
// caller's allowance when From is set.
type TransferRequest struct {
	From   string          `json:"from,omitempty"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// ApproveRequest sets the caller's allowance for Spender.
type ApproveRequest struct {
	Spender string          `json:"spender"`
	Amount  decimal.Decimal `json:"amount"`
}

// SupplyRequest is the body of mint (Account receives) and burn (Account pays).
type SupplyRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// RoleRequest grants or revokes Role for Account.
type RoleRequest struct {
	Role    token.Role `json:"role"`
	Account string     `json:"account"`
}

// GetToken handles GET /api/v1/token
func (s *Service) GetToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TokenInfo{
		Name:        s.ledger.Name(),
		Symbol:      s.ledger.Symbol(),
		Decimals:    s.ledger.Decimals(),
		Owner:       s.ledger.Owner(),
		TotalSupply: s.ledger.TotalSupply(),
		Paused:      s.ledger.Paused(),
	})
}

// GetBalance handles GET /api/v1/token/balances/{address}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": account, "balance": s.ledger.BalanceOf(account)})
}

// GetAllowance handles GET /api/v1/token/allowances/{owner}/{spender}
func (s *Service) GetAllowance(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	spender, ok := addressParam(w, r, "spender")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     owner,
		"spender":   spender,
		"allowance": s.ledger.Allowance(owner, spender),
	})
}

// GetBlacklist handles GET /api/v1/token/blacklist/{address}
func (s *Service) GetBlacklist(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": account, "blacklisted": s.ledger.BlacklistStatus(account)})
}

// GetRole handles GET /api/v1/token/roles/{role}/{address}
func (s *Service) GetRole(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	role := token.Role(chi.URLParam(r, "role"))
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "address": account, "granted": s.ledger.HasRole(role, account)})
}

// Transfer handles POST /api/v1/token/transfer
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	to, err := address.ParseNonZero(req.To)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if req.From == "" {
		err = s.ledger.Transfer(caller, to, req.Amount)
	} else {
		var from string
		if from, err = address.Parse(req.From); err == nil {
			err = s.ledger.TransferFrom(caller, from, to, req.Amount)
		}
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"to": to, "amount": req.Amount, "balance": s.ledger.BalanceOf(caller)})
}

// Approve handles POST /api/v1/token/approve
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spender, err := address.ParseNonZero(req.Spender)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := s.ledger.Approve(caller, spender, req.Amount); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": caller, "spender": spender, "allowance": req.Amount})
}

// Mint handles POST /api/v1/token/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.supply(w, r, s.ledger.Mint)
}

// Burn handles POST /api/v1/token/burn
func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	s.supply(w, r, s.ledger.Burn)
}

func (s *Service) supply(w http.ResponseWriter, r *http.Request, op func(caller, account string, amount decimal.Decimal) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req SupplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	account, err := address.ParseNonZero(req.Account)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := op(caller, account, req.Amount); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":      account,
		"balance":      s.ledger.BalanceOf(account),
		"total_supply": s.ledger.TotalSupply(),
	})
}

// Pause handles POST /api/v1/token/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.ledger.Pause)
}

// Unpause handles POST /api/v1/token/unpause
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.ledger.Unpause)
}

func (s *Service) setPaused(w http.ResponseWriter, r *http.Request, op func(caller string) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if err := op(caller); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.ledger.Paused()})
}

// AddBlacklist handles POST /api/v1/token/blacklist/{address}
func (s *Service) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	s.updateBlacklist(w, r, s.ledger.AddBlacklist)
}

// RemoveBlacklist handles DELETE /api/v1/token/blacklist/{address}
func (s *Service) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	s.updateBlacklist(w, r, s.ledger.RemoveBlacklist)
}

func (s *Service) updateBlacklist(w http.ResponseWriter, r *http.Request, op func(caller, account string) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	if err := op(caller, account); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": account, "blacklisted": s.ledger.BlacklistStatus(account)})
}

// SetRole handles POST /api/v1/token/roles
func (s *Service) SetRole(w http.ResponseWriter, r *http.Request) {
	s.updateRole(w, r, s.ledger.SetRole)
}

// RevokeRole handles DELETE /api/v1/token/roles
func (s *Service) RevokeRole(w http.ResponseWriter, r *http.Request) {
	s.updateRole(w, r, s.ledger.RevokeRole)
}

func (s *Service) updateRole(w http.ResponseWriter, r *http.Request, op func(caller string, role token.Role, account string) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	account, err := address.ParseNonZero(req.Account)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := op(caller, req.Role, account); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": req.Role, "account": account, "granted": s.ledger.HasRole(req.Role, account)})
}
