// Package token implements the fungible-token ledger the stake engine holds
// custody in: balances, allowances, owner-administered roles, a pause switch
// and an address blacklist.
//
// Amounts are integer base units (Decimals fractional digits) held in
// shopspring/decimal.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/address"
	"github.com/atmx/stake-engine/internal/metrics"
	"github.com/atmx/stake-engine/internal/model"
	"github.com/atmx/stake-engine/internal/store"
)

// journalTimeout bounds one write-through, retries included.
const journalTimeout = 5 * time.Second

// Role identifies a ledger permission held per account.
type Role string

const (
	RoleMinter Role = "MINTER_ROLE"
	RoleBurner Role = "BURNER_ROLE"
	RolePauser Role = "PAUSER_ROLE"
)

var validRoles = map[Role]bool{
	RoleMinter: true,
	RoleBurner: true,
	RolePauser: true,
}

var (
	ErrPaused                = errors.New("token: transfers paused")
	ErrNotPaused             = errors.New("token: not paused")
	ErrBlacklisted           = errors.New("token: address blacklisted")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrMissingRole           = errors.New("token: caller lacks role")
	ErrNotOwner              = errors.New("token: caller is not the owner")
	ErrUnknownRole           = errors.New("token: unknown role")
	ErrInvalidAmount         = errors.New("token: amount must be a non-negative integer")
)

// Config describes a token at genesis.
type Config struct {
	Name          string
	Symbol        string
	Decimals      int32
	Owner         string
	InitialSupply decimal.Decimal
}

// Emitter receives token events.
type Emitter interface {
	Emit(evt model.Event)
}

// Journal persists committed ledger changes.
type Journal interface {
	RecordLedger(ctx context.Context, u *model.LedgerUpdate) error
}

// Ledger is an in-process token ledger. All methods are safe for concurrent
// use; each call is atomic.
type Ledger struct {
	mu sync.RWMutex

	name     string
	symbol   string
	decimals int32
	owner    string

	totalSupply decimal.Decimal
	balances    map[string]decimal.Decimal
	allowances  map[string]map[string]decimal.Decimal
	roles       map[Role]map[string]bool
	blacklist   map[string]bool
	paused      bool

	emitter Emitter
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a ledger whose owner holds the whole initial supply.
func New(cfg Config) (*Ledger, error) {
	owner, err := address.ParseNonZero(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("token owner: %w", err)
	}
	if cfg.InitialSupply.IsNegative() || !cfg.InitialSupply.IsInteger() {
		return nil, fmt.Errorf("%w: initial supply %s", ErrInvalidAmount, cfg.InitialSupply)
	}
	l := &Ledger{
		name:        cfg.Name,
		symbol:      cfg.Symbol,
		decimals:    cfg.Decimals,
		owner:       owner,
		totalSupply: cfg.InitialSupply,
		balances:    map[string]decimal.Decimal{owner: cfg.InitialSupply},
		allowances:  make(map[string]map[string]decimal.Decimal),
		roles:       make(map[Role]map[string]bool),
		blacklist:   make(map[string]bool),
		logger:      slog.Default(),
		now:         time.Now,
	}
	return l, nil
}

// Restore replaces the genesis state of a fresh ledger with a persisted
// snapshot. Name, symbol, decimals and owner still come from Config.
func (l *Ledger) Restore(snap *model.LedgerSnapshot) error {
	if snap == nil {
		return nil
	}
	if snap.TotalSupply.IsNegative() || !snap.TotalSupply.IsInteger() {
		return fmt.Errorf("%w: restored supply %s", ErrInvalidAmount, snap.TotalSupply)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sum := decimal.Zero
	balances := make(map[string]decimal.Decimal, len(snap.Balances))
	for acct, bal := range snap.Balances {
		if err := checkAmount(bal); err != nil {
			return fmt.Errorf("restore balance of %s: %w", acct, err)
		}
		balances[acct] = bal
		sum = sum.Add(bal)
	}
	if !sum.Equal(snap.TotalSupply) {
		return fmt.Errorf("restore: balances sum to %s, supply is %s", sum, snap.TotalSupply)
	}

	allowances := make(map[string]map[string]decimal.Decimal)
	for _, a := range snap.Allowances {
		if allowances[a.Owner] == nil {
			allowances[a.Owner] = make(map[string]decimal.Decimal)
		}
		allowances[a.Owner][a.Spender] = a.Amount
	}
	roles := make(map[Role]map[string]bool)
	for _, g := range snap.Roles {
		role := Role(g.Role)
		if !validRoles[role] {
			return fmt.Errorf("restore: %w: %q", ErrUnknownRole, g.Role)
		}
		if roles[role] == nil {
			roles[role] = make(map[string]bool)
		}
		roles[role][g.Account] = true
	}
	blacklist := make(map[string]bool, len(snap.Blacklist))
	for _, acct := range snap.Blacklist {
		blacklist[acct] = true
	}

	l.totalSupply = snap.TotalSupply
	l.paused = snap.Paused
	l.balances = balances
	l.allowances = allowances
	l.roles = roles
	l.blacklist = blacklist
	return nil
}

// SetJournal installs the store that committed changes are written
// through to. Pass nil to keep the ledger in memory only.
func (l *Ledger) SetJournal(j Journal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = j
}

// Checkpoint writes the whole current state through to the journal. It is
// used once at genesis so the initial supply and allocations survive a
// restart.
func (l *Ledger) Checkpoint(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.journal == nil {
		return nil
	}
	u := l.update()
	for acct, bal := range l.balances {
		u.Balances[acct] = bal
	}
	for owner, spenders := range l.allowances {
		for spender, amt := range spenders {
			u.Allowances = append(u.Allowances, model.TokenAllowance{Owner: owner, Spender: spender, Amount: amt})
		}
	}
	for role, holders := range l.roles {
		for acct := range holders {
			u.Roles = append(u.Roles, model.TokenRoleGrant{Role: string(role), Account: acct, Granted: true})
		}
	}
	for acct := range l.blacklist {
		u.Blacklist[acct] = true
	}
	return store.Retry(ctx, func(ctx context.Context) error {
		return l.journal.RecordLedger(ctx, u)
	})
}

// SetEmitter installs an event sink. Pass nil to disable events.
func (l *Ledger) SetEmitter(e Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitter = e
}

// SetLogger replaces the ledger's logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if logger != nil {
		l.logger = logger
	}
}

// --- Reads ---

func (l *Ledger) Name() string    { return l.name }
func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() int32 { return l.decimals }
func (l *Ledger) Owner() string   { return l.owner }

// TotalSupply returns the number of base units in existence.
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply
}

// BalanceOf returns the balance of account (zero if unknown).
func (l *Ledger) BalanceOf(account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[owner][spender]
}

// Paused reports whether balance moves are suspended.
func (l *Ledger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// HasRole reports whether account holds role.
func (l *Ledger) HasRole(role Role, account string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roles[role][account]
}

// BlacklistStatus reports whether account is blacklisted.
func (l *Ledger) BlacklistStatus(account string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blacklist[account]
}

// --- Transfers ---

// Transfer moves amount from caller to to.
func (l *Ledger) Transfer(caller, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.move(caller, to, amount); err != nil {
		return err
	}
	l.persist("transfer", l.balanceUpdate(caller, to))
	l.emit(model.EventTokenTransfer, "from", caller, "to", to, "amount", amount.String())
	return nil
}

// Approve sets the amount spender may move on behalf of caller.
func (l *Ledger) Approve(caller, spender string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := checkAmount(amount); err != nil {
		return err
	}
	if spender == "" || spender == address.Zero {
		return address.ErrZeroAddress
	}
	if l.allowances[caller] == nil {
		l.allowances[caller] = make(map[string]decimal.Decimal)
	}
	l.allowances[caller][spender] = amount
	u := l.update()
	u.Allowances = []model.TokenAllowance{{Owner: caller, Spender: spender, Amount: amount}}
	l.persist("approve", u)
	l.emit(model.EventTokenApproval, "owner", caller, "spender", spender, "amount", amount.String())
	return nil
}

// TransferFrom moves amount from from to to, spending caller's allowance.
func (l *Ledger) TransferFrom(caller, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowances[from][caller]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, wants %s",
			ErrInsufficientAllowance, caller, allowed, from, amount)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	if l.allowances[from] == nil {
		l.allowances[from] = make(map[string]decimal.Decimal)
	}
	l.allowances[from][caller] = allowed.Sub(amount)
	u := l.balanceUpdate(from, to)
	u.Allowances = []model.TokenAllowance{{Owner: from, Spender: caller, Amount: l.allowances[from][caller]}}
	l.persist("transfer_from", u)
	l.emit(model.EventTokenTransfer, "from", from, "to", to, "amount", amount.String(), "spender", caller)
	return nil
}

// move is the single balance-moving path; it enforces pause and blacklist.
func (l *Ledger) move(from, to string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if l.paused {
		return ErrPaused
	}
	if to == "" || to == address.Zero {
		return address.ErrZeroAddress
	}
	if l.blacklist[from] {
		return fmt.Errorf("%w: sender %s", ErrBlacklisted, from)
	}
	if l.blacklist[to] {
		return fmt.Errorf("%w: recipient %s", ErrBlacklisted, to)
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// --- Supply ---

// Mint creates amount for to. Requires MINTER_ROLE.
func (l *Ledger) Mint(caller, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.roles[RoleMinter][caller] {
		return fmt.Errorf("%w: %s", ErrMissingRole, RoleMinter)
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if l.paused {
		return ErrPaused
	}
	if to == "" || to == address.Zero {
		return address.ErrZeroAddress
	}
	if l.blacklist[to] {
		return fmt.Errorf("%w: recipient %s", ErrBlacklisted, to)
	}
	l.balances[to] = l.balances[to].Add(amount)
	l.totalSupply = l.totalSupply.Add(amount)
	l.persist("mint", l.balanceUpdate(to))
	l.logger.Info("tokens minted", "to", to, "amount", amount.String(), "by", caller)
	l.emit(model.EventTokenMint, "to", to, "amount", amount.String())
	return nil
}

// Burn destroys amount held by from. Requires BURNER_ROLE.
func (l *Ledger) Burn(caller, from string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.roles[RoleBurner][caller] {
		return fmt.Errorf("%w: %s", ErrMissingRole, RoleBurner)
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if l.paused {
		return ErrPaused
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, burn %s", ErrInsufficientBalance, from, bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.totalSupply = l.totalSupply.Sub(amount)
	l.persist("burn", l.balanceUpdate(from))
	l.logger.Info("tokens burned", "from", from, "amount", amount.String(), "by", caller)
	l.emit(model.EventTokenBurn, "from", from, "amount", amount.String())
	return nil
}

// --- Administration ---

// Pause suspends every balance move. Requires PAUSER_ROLE.
func (l *Ledger) Pause(caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.roles[RolePauser][caller] {
		return fmt.Errorf("%w: %s", ErrMissingRole, RolePauser)
	}
	if l.paused {
		return ErrPaused
	}
	l.paused = true
	l.persist("pause", l.update())
	l.logger.Warn("token paused", "by", caller)
	l.emit(model.EventTokenPaused, "by", caller)
	return nil
}

// Unpause resumes balance moves. Requires PAUSER_ROLE.
func (l *Ledger) Unpause(caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.roles[RolePauser][caller] {
		return fmt.Errorf("%w: %s", ErrMissingRole, RolePauser)
	}
	if !l.paused {
		return ErrNotPaused
	}
	l.paused = false
	l.persist("unpause", l.update())
	l.logger.Info("token unpaused", "by", caller)
	l.emit(model.EventTokenUnpaused, "by", caller)
	return nil
}

// SetRole grants role to account. Owner-only.
func (l *Ledger) SetRole(caller string, role Role, account string) error {
	return l.updateRole(caller, role, account, true)
}

// RevokeRole removes role from account. Owner-only.
func (l *Ledger) RevokeRole(caller string, role Role, account string) error {
	return l.updateRole(caller, role, account, false)
}

func (l *Ledger) updateRole(caller string, role Role, account string, grant bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	if !validRoles[role] {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if l.roles[role] == nil {
		l.roles[role] = make(map[string]bool)
	}
	if grant {
		l.roles[role][account] = true
	} else {
		delete(l.roles[role], account)
	}
	u := l.update()
	u.Roles = []model.TokenRoleGrant{{Role: string(role), Account: account, Granted: grant}}
	l.persist("role", u)
	l.logger.Info("token role updated", "role", string(role), "account", account, "granted", grant)
	l.emit(model.EventTokenRole, "role", string(role), "account", account, "granted", strconv.FormatBool(grant))
	return nil
}

// AddBlacklist blocks account from sending or receiving. Owner-only.
func (l *Ledger) AddBlacklist(caller, account string) error {
	return l.updateBlacklist(caller, account, true)
}

// RemoveBlacklist unblocks account. Owner-only.
func (l *Ledger) RemoveBlacklist(caller, account string) error {
	return l.updateBlacklist(caller, account, false)
}

func (l *Ledger) updateBlacklist(caller, account string, listed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	if listed {
		l.blacklist[account] = true
	} else {
		delete(l.blacklist, account)
	}
	u := l.update()
	u.Blacklist[account] = listed
	l.persist("blacklist", u)
	l.logger.Info("token blacklist updated", "account", account, "listed", listed)
	l.emit(model.EventTokenBlacklist, "account", account, "listed", strconv.FormatBool(listed))
	return nil
}

// update starts a journal record carrying supply and pause state.
func (l *Ledger) update() *model.LedgerUpdate {
	return &model.LedgerUpdate{
		TotalSupply: l.totalSupply,
		Paused:      l.paused,
		Balances:    make(map[string]decimal.Decimal),
		Blacklist:   make(map[string]bool),
	}
}

func (l *Ledger) balanceUpdate(accounts ...string) *model.LedgerUpdate {
	u := l.update()
	for _, a := range accounts {
		u.Balances[a] = l.balances[a]
	}
	return u
}

// persist writes u through to the journal. The in-memory change is already
// committed; a failure is logged and counted like the engine's.
func (l *Ledger) persist(op string, u *model.LedgerUpdate) {
	if l.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := store.Retry(ctx, func(ctx context.Context) error {
		return l.journal.RecordLedger(ctx, u)
	})
	if err != nil {
		metrics.PersistFailures.WithLabelValues("token_" + op).Inc()
		l.logger.Error("token write-through failed", "op", op, "err", err)
	}
}

func (l *Ledger) emit(typ string, kv ...string) {
	if l.emitter == nil {
		return
	}
	attrs := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	l.emitter.Emit(model.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Timestamp:  l.now().UTC(),
		Attributes: attrs,
	})
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() || !amount.IsInteger() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	return nil
}
