// Package store defines the persistence interface for the stake engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

// ErrNotFound is returned by reads for unknown stakes.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The write methods receive committed
// engine transitions; the read methods back the history endpoints.
type Store interface {
	// --- Engine journal ---

	// SaveCycle inserts or replaces a cycle.
	SaveCycle(ctx context.Context, c *model.Cycle) error

	// RecordAllocation updates the reward totals of cycles and the engine's
	// unallocated reward in one unit.
	RecordAllocation(ctx context.Context, cycles []model.Cycle, unallocated decimal.Decimal) error

	// RecordDeposit appends a stake and updates its cycle in one unit.
	RecordDeposit(ctx context.Context, c *model.Cycle, st *model.Stake) error

	// RecordWithdrawal marks a stake settled and updates its cycle in one unit.
	RecordWithdrawal(ctx context.Context, c *model.Cycle, st *model.Stake) error

	// LoadSnapshot returns everything needed to rebuild the engine.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// --- Token ledger journal ---

	// RecordLedger applies the balances, allowances, roles and blacklist
	// entries carried by u, plus its supply and pause state, in one unit.
	RecordLedger(ctx context.Context, u *model.LedgerUpdate) error

	// LoadLedger returns the persisted token ledger, or nil if none was
	// ever recorded.
	LoadLedger(ctx context.Context) (*model.LedgerSnapshot, error)

	// --- Read model ---

	// GetStake retrieves one stake by id.
	GetStake(ctx context.Context, id uint64) (*model.Stake, error)

	// ListStakesByOwner returns an owner's stakes ordered by id, never nil.
	ListStakesByOwner(ctx context.Context, owner string) ([]model.Stake, error)

	// ListCycles returns a pool's cycles, oldest first, never nil.
	ListCycles(ctx context.Context, pool model.PoolID) ([]model.Cycle, error)
}
