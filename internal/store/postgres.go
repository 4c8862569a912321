package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/model"
)

//go:embed schema.sql
var schema string

const metaUnallocatedReward = "unallocated_reward"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All token amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) SaveCycle(ctx context.Context, c *model.Cycle) error {
	return upsertCycle(ctx, s.pool, c)
}

func (s *PostgresStore) RecordAllocation(ctx context.Context, cycles []model.Cycle, unallocated decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range cycles {
			if err := upsertCycle(ctx, tx, &cycles[i]); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO engine_meta (key, value) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			metaUnallocatedReward, unallocated.String(),
		)
		return err
	})
}

func (s *PostgresStore) RecordDeposit(ctx context.Context, c *model.Cycle, st *model.Stake) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertCycle(ctx, tx, c); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO stakes (id, owner, pool_id, cycle_id, principal, deposited_at, matures_at, settled, reward_paid)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, FALSE, 0)`,
			int64(st.ID), st.Owner, int16(st.PoolID), int64(st.CycleID),
			st.Principal.String(), st.DepositedAt, st.MaturesAt,
		)
		if err != nil {
			return fmt.Errorf("insert stake %d: %w", st.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) RecordWithdrawal(ctx context.Context, c *model.Cycle, st *model.Stake) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// settled = FALSE guards against double settlement at the row level.
		tag, err := tx.Exec(ctx,
			`UPDATE stakes
			 SET settled = TRUE, settled_at = $2, reward_paid = $3::NUMERIC
			 WHERE id = $1 AND settled = FALSE`,
			int64(st.ID), st.SettledAt, st.RewardPaid.String(),
		)
		if err != nil {
			return fmt.Errorf("settle stake %d: %w", st.ID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("settle stake %d: %w or already settled", st.ID, ErrNotFound)
		}
		return upsertCycle(ctx, tx, c)
	})
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}

	rows, err := s.pool.Query(ctx, selectCycles+` ORDER BY pool_id, cycle_id`)
	if err != nil {
		return nil, fmt.Errorf("load cycles: %w", err)
	}
	snap.Cycles, err = scanCycles(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, selectStakes+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load stakes: %w", err)
	}
	snap.Stakes, err = scanStakes(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var unallocated string
	err = s.pool.QueryRow(ctx,
		`SELECT value::TEXT FROM engine_meta WHERE key = $1`, metaUnallocatedReward).
		Scan(&unallocated)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		snap.UnallocatedReward = decimal.Zero
	case err != nil:
		return nil, fmt.Errorf("load engine meta: %w", err)
	default:
		snap.UnallocatedReward, _ = decimal.NewFromString(unallocated)
	}

	return snap, nil
}

func (s *PostgresStore) GetStake(ctx context.Context, id uint64) (*model.Stake, error) {
	rows, err := s.pool.Query(ctx, selectStakes+` WHERE id = $1`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("get stake %d: %w", id, err)
	}
	defer rows.Close()

	stakes, err := scanStakes(rows)
	if err != nil {
		return nil, err
	}
	if len(stakes) == 0 {
		return nil, fmt.Errorf("stake %d: %w", id, ErrNotFound)
	}
	return &stakes[0], nil
}

func (s *PostgresStore) ListStakesByOwner(ctx context.Context, owner string) ([]model.Stake, error) {
	rows, err := s.pool.Query(ctx, selectStakes+` WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanStakes(rows)
}

func (s *PostgresStore) ListCycles(ctx context.Context, pool model.PoolID) ([]model.Cycle, error) {
	rows, err := s.pool.Query(ctx, selectCycles+` WHERE pool_id = $1 ORDER BY cycle_id`, int16(pool))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCycles(rows)
}

func (s *PostgresStore) RecordLedger(ctx context.Context, u *model.LedgerUpdate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO token_meta (id, total_supply, paused) VALUES (1, $1::NUMERIC, $2)
			 ON CONFLICT (id) DO UPDATE SET total_supply = EXCLUDED.total_supply, paused = EXCLUDED.paused`,
			u.TotalSupply.String(), u.Paused,
		)
		if err != nil {
			return fmt.Errorf("upsert token meta: %w", err)
		}
		for acct, bal := range u.Balances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO token_balances (account, balance) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (account) DO UPDATE SET balance = EXCLUDED.balance`,
				acct, bal.String(),
			); err != nil {
				return fmt.Errorf("upsert balance of %s: %w", acct, err)
			}
		}
		for _, a := range u.Allowances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO token_allowances (owner, spender, amount) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
				a.Owner, a.Spender, a.Amount.String(),
			); err != nil {
				return fmt.Errorf("upsert allowance %s/%s: %w", a.Owner, a.Spender, err)
			}
		}
		for _, g := range u.Roles {
			sql := `DELETE FROM token_roles WHERE role = $1 AND account = $2`
			if g.Granted {
				sql = `INSERT INTO token_roles (role, account) VALUES ($1, $2) ON CONFLICT DO NOTHING`
			}
			if _, err := tx.Exec(ctx, sql, g.Role, g.Account); err != nil {
				return fmt.Errorf("update role %s of %s: %w", g.Role, g.Account, err)
			}
		}
		for acct, listed := range u.Blacklist {
			sql := `DELETE FROM token_blacklist WHERE account = $1`
			if listed {
				sql = `INSERT INTO token_blacklist (account) VALUES ($1) ON CONFLICT DO NOTHING`
			}
			if _, err := tx.Exec(ctx, sql, acct); err != nil {
				return fmt.Errorf("update blacklist of %s: %w", acct, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) LoadLedger(ctx context.Context) (*model.LedgerSnapshot, error) {
	var supply string
	snap := &model.LedgerSnapshot{Balances: make(map[string]decimal.Decimal)}
	err := s.pool.QueryRow(ctx, `SELECT total_supply::TEXT, paused FROM token_meta WHERE id = 1`).
		Scan(&supply, &snap.Paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token meta: %w", err)
	}
	snap.TotalSupply, _ = decimal.NewFromString(supply)

	rows, err := s.pool.Query(ctx, `SELECT account, balance::TEXT FROM token_balances`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for rows.Next() {
		var acct, bal string
		if err := rows.Scan(&acct, &bal); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Balances[acct], _ = decimal.NewFromString(bal)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT owner, spender, amount::TEXT FROM token_allowances WHERE amount > 0`)
	if err != nil {
		return nil, fmt.Errorf("load allowances: %w", err)
	}
	for rows.Next() {
		var a model.TokenAllowance
		var amt string
		if err := rows.Scan(&a.Owner, &a.Spender, &amt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Amount, _ = decimal.NewFromString(amt)
		snap.Allowances = append(snap.Allowances, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT role, account FROM token_roles`)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	for rows.Next() {
		g := model.TokenRoleGrant{Granted: true}
		if err := rows.Scan(&g.Role, &g.Account); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Roles = append(snap.Roles, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT account FROM token_blacklist`)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var acct string
		if err := rows.Scan(&acct); err != nil {
			return nil, err
		}
		snap.Blacklist = append(snap.Blacklist, acct)
	}
	return snap, rows.Err()
}

func upsertCycle(ctx context.Context, db execer, c *model.Cycle) error {
	_, err := db.Exec(ctx,
		`INSERT INTO cycles (pool_id, cycle_id, opened_at, window_hours, staking_period_days,
		                     total_principal, total_reward, settled_principal, reward_paid, deposits)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (pool_id, cycle_id) DO UPDATE SET
		     total_principal   = EXCLUDED.total_principal,
		     total_reward      = EXCLUDED.total_reward,
		     settled_principal = EXCLUDED.settled_principal,
		     reward_paid       = EXCLUDED.reward_paid,
		     deposits          = EXCLUDED.deposits`,
		int16(c.PoolID), int64(c.CycleID), c.OpenedAt, c.WindowHours, c.StakingPeriodDays,
		c.TotalPrincipal.String(), c.TotalReward.String(),
		c.SettledPrincipal.String(), c.RewardPaid.String(),
		c.Deposits,
	)
	if err != nil {
		return fmt.Errorf("upsert cycle %d/%d: %w", c.PoolID, c.CycleID, err)
	}
	return nil
}

const selectCycles = `SELECT pool_id, cycle_id, opened_at, window_hours, staking_period_days,
        total_principal::TEXT, total_reward::TEXT, settled_principal::TEXT, reward_paid::TEXT,
        deposits
 FROM cycles`

const selectStakes = `SELECT id, owner, pool_id, cycle_id, principal::TEXT,
        deposited_at, matures_at, settled, settled_at, reward_paid::TEXT
 FROM stakes`

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCycles(rows pgxRows) ([]model.Cycle, error) {
	cycles := []model.Cycle{}
	for rows.Next() {
		var c model.Cycle
		var poolID int16
		var cycleID int64
		var totalPrincipal, totalReward, settledPrincipal, rewardPaid string

		if err := rows.Scan(&poolID, &cycleID, &c.OpenedAt, &c.WindowHours, &c.StakingPeriodDays,
			&totalPrincipal, &totalReward, &settledPrincipal, &rewardPaid,
			&c.Deposits); err != nil {
			return nil, err
		}

		c.PoolID = model.PoolID(poolID)
		c.CycleID = uint64(cycleID)
		c.OpenedAt = c.OpenedAt.UTC()
		c.TotalPrincipal, _ = decimal.NewFromString(totalPrincipal)
		c.TotalReward, _ = decimal.NewFromString(totalReward)
		c.SettledPrincipal, _ = decimal.NewFromString(settledPrincipal)
		c.RewardPaid, _ = decimal.NewFromString(rewardPaid)

		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func scanStakes(rows pgxRows) ([]model.Stake, error) {
	stakes := []model.Stake{}
	for rows.Next() {
		var st model.Stake
		var id, cycleID int64
		var poolID int16
		var principal, rewardPaid string
		var settledAt *time.Time

		if err := rows.Scan(&id, &st.Owner, &poolID, &cycleID, &principal,
			&st.DepositedAt, &st.MaturesAt, &st.Settled, &settledAt, &rewardPaid); err != nil {
			return nil, err
		}

		st.ID = uint64(id)
		st.PoolID = model.PoolID(poolID)
		st.CycleID = uint64(cycleID)
		st.DepositedAt = st.DepositedAt.UTC()
		st.MaturesAt = st.MaturesAt.UTC()
		if settledAt != nil {
			t := settledAt.UTC()
			st.SettledAt = &t
		}
		st.Principal, _ = decimal.NewFromString(principal)
		st.RewardPaid, _ = decimal.NewFromString(rewardPaid)

		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}
