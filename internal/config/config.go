// Package config loads the stake engine's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/atmx/stake-engine/internal/address"
	"github.com/atmx/stake-engine/internal/logging"
	"github.com/atmx/stake-engine/internal/model"
	"github.com/atmx/stake-engine/internal/staking"
)

// Environment variables that override file values at deploy time.
const (
	EnvPort        = "PORT"
	EnvDatabaseURL = "DATABASE_URL"
	EnvRedisURL    = "REDIS_URL"
	EnvJWTSecret   = "STAKE_JWT_SECRET"
)

type Config struct {
	Service     string        `toml:"service"`
	Env         string        `toml:"env"`
	LogLevel    string        `toml:"log_level"`
	Port        string        `toml:"port"`
	DatabaseURL string        `toml:"database_url"`
	RedisURL    string        `toml:"redis_url"`
	CacheTTL    time.Duration `toml:"cache_ttl"`

	// EngineAddress is the ledger account that holds staked funds.
	EngineAddress string               `toml:"engine_address"`
	Managers      []string             `toml:"managers"`
	ReopenPolicy  staking.ReopenPolicy `toml:"reopen_policy"`
	Pools         []model.PoolConfig   `toml:"pools"`

	Limits    LimitsConfig    `toml:"limits"`
	Token     TokenConfig     `toml:"token"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// LimitsConfig caps deposits. Zero disables a cap. Amounts are quoted
// strings because base-unit values overflow TOML integers.
type LimitsConfig struct {
	MaxPerAccount decimal.Decimal `toml:"max_per_account"`
	MaxPerCycle   decimal.Decimal `toml:"max_per_cycle"`
}

type TokenConfig struct {
	Name          string          `toml:"name"`
	Symbol        string          `toml:"symbol"`
	Decimals      int32           `toml:"decimals"`
	Owner         string          `toml:"owner"`
	InitialSupply decimal.Decimal `toml:"initial_supply"`

	// Allocations are paid out of the owner's initial supply at start-up.
	Allocations []Allocation `toml:"allocations"`
}

type Allocation struct {
	Address string          `toml:"address"`
	Amount  decimal.Decimal `toml:"amount"`
}

// AuthConfig enables bearer-token identity when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

// Default returns a development configuration: in-memory store, the four
// standard pools and an unauthenticated API.
func Default() *Config {
	pools := make([]model.PoolConfig, len(staking.DefaultPools))
	copy(pools, staking.DefaultPools)

	return &Config{
		Service:       "stake-engine",
		Env:           "dev",
		LogLevel:      "info",
		Port:          "8080",
		CacheTTL:      30 * time.Second,
		EngineAddress: "0x00000000000000000000000000000000000057a6",
		Managers:      []string{"0x0000000000000000000000000000000000000a11"},
		ReopenPolicy:  staking.ReopenAfterWindow,
		Pools:         pools,
		Limits: LimitsConfig{
			MaxPerAccount: decimal.Zero,
			MaxPerCycle:   decimal.Zero,
		},
		Token: TokenConfig{
			Name:          "uvwToken",
			Symbol:        "UVWT",
			Decimals:      10,
			Owner:         "0x0000000000000000000000000000000000000a11",
			InitialSupply: decimal.RequireFromString("1000000000000000000"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             50,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv()
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		c.Port = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Normalize canonicalises addresses in place and validates the config.
func (c *Config) Normalize() error {
	var errs []error

	canon := func(field, s string) string {
		addr, err := address.ParseNonZero(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return s
		}
		return addr
	}

	c.EngineAddress = canon("engine_address", c.EngineAddress)
	c.Token.Owner = canon("token.owner", c.Token.Owner)
	for i, m := range c.Managers {
		c.Managers[i] = canon(fmt.Sprintf("managers[%d]", i), m)
	}
	for i, a := range c.Token.Allocations {
		c.Token.Allocations[i].Address = canon(fmt.Sprintf("token.allocations[%d].address", i), a.Address)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return c.Validate()
}

// Validate checks the config for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Port) == "" {
		add("port is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.CacheTTL < 0 {
		add("cache_ttl must not be negative")
	}
	switch c.ReopenPolicy {
	case staking.ReopenAfterWindow, staking.ReopenAfterMaturity:
	default:
		add("reopen_policy must be %q or %q, got %q", staking.ReopenAfterWindow, staking.ReopenAfterMaturity, c.ReopenPolicy)
	}
	if len(c.Managers) == 0 {
		add("at least one manager is required")
	}

	if len(c.Pools) == 0 {
		add("at least one pool is required")
	}
	seen := make(map[model.PoolID]bool, len(c.Pools))
	for _, p := range c.Pools {
		if seen[p.ID] {
			add("pool %d defined twice", p.ID)
		}
		seen[p.ID] = true
		if p.StakingPeriodDays <= 0 {
			add("pool %d staking_period_days must be positive", p.ID)
		}
	}

	if c.Limits.MaxPerAccount.IsNegative() || c.Limits.MaxPerCycle.IsNegative() {
		add("limits must not be negative")
	}

	if c.Token.Decimals < 0 {
		add("token.decimals must not be negative")
	}
	if c.Token.InitialSupply.IsNegative() || !c.Token.InitialSupply.IsInteger() {
		add("token.initial_supply must be a non-negative integer")
	}
	allocated := decimal.Zero
	for i, a := range c.Token.Allocations {
		if !a.Amount.IsPositive() || !a.Amount.IsInteger() {
			add("token.allocations[%d].amount must be a positive integer", i)
		}
		allocated = allocated.Add(a.Amount)
	}
	if allocated.GreaterThan(c.Token.InitialSupply) {
		add("token.allocations total %s exceeds initial_supply %s", allocated, c.Token.InitialSupply)
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		add("rate_limit values must not be negative")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
