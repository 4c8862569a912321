package token

import (
	"context"

	"github.com/shopspring/decimal"
)

// Custody binds a Ledger to the account that holds staked funds and exposes
// the transfer-in / transfer-out capability the stake engine consumes.
type Custody struct {
	ledger  *Ledger
	account string
}

// NewCustody creates a custody adapter for account.
func NewCustody(ledger *Ledger, account string) *Custody {
	return &Custody{ledger: ledger, account: account}
}

// Account returns the custody account address.
func (c *Custody) Account() string { return c.account }

// TransferIn pulls amount from from into custody. The depositor must have
// approved the custody account as spender.
func (c *Custody) TransferIn(_ context.Context, from string, amount decimal.Decimal) error {
	return c.ledger.TransferFrom(c.account, from, c.account, amount)
}

// TransferOut pays amount from custody to to.
func (c *Custody) TransferOut(_ context.Context, to string, amount decimal.Decimal) error {
	return c.ledger.Transfer(c.account, to, amount)
}

// BalanceOf returns the ledger balance of account.
func (c *Custody) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	return c.ledger.BalanceOf(account), nil
}
