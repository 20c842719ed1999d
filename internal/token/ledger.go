package token

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Ledger is the external fungible-asset collaborator. Amounts are integers
// in the asset's smallest unit (6-decimal USDC base units).
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal) error
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
	Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error
	Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)
}
