// Package settlement is the boundary to the on-chain limit order contract.
// The matching engine only depends on the interfaces here; the ethereum
// implementation lives alongside for wiring at startup.
package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Submitter submits a committed fill for on-chain execution and returns the
// transaction reference.
type Submitter interface {
	SubmitFill(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (string, error)
}

// BalanceReader reports a wallet's token balance in base units.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner, token string) (decimal.Decimal, error)
}
