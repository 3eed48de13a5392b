// Package payment implements the settlement gate that runs before every
// priced tool invocation. The external ledger is the system of record:
// local balances are a cache and local reservations only a fast-path
// hint, so the ledger's own atomic decrement is what prevents
// overspend.
package payment

import (
	"context"

	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/shopspring/decimal"
)

// Ledger is the collaborator that holds funds.
type Ledger interface {
	// BalanceOf returns the principal's balance, or an error wrapping
	// errors.ErrNoAccount when the principal has no account.
	BalanceOf(ctx context.Context, principal string) (models.Balance, error)
	// Transfer moves amount from payer to the recipient wallet and
	// returns the ledger's transaction reference. reference makes the
	// call idempotent on the ledger side.
	Transfer(ctx context.Context, payer, recipient string, amount decimal.Decimal, reference string) (string, error)
	GetTransaction(ctx context.Context, txRef string) (models.TxStatus, error)
}
