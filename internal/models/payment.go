package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// PaymentRecord tracks one settlement attempt for a paid invocation.
type PaymentRecord struct {
	PaymentID   string          `json:"payment_id"`
	Payer       string          `json:"payer"`
	ToolID      string          `json:"tool_id"`
	Recipient   string          `json:"recipient_wallet"`
	Amount      decimal.Decimal `json:"amount"`
	Status      PaymentStatus   `json:"status"`
	TxReference string          `json:"tx_reference,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Balance mirrors a payer's account on the ledger. Available is always
// Deposited minus Spent.
type Balance struct {
	Principal string          `json:"principal"`
	Deposited decimal.Decimal `json:"deposited"`
	Spent     decimal.Decimal `json:"spent"`
	Available decimal.Decimal `json:"available"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// NewBalance builds a Balance with Available derived from the totals.
func NewBalance(principal string, deposited, spent decimal.Decimal) Balance {
	return Balance{
		Principal: principal,
		Deposited: deposited,
		Spent:     spent,
		Available: deposited.Sub(spent),
	}
}

// TxStatus is the ledger's view of a submitted transfer.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)
