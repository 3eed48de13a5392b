package tools

import "slices"

// Reserved tool names. They are available to every authenticated
// principal and route to the payment gate and ledger rather than to an
// outbound HTTP call.
const (
	CheckBalance          = "check_balance"
	GetPaymentTransaction = "get_payment_transaction"
	ApprovePayment        = "approve_payment"
	VerifyPayment         = "verify_payment"
)

// ReservedNames lists the reserved tool names in a stable order.
var ReservedNames = []string{CheckBalance, GetPaymentTransaction, ApprovePayment, VerifyPayment}

// IsReserved reports whether name (after normalization) is reserved.
func IsReserved(name string) bool {
	return slices.Contains(ReservedNames, NormalizeName(name))
}
