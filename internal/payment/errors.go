package payment

import (
	"fmt"
	"net/http"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/shopspring/decimal"
)

// Values of the action_required field in 402 bodies.
const (
	ActionDeposit         = "deposit_required"
	ActionInsufficient    = "insufficient_balance"
	ActionPaymentRequired = "payment_required"
	ActionRetry           = "retry_later"
	ActionVerify          = "verify_payment"
)

// Reasons reported alongside the action.
const (
	ReasonNotFound      = "payment_not_found"
	ReasonWrongPayer    = "wrong_payer"
	ReasonWrongTool     = "wrong_tool"
	ReasonNotCompleted  = "not_completed"
	ReasonNoAccount     = "no_account"
	ReasonInsufficient  = "insufficient_balance"
	ReasonSettlement    = "settlement_failed"
	ReasonUnconfirmed   = "settlement_unconfirmed"
	ReasonLedgerFailure = "ledger_unavailable"
)

// Error is a gate outcome that stops an invocation. Status is 402 for
// funding problems and 500 for system failures.
type Error struct {
	Status  int
	Action  string
	Reason  string
	Message string
	// Details are merged into the response body.
	Details map[string]any
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Body returns the JSON response body.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Details)+4)
	for k, v := range e.Details {
		body[k] = v
	}

	body["reason"] = e.Reason
	body["message"] = e.Message

	if e.Status == http.StatusPaymentRequired {
		body["action_required"] = e.Action
	} else {
		body["error"] = e.Reason
		if e.Action != "" {
			body["action_required"] = e.Action
		}
	}

	return body
}

func paymentRequired(action, reason, message string, sentinel error, details map[string]any) *Error {
	return &Error{
		Status:  http.StatusPaymentRequired,
		Action:  action,
		Reason:  reason,
		Message: message,
		Details: details,
		err:     sentinel,
	}
}

func errNoAccount(principal string, price decimal.Decimal) *Error {
	first := "Deposit at least " + price.String() + " into your ledger account."
	if !price.IsPositive() {
		first = "Deposit funds into your ledger account."
	}

	return paymentRequired(ActionDeposit, ReasonNoAccount,
		"no ledger account exists for this principal; deposit funds before calling paid tools",
		apperrors.ErrNoAccount,
		map[string]any{
			"principal": principal,
			"price":     price.String(),
			"steps": []string{
				first,
				"Call check_balance to confirm the deposit is visible.",
				"Retry this call.",
			},
		})
}

func errInsufficient(b models.Balance, price decimal.Decimal) *Error {
	shortfall := price.Sub(b.Available)

	return paymentRequired(ActionInsufficient, ReasonInsufficient,
		fmt.Sprintf("available balance %s is %s short of the price %s", b.Available, shortfall, price),
		apperrors.ErrInsufficientBalance,
		map[string]any{
			"price":     price.String(),
			"available": b.Available.String(),
			"shortfall": shortfall.String(),
		})
}

func errReference(reason, message, paymentID string) *Error {
	return paymentRequired(ActionPaymentRequired, reason, message, apperrors.ErrPaymentRequired,
		map[string]any{"payment_id": paymentID})
}

func errNotCompleted(rec *models.PaymentRecord) *Error {
	action := ActionRetry
	if rec.Status == models.PaymentFailed {
		action = ActionPaymentRequired
	}

	return paymentRequired(action, ReasonNotCompleted,
		fmt.Sprintf("payment %s is %s, not completed", rec.PaymentID, rec.Status),
		apperrors.ErrNotYetSettled,
		map[string]any{"payment_id": rec.PaymentID, "status": string(rec.Status)})
}

func errSettlement(paymentID string, refunded decimal.Decimal, cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Reason:  ReasonSettlement,
		Message: "the ledger transfer failed; no funds were taken",
		Details: map[string]any{
			"payment_id":      paymentID,
			"refunded":        true,
			"refunded_amount": refunded.String(),
		},
		err: fmt.Errorf("%w: %w", apperrors.ErrSettlementFailed, cause),
	}
}

func errUnconfirmed(paymentID, txRef string, cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Action:  ActionVerify,
		Reason:  ReasonUnconfirmed,
		Message: "the ledger has not confirmed the transfer; call verify_payment with this payment_id",
		Details: unconfirmedDetails(paymentID, txRef),
		err:     fmt.Errorf("%w: %w", apperrors.ErrNotYetSettled, cause),
	}
}

func unconfirmedDetails(paymentID, txRef string) map[string]any {
	d := map[string]any{
		"payment_id": paymentID,
		"status":     string(models.PaymentProcessing),
		"refunded":   false,
	}

	if txRef != "" {
		d["tx_reference"] = txRef
	}

	return d
}

func errLedger(cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Reason:  ReasonLedgerFailure,
		Message: "the ledger could not be reached; nothing was charged",
		Details: map[string]any{"refunded": false},
		err:     fmt.Errorf("%w: %w", apperrors.ErrServer, cause),
	}
}
