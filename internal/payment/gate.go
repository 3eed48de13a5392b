package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// DefaultLedgerTimeout bounds each individual ledger call.
	DefaultLedgerTimeout = 15 * time.Second
	// DefaultConfirmTimeout bounds the wait for a transfer to confirm.
	DefaultConfirmTimeout = 30 * time.Second
)

// Settlement outcomes passed to SettlementRecorder.
const (
	OutcomeFree        = "free"
	OutcomeReused      = "reused"
	OutcomeCompleted   = "completed"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
	OutcomeUnconfirmed = "unconfirmed"
)

var (
	errTxPending = errors.New("transaction not yet confirmed")
	errTxFailed  = errors.New("ledger reported the transaction as failed")
)

// SettlementRecorder observes gate outcomes.
type SettlementRecorder interface {
	Settlement(outcome string)
}

// Config tunes the gate.
type Config struct {
	LedgerTimeout  time.Duration
	ConfirmTimeout time.Duration
	// ConfirmInterval is the first polling interval while waiting for
	// confirmation. Zero uses 100ms.
	ConfirmInterval time.Duration
	Recorder        SettlementRecorder
}

// Receipt describes how an invocation was paid for.
type Receipt struct {
	PaymentID   string          `json:"payment_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	TxReference string          `json:"tx_reference,omitempty"`
	// Charged is false when the call was free or reused a completed
	// payment.
	Charged bool `json:"charged"`
}

// Gate decides whether a priced invocation may proceed, settling with
// the ledger when needed.
type Gate struct {
	ledger  Ledger
	records *Records
	cache   *BalanceCache
	cfg     Config
	logger  *slog.Logger
	newID   func() string
}

// NewGate returns a Gate.
func NewGate(l Ledger, records *Records, cache *BalanceCache, cfg Config, logger *slog.Logger) *Gate {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultLedgerTimeout
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 100 * time.Millisecond
	}

	return &Gate{
		ledger:  l,
		records: records,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Authorize runs before every invocation of tool by caller. Free tools
// pass straight through. With a paymentID the referenced record must
// belong to caller, target this tool and be completed; no new charge is
// made. Without one the gate settles the price with the ledger.
func (g *Gate) Authorize(ctx context.Context, caller, paymentID string, tool *models.Tool) (*Receipt, error) {
	if !tool.Priced() {
		g.record(OutcomeFree)
		return &Receipt{Amount: decimal.Zero}, nil
	}

	if paymentID != "" {
		return g.reuse(ctx, caller, paymentID, tool)
	}

	return g.Settle(ctx, caller, tool)
}

func (g *Gate) reuse(ctx context.Context, caller, paymentID string, tool *models.Tool) (*Receipt, error) {
	rec, err := g.records.Get(ctx, paymentID)
	if errors.Is(err, apperrors.ErrNotFound) {
		g.record(OutcomeRejected)
		return nil, errReference(ReasonNotFound, "no payment exists with this payment_id", paymentID)
	}

	if err != nil {
		return nil, fmt.Errorf("loading payment: %w", err)
	}

	switch {
	case rec.Payer != caller:
		g.record(OutcomeRejected)
		return nil, errReference(ReasonWrongPayer, "this payment belongs to a different principal", paymentID)
	case rec.ToolID != tool.ID():
		g.record(OutcomeRejected)
		return nil, errReference(ReasonWrongTool, "this payment was made for a different tool", paymentID)
	case rec.Status != models.PaymentCompleted:
		g.record(OutcomeRejected)
		return nil, errNotCompleted(rec)
	}

	g.record(OutcomeReused)

	return &Receipt{PaymentID: rec.PaymentID, Amount: rec.Amount, TxReference: rec.TxReference}, nil
}

// Settle charges tool's price to caller without invoking anything. It
// backs both Authorize and the approve_payment tool.
func (g *Gate) Settle(ctx context.Context, caller string, tool *models.Tool) (*Receipt, error) {
	price := tool.Price

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
	bal, err := g.cache.Get(lctx, caller)
	cancel()

	if errors.Is(err, apperrors.ErrNoAccount) {
		g.record(OutcomeRejected)
		return nil, errNoAccount(caller, price)
	}

	if err != nil {
		g.record(OutcomeFailed)
		return nil, errLedger(err)
	}

	if bal.Available.LessThan(price) {
		g.record(OutcomeRejected)
		return nil, errInsufficient(bal, price)
	}

	rec := &models.PaymentRecord{
		PaymentID: g.newID(),
		Payer:     caller,
		ToolID:    tool.ID(),
		Recipient: tool.Wallet,
		Amount:    price,
		Status:    models.PaymentProcessing,
	}

	if err := g.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating payment record: %w", err)
	}

	g.cache.Reserve(caller, price)
	defer g.cache.Release(caller, price)

	logger := g.logger.With(
		slog.String("payment_id", rec.PaymentID),
		slog.String("payer", caller),
		slog.String("tool", rec.ToolID),
		slog.String("amount", price.String()),
	)

	txRef, err := g.transfer(ctx, logger, rec)
	if err != nil {
		if !outcomeUnknown(err) {
			return nil, g.compensate(ctx, logger, rec, err)
		}

		logger.Warn("transfer outcome unknown, payment left processing", slog.String("error", err.Error()))
		g.cache.Invalidate(caller)
		g.record(OutcomeUnconfirmed)

		return nil, errUnconfirmed(rec.PaymentID, "", err)
	}

	if err := g.confirm(ctx, txRef); err != nil {
		if errors.Is(err, errTxFailed) {
			return nil, g.compensate(ctx, logger, rec, err)
		}

		g.keepProcessing(ctx, logger, rec.PaymentID, txRef)
		g.record(OutcomeUnconfirmed)

		return nil, errUnconfirmed(rec.PaymentID, txRef, err)
	}

	g.cache.Invalidate(caller)

	_, err = g.records.Transition(context.WithoutCancel(ctx), rec.PaymentID, models.PaymentCompleted, func(r *models.PaymentRecord) {
		r.TxReference = txRef
	})
	if err != nil {
		// Funds have moved. The record stays processing and
		// verify_payment can complete it later.
		logger.Error("recording completed payment", slog.String("tx_reference", txRef), slog.String("error", err.Error()))
	}

	logger.Info("payment settled", slog.String("tx_reference", txRef))
	g.record(OutcomeCompleted)

	return &Receipt{PaymentID: rec.PaymentID, Amount: price, TxReference: txRef, Charged: true}, nil
}

// transfer submits rec to the ledger. When the first attempt may or may
// not have been applied it is resubmitted once under the same reference,
// which the ledger deduplicates, so the answer settles the question.
func (g *Gate) transfer(ctx context.Context, logger *slog.Logger, rec *models.PaymentRecord) (string, error) {
	txRef, err := g.submit(ctx, rec)
	if err == nil || !outcomeUnknown(err) {
		return txRef, err
	}

	logger.Warn("resubmitting transfer with unknown outcome", slog.String("error", err.Error()))

	txRef, rerr := g.submit(context.WithoutCancel(ctx), rec)
	if rerr == nil || !outcomeUnknown(rerr) {
		return txRef, rerr
	}

	return "", fmt.Errorf("%w (resubmit: %w)", err, rerr)
}

func (g *Gate) submit(ctx context.Context, rec *models.PaymentRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
	defer cancel()

	return g.ledger.Transfer(ctx, rec.Payer, rec.Recipient, rec.Amount, rec.PaymentID)
}

// outcomeUnknown reports whether err leaves open that the ledger applied
// the call.
func outcomeUnknown(err error) bool {
	return errors.Is(err, apperrors.ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// compensate handles a transfer that did not move funds. The deferred
// Release in Settle reverses the local reservation.
func (g *Gate) compensate(ctx context.Context, logger *slog.Logger, rec *models.PaymentRecord, cause error) error {
	ctx = context.WithoutCancel(ctx)

	_, err := g.records.Transition(ctx, rec.PaymentID, models.PaymentFailed, func(r *models.PaymentRecord) {
		r.Error = cause.Error()
	})
	if err != nil {
		logger.Error("marking payment failed", slog.String("error", err.Error()))
	}

	g.cache.Invalidate(rec.Payer)

	// A ledger-side funding rejection means a concurrent settlement got
	// there first; report it as a shortfall rather than a system fault.
	if errors.Is(cause, apperrors.ErrInsufficientFunds) || errors.Is(cause, apperrors.ErrNoAccount) {
		logger.Info("ledger rejected transfer", slog.String("error", cause.Error()))
		g.record(OutcomeRejected)

		lctx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
		bal, berr := g.cache.Refresh(lctx, rec.Payer)
		cancel()

		switch {
		case errors.Is(berr, apperrors.ErrNoAccount):
			return errNoAccount(rec.Payer, rec.Amount)
		case berr != nil:
			bal = models.Balance{Principal: rec.Payer, Available: rec.Amount.Neg()}
		}

		// Our own reservation is still held until Settle returns.
		bal.Available = bal.Available.Add(rec.Amount)

		return errInsufficient(bal, rec.Amount)
	}

	logger.Warn("settlement failed, reservation reversed", slog.String("error", cause.Error()))
	g.record(OutcomeFailed)

	return errSettlement(rec.PaymentID, rec.Amount, cause)
}

func (g *Gate) keepProcessing(ctx context.Context, logger *slog.Logger, id, txRef string) {
	if _, err := g.records.AttachReference(context.WithoutCancel(ctx), id, txRef); err != nil {
		logger.Error("recording unconfirmed transfer", slog.String("tx_reference", txRef), slog.String("error", err.Error()))
	}
}

// confirm polls the ledger until txRef is confirmed, failed, or the
// confirmation window closes.
func (g *Gate) confirm(ctx context.Context, txRef string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.ConfirmInterval
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (models.TxStatus, error) {
		lctx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
		defer cancel()

		st, err := g.ledger.GetTransaction(lctx, txRef)
		if err != nil {
			return "", err
		}

		switch st {
		case models.TxConfirmed:
			return st, nil
		case models.TxFailed:
			return st, backoff.Permanent(errTxFailed)
		default:
			return st, errTxPending
		}
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(g.cfg.ConfirmTimeout))

	return err
}

func (g *Gate) record(outcome string) {
	if g.cfg.Recorder != nil {
		g.cfg.Recorder.Settlement(outcome)
	}
}
