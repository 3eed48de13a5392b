package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/shopspring/decimal"
)

// Balance returns caller's balance straight from the ledger, less any
// local reservations.
func (g *Gate) Balance(ctx context.Context, caller string) (models.Balance, error) {
	lctx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
	defer cancel()

	b, err := g.cache.Refresh(lctx, caller)
	if errors.Is(err, apperrors.ErrNoAccount) {
		return models.Balance{}, errNoAccount(caller, decimal.Zero)
	}

	if err != nil {
		return models.Balance{}, errLedger(err)
	}

	return b, nil
}

// Payment returns the record for paymentID if it belongs to caller.
func (g *Gate) Payment(ctx context.Context, caller, paymentID string) (*models.PaymentRecord, error) {
	rec, err := g.records.Get(ctx, paymentID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, errReference(ReasonNotFound, "no payment exists with this payment_id", paymentID)
	}

	if err != nil {
		return nil, fmt.Errorf("loading payment: %w", err)
	}

	if rec.Payer != caller {
		// Indistinguishable from a missing record.
		return nil, errReference(ReasonNotFound, "no payment exists with this payment_id", paymentID)
	}

	return rec, nil
}

// Verify reconciles a processing payment against the ledger and returns
// the up-to-date record. Terminal records are returned unchanged.
func (g *Gate) Verify(ctx context.Context, caller, paymentID string) (*models.PaymentRecord, error) {
	rec, err := g.Payment(ctx, caller, paymentID)
	if err != nil {
		return nil, err
	}

	if rec.Status.Terminal() {
		return rec, nil
	}

	if rec.TxReference == "" {
		return g.resolveSubmission(ctx, rec)
	}

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
	st, err := g.ledger.GetTransaction(lctx, rec.TxReference)
	cancel()

	if err != nil {
		return nil, errLedger(err)
	}

	switch st {
	case models.TxConfirmed:
		rec, err = g.records.Transition(ctx, paymentID, models.PaymentCompleted, nil)
	case models.TxFailed:
		rec, err = g.records.Transition(ctx, paymentID, models.PaymentFailed, func(r *models.PaymentRecord) {
			r.Error = errTxFailed.Error()
		})
	default:
		return rec, nil
	}

	if errors.Is(err, apperrors.ErrInvalidTransition) {
		// Someone else reconciled it first.
		return g.records.Get(ctx, paymentID)
	}

	if err != nil {
		return nil, fmt.Errorf("updating payment: %w", err)
	}

	g.cache.Invalidate(caller)
	g.logger.Info("payment reconciled",
		slog.String("payment_id", paymentID),
		slog.String("status", string(rec.Status)),
	)

	return rec, nil
}

// resolveSubmission settles a processing record whose transfer never
// returned a reference. Resubmitting under the payment id either returns
// the transfer the ledger already holds or applies it now.
func (g *Gate) resolveSubmission(ctx context.Context, rec *models.PaymentRecord) (*models.PaymentRecord, error) {
	logger := g.logger.With(slog.String("payment_id", rec.PaymentID))

	txRef, err := g.submit(ctx, rec)

	switch {
	case err == nil:
		if _, err := g.records.AttachReference(ctx, rec.PaymentID, txRef); err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
			return nil, fmt.Errorf("updating payment: %w", err)
		}

		// Let the confirmation check below run against the new reference.
		return g.Verify(ctx, rec.Payer, rec.PaymentID)
	case outcomeUnknown(err):
		return nil, errLedger(err)
	}

	updated, terr := g.records.Transition(ctx, rec.PaymentID, models.PaymentFailed, func(r *models.PaymentRecord) {
		r.Error = err.Error()
	})
	if errors.Is(terr, apperrors.ErrInvalidTransition) {
		return g.records.Get(ctx, rec.PaymentID)
	}

	if terr != nil {
		return nil, fmt.Errorf("updating payment: %w", terr)
	}

	g.cache.Invalidate(rec.Payer)
	logger.Info("unresolved payment rejected by ledger", slog.String("error", err.Error()))

	return updated, nil
}
