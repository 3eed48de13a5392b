package payment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/alexjbarnes/toolpay/internal/models"
)

const recordPrefix = "payment:"

// transitions lists the statuses reachable from each status.
var transitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending:    {models.PaymentProcessing, models.PaymentCompleted, models.PaymentFailed},
	models.PaymentProcessing: {models.PaymentCompleted, models.PaymentFailed},
}

// CanTransition reports whether a record may move from one status to
// another. Terminal statuses have no successors.
func CanTransition(from, to models.PaymentStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Records persists PaymentRecords keyed by payment id.
type Records struct {
	store kv.Store
	now   func() time.Time
}

// NewRecords returns a record store backed by store.
func NewRecords(store kv.Store) *Records {
	return &Records{store: store, now: time.Now}
}

// Create stores a new record. The payment id must be unused.
func (r *Records) Create(ctx context.Context, rec *models.PaymentRecord) error {
	if rec.Status == models.PaymentCompleted && rec.TxReference == "" {
		return fmt.Errorf("%w: completed payment without transaction reference", apperrors.ErrInvalidTransition)
	}

	now := r.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	ok, err := kv.CreateJSON(ctx, r.store, recordPrefix+rec.PaymentID, rec, 0)
	if err != nil {
		return fmt.Errorf("storing payment %s: %w", rec.PaymentID, err)
	}

	if !ok {
		return fmt.Errorf("payment %s already exists", rec.PaymentID)
	}

	return nil
}

// Get returns the record for id.
func (r *Records) Get(ctx context.Context, id string) (*models.PaymentRecord, error) {
	rec, _, err := kv.GetJSON[models.PaymentRecord](ctx, r.store, recordPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment %s", apperrors.ErrNotFound, id)
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Transition moves the record to status and applies update to it in a
// single compare-and-swap. Moving out of a terminal status, or to
// completed without a transaction reference, fails with
// ErrInvalidTransition.
func (r *Records) Transition(ctx context.Context, id string, to models.PaymentStatus, update func(*models.PaymentRecord)) (*models.PaymentRecord, error) {
	rec, err := kv.Mutate(ctx, r.store, recordPrefix+id, kv.NoTTL[models.PaymentRecord], func(rec *models.PaymentRecord) error {
		if !CanTransition(rec.Status, to) {
			return fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, rec.Status, to)
		}

		if update != nil {
			update(rec)
		}

		if to == models.PaymentCompleted && rec.TxReference == "" {
			return fmt.Errorf("%w: completed payment without transaction reference", apperrors.ErrInvalidTransition)
		}

		rec.Status = to
		rec.UpdatedAt = r.now().UTC()

		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment %s", apperrors.ErrNotFound, id)
	}

	return rec, err
}

// AttachReference records the ledger transaction for a payment that is
// still processing.
func (r *Records) AttachReference(ctx context.Context, id, txRef string) (*models.PaymentRecord, error) {
	return kv.Mutate(ctx, r.store, recordPrefix+id, kv.NoTTL[models.PaymentRecord], func(rec *models.PaymentRecord) error {
		if rec.Status != models.PaymentProcessing {
			return fmt.Errorf("%w: payment is %s", apperrors.ErrInvalidTransition, rec.Status)
		}

		if rec.TxReference == txRef {
			return kv.ErrNoChange
		}

		rec.TxReference = txRef
		rec.UpdatedAt = r.now().UTC()

		return nil
	})
}
