package blinkpay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ReceiptService materializes immutable receipts when runs reach executed.
// Receipts snapshot the blink at purchase time; later blink edits never
// alter them.
type ReceiptService struct {
	store ReceiptStore
}

// NewReceiptService creates a receipt service over the given store.
func NewReceiptService(store ReceiptStore) *ReceiptService {
	return &ReceiptService{store: store}
}

// Record writes the receipt for an executed run. Write-once: if a receipt
// already exists for the run it is returned unchanged with created false,
// so concurrent recorders converge on a single receipt and the caller can
// tell whether this call was the one that materialized it.
func (s *ReceiptService) Record(ctx context.Context, run *Run, blink *Blink, creator *Creator) (*Receipt, bool, error) {
	if run.Status != RunExecuted {
		return nil, false, NewError(ErrCodeValidation, "receipts are only recorded for executed runs", nil)
	}

	receipt := &Receipt{
		ID:    uuid.NewString(),
		RunID: run.ID,
		Blink: BlinkSnapshot{
			ID:        blink.ID,
			Title:     blink.Title,
			PriceUSDC: blink.PriceUSDC,
			IconURL:   blink.IconURL,
		},
		Transaction: TransactionRecord{
			Reference:  run.Reference,
			Signature:  run.Signature,
			Payer:      run.Payer,
			Status:     run.Status,
			DurationMs: run.DurationMs,
		},
		CreatorWallet: creator.Wallet,
		CreatedAt:     time.Now(),
	}

	if err := s.store.CreateReceipt(ctx, receipt); err != nil {
		if errors.Is(err, ErrReceiptExists) {
			existing, getErr := s.store.GetReceiptByRun(ctx, run.ID)
			return existing, false, getErr
		}
		return nil, false, err
	}
	return receipt, true, nil
}

// Get returns the receipt for a run, or ErrNotFound.
func (s *ReceiptService) Get(ctx context.Context, runID string) (*Receipt, error) {
	return s.store.GetReceiptByRun(ctx, runID)
}
