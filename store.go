package blinkpay

import (
	"context"
	"time"
)

// RunStore is the durable record of runs. It is the single source of truth
// for run state; implementations must enforce reference uniqueness and the
// one-way lifecycle at the storage layer.
type RunStore interface {
	// CreateRun persists a new pending run. Returns ErrDuplicateReference
	// if a run with the same payment reference already exists.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run by id, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByReference returns the run for a payment reference, or
	// ErrNotFound.
	GetRunByReference(ctx context.Context, reference string) (*Run, error)

	// MarkExecuted transitions a pending run to executed, recording the
	// confirmed signature and execution latency. Returns ErrRunTerminal if
	// the run already left pending.
	MarkExecuted(ctx context.Context, id, signature string, durationMs int64) error

	// MarkFailed transitions a pending run to failed with a reason.
	// Returns ErrRunTerminal if the run already left pending.
	MarkFailed(ctx context.Context, id, reason string) error

	// ListStalePending returns pending runs created at or before the cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*Run, error)
}

// BlinkStore resolves blinks at settlement time. Writes happen in the
// marketplace CRUD layer; this core only reads.
type BlinkStore interface {
	GetBlink(ctx context.Context, id string) (*Blink, error)
	GetBlinkBySlug(ctx context.Context, slug string) (*Blink, error)
}

// CreatorStore resolves creators and their encrypted payout credentials.
type CreatorStore interface {
	GetCreator(ctx context.Context, id string) (*Creator, error)
}

// ReceiptStore persists immutable receipts.
type ReceiptStore interface {
	// CreateReceipt persists a receipt. Returns ErrReceiptExists if the
	// run already has one.
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceiptByRun returns the receipt for a run, or ErrNotFound.
	GetReceiptByRun(ctx context.Context, runID string) (*Receipt, error)
}

// PaymentVerifier validates a caller-supplied payment proof against the
// on-chain source of truth. Implementations are stateless; a returned error
// means the source of truth was unreachable (infrastructure, retryable),
// never a judgement about the proof itself.
type PaymentVerifier interface {
	Verify(ctx context.Context, proof string, expected ExpectedPayment) (Verification, error)
}
