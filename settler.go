package blinkpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Settler owns the run state machine: creation, settlement, execution
// delegation, terminal transition and receipt emission.
//
// Settlement for one payment reference is serialized through the lock
// manager, but the durable store stays the only source of truth: run state
// is re-checked after every lock acquisition, so correctness never depends
// on lock possession alone.
type Settler struct {
	cfg      Config
	runs     RunStore
	blinks   BlinkStore
	creators CreatorStore
	receipts *ReceiptService
	locks    LockManager
	verifier PaymentVerifier
	invoker  *TargetInvoker
	payouts  *PayoutQueue
	logger   *slog.Logger
}

// SettlerOption configures a Settler.
type SettlerOption func(*Settler)

// WithLockManager sets the distributed lock backend. Without one,
// settlement runs unprotected: a documented reduced-safety mode for
// single-process environments, not a silent behavior change.
func WithLockManager(locks LockManager) SettlerOption {
	return func(s *Settler) { s.locks = locks }
}

// WithPayoutQueue routes successful settlements into creator payouts.
func WithPayoutQueue(q *PayoutQueue) SettlerOption {
	return func(s *Settler) { s.payouts = q }
}

// WithLogger sets the settlement logger.
func WithLogger(logger *slog.Logger) SettlerOption {
	return func(s *Settler) { s.logger = logger }
}

// NewSettler creates a settler over the given stores and verifier.
func NewSettler(
	cfg Config,
	runs RunStore,
	blinks BlinkStore,
	creators CreatorStore,
	receipts *ReceiptService,
	verifier PaymentVerifier,
	invoker *TargetInvoker,
	opts ...SettlerOption,
) *Settler {
	s := &Settler{
		cfg:      cfg,
		runs:     runs,
		blinks:   blinks,
		creators: creators,
		receipts: receipts,
		verifier: verifier,
		invoker:  invoker,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrGet returns the run for a payment reference, creating a pending
// one if none exists. Idempotent intake: a retried reference returns the
// existing run unchanged, so duplicate client retries are safe before any
// lock is engaged. The second return value reports whether a run was
// created.
func (s *Settler) CreateOrGet(ctx context.Context, blinkID, payer, reference string) (*Run, bool, error) {
	if run, err := s.runs.GetRunByReference(ctx, reference); err == nil {
		return run, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	run := &Run{
		ID:        uuid.NewString(),
		BlinkID:   blinkID,
		Payer:     payer,
		Reference: reference,
		Status:    RunPending,
		CreatedAt: time.Now(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		// Lost a creation race; the reference's run exists now.
		if errors.Is(err, ErrDuplicateReference) {
			existing, getErr := s.runs.GetRunByReference(ctx, reference)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return run, true, nil
}

// Settle drives one settlement attempt for a run. Concurrent attempts on
// the same reference collapse into a single winner; losers get a busy
// outcome and retry shortly. The returned error is reserved for
// infrastructure trouble in which no run state was mutated.
func (s *Settler) Settle(ctx context.Context, run *Run, proof string) (*SettleOutcome, error) {
	if run.Status.Terminal() {
		return s.outcomeForTerminal(ctx, run)
	}

	if s.locks != nil {
		token, err := s.locks.Acquire(ctx, run.Reference, s.cfg.LockTTL)
		if errors.Is(err, ErrLockBusy) {
			return &SettleOutcome{Status: SettleBusy, Run: run, Reason: "settlement in progress"}, nil
		}
		if err != nil {
			// Lock backend unreachable: correctness over availability,
			// abort without touching run state.
			return nil, WrapError(ErrCodeInfrastructure, "acquire settlement lock", err)
		}
		defer func() {
			if relErr := s.locks.Release(ctx, run.Reference, token); relErr != nil && !errors.Is(relErr, ErrLockMismatch) {
				s.logger.Warn("lock release failed", "reference", run.Reference, "error", relErr)
			}
		}()
	}

	// The lock is advisory: re-read the run, another process may have
	// completed it before we acquired.
	current, err := s.runs.GetRun(ctx, run.ID)
	if err != nil {
		return nil, WrapError(ErrCodeInfrastructure, "reload run", err)
	}
	if current.Status.Terminal() {
		return s.outcomeForTerminal(ctx, current)
	}

	return s.settleLocked(ctx, current, proof)
}

// settleLocked runs the settlement critical section. The reference lock is
// held (or the settler is in unprotected mode).
func (s *Settler) settleLocked(ctx context.Context, run *Run, proof string) (*SettleOutcome, error) {
	blink, err := s.blinks.GetBlink(ctx, run.BlinkID)
	if err != nil {
		return nil, WrapError(ErrCodeInfrastructure, "load blink", err)
	}
	creator, err := s.creators.GetCreator(ctx, blink.CreatorID)
	if err != nil {
		return nil, WrapError(ErrCodeInfrastructure, "load creator", err)
	}

	amount, err := ParseAmount(blink.PriceUSDC, blink.TokenDecimals)
	if err != nil {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("blink price: %v", err), nil)
	}

	// Callers pay the creator's intake wallet, the address the encrypted
	// payout credential controls; the payout later forwards the creator's
	// share from there to blink.PayoutWallet.
	verification, err := s.verifier.Verify(ctx, proof, ExpectedPayment{
		Recipient: creator.IntakeWallet,
		Mint:      blink.TokenMint,
		Payer:     run.Payer,
		Amount:    amount,
		Decimals:  blink.TokenDecimals,
	})
	if err != nil {
		return nil, WrapError(ErrCodeInfrastructure, "verify payment", err)
	}

	switch verification.Status {
	case VerificationPending:
		// Not yet finalized: leave the run pending, the caller retries
		// under the same run until the reaper deadline.
		return &SettleOutcome{Status: SettlePending, Run: run, Reason: "payment not yet finalized"}, nil

	case VerificationRejected:
		return s.fail(ctx, run, verification.Reason)

	case VerificationConfirmed:
		return s.execute(ctx, run, blink, creator, verification.Signature)

	default:
		return nil, NewError(ErrCodeInfrastructure, fmt.Sprintf("unknown verification status %d", verification.Status), nil)
	}
}

// execute performs the monetized call and drives the run to its terminal
// state. Payment is already confirmed at this point.
func (s *Settler) execute(ctx context.Context, run *Run, blink *Blink, creator *Creator, signature string) (*SettleOutcome, error) {
	result, invokeErr := s.invoker.Invoke(ctx, blink)

	durationMs := int64(0)
	if result != nil {
		durationMs = result.Duration.Milliseconds()
	}

	if invokeErr != nil {
		// Payment landed but the service was not rendered: terminal
		// failure with the target error on record, no payout.
		return s.fail(ctx, run, fmt.Sprintf("target invocation failed: %v", invokeErr))
	}

	if err := s.runs.MarkExecuted(ctx, run.ID, signature, durationMs); err != nil {
		if errors.Is(err, ErrRunTerminal) {
			current, getErr := s.runs.GetRun(ctx, run.ID)
			if getErr != nil {
				return nil, WrapError(ErrCodeInfrastructure, "reload run", getErr)
			}
			return s.outcomeForTerminal(ctx, current)
		}
		return nil, WrapError(ErrCodeInfrastructure, "mark run executed", err)
	}

	executed, err := s.runs.GetRun(ctx, run.ID)
	if err != nil {
		return nil, WrapError(ErrCodeInfrastructure, "reload run", err)
	}

	receipt := s.materialize(ctx, executed, blink, creator)

	s.logger.Info("run executed",
		"runId", executed.ID, "reference", executed.Reference,
		"signature", signature, "durationMs", durationMs)

	return &SettleOutcome{Status: SettleExecuted, Run: executed, Receipt: receipt}, nil
}

func (s *Settler) fail(ctx context.Context, run *Run, reason string) (*SettleOutcome, error) {
	if err := s.runs.MarkFailed(ctx, run.ID, reason); err != nil {
		if errors.Is(err, ErrRunTerminal) {
			current, getErr := s.runs.GetRun(ctx, run.ID)
			if getErr != nil {
				return nil, WrapError(ErrCodeInfrastructure, "reload run", getErr)
			}
			return s.outcomeForTerminal(ctx, current)
		}
		return nil, WrapError(ErrCodeInfrastructure, "mark run failed", err)
	}

	failed, err := s.runs.GetRun(ctx, run.ID)
	if err != nil {
		return nil, WrapError(ErrCodeInfrastructure, "reload run", err)
	}

	s.logger.Info("run failed", "runId", failed.ID, "reference", failed.Reference, "reason", reason)
	return &SettleOutcome{Status: SettleFailed, Run: failed, Reason: reason}, nil
}

// materialize writes the run's receipt and, when this call is the one that
// created it, enqueues the creator payout. Receipt creation is the arbiter:
// concurrent or repeated callers converge on one receipt and one payout. A
// write failure is logged, not fatal; the next attempt re-materializes.
func (s *Settler) materialize(ctx context.Context, run *Run, blink *Blink, creator *Creator) *Receipt {
	receipt, created, err := s.receipts.Record(ctx, run, blink, creator)
	if err != nil {
		s.logger.Error("receipt write failed", "runId", run.ID, "error", err)
		return nil
	}
	if created && s.payouts != nil {
		s.payouts.Enqueue(run.ID, blink.ID, creator.ID)
	}
	return receipt
}

// outcomeForTerminal maps an already-terminal run to the outcome a late
// duplicate caller observes: no double execution, no duplicate payout.
func (s *Settler) outcomeForTerminal(ctx context.Context, run *Run) (*SettleOutcome, error) {
	switch run.Status {
	case RunExecuted:
		receipt, err := s.receipts.Get(ctx, run.ID)
		if errors.Is(err, ErrNotFound) {
			// An earlier attempt reached executed but lost the receipt
			// write (crash or transient store failure). Re-materialize so
			// the receipt and the payout are not lost.
			blink, berr := s.blinks.GetBlink(ctx, run.BlinkID)
			if berr != nil {
				return nil, WrapError(ErrCodeInfrastructure, "load blink", berr)
			}
			creator, cerr := s.creators.GetCreator(ctx, blink.CreatorID)
			if cerr != nil {
				return nil, WrapError(ErrCodeInfrastructure, "load creator", cerr)
			}
			receipt = s.materialize(ctx, run, blink, creator)
		} else if err != nil {
			return nil, WrapError(ErrCodeInfrastructure, "load receipt", err)
		}
		return &SettleOutcome{Status: SettleExecuted, Run: run, Receipt: receipt}, nil
	case RunFailed, RunExpired:
		return &SettleOutcome{Status: SettleFailed, Run: run, Reason: run.ErrorMessage}, nil
	default:
		return nil, NewError(ErrCodeInfrastructure, "terminal outcome requested for pending run", nil)
	}
}
