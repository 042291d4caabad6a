package blinkpay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CredentialVault decrypts creator payout credentials. Implemented by the
// vault package; narrowed here so the core never sees encryption internals.
type CredentialVault interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// TransferRequest describes a single payout transfer in base units.
type TransferRequest struct {
	Destination string
	Mint        string
	Amount      uint64
}

// PayoutSender issues the actual on-chain transfer using a decrypted payout
// credential. Implemented by mechanisms/svm.
type PayoutSender interface {
	Transfer(ctx context.Context, payoutKey []byte, req TransferRequest) (*TransferResult, error)
}

// PayoutExecutor computes the creator's share for a settled run, decrypts
// the payout credential scoped to the single call, and issues the transfer.
// The plaintext credential is zeroed before the call returns.
type PayoutExecutor struct {
	vault  CredentialVault
	sender PayoutSender
}

// NewPayoutExecutor creates a payout executor.
func NewPayoutExecutor(vault CredentialVault, sender PayoutSender) *PayoutExecutor {
	return &PayoutExecutor{vault: vault, sender: sender}
}

// CreatorShare computes the payout amount in base units: the blink price
// minus the platform fee expressed in basis points.
func CreatorShare(blink *Blink) (uint64, error) {
	price, err := ParseAmount(blink.PriceUSDC, blink.TokenDecimals)
	if err != nil {
		return 0, fmt.Errorf("blink price: %w", err)
	}
	if blink.FeeBps < 0 || blink.FeeBps > 10000 {
		return 0, fmt.Errorf("fee bps out of range: %d", blink.FeeBps)
	}
	return price - price*uint64(blink.FeeBps)/10000, nil
}

// Payout transfers the creator's share for an executed run. A decryption
// failure surfaces as a distinct vault error so operators can tell a wrong
// vault key apart from a failed transfer.
func (e *PayoutExecutor) Payout(ctx context.Context, run *Run, blink *Blink, creator *Creator) (*TransferResult, error) {
	if run.Status != RunExecuted {
		return nil, NewError(ErrCodeValidation, "payout requires an executed run", nil)
	}

	share, err := CreatorShare(blink)
	if err != nil {
		return nil, NewError(ErrCodeValidation, err.Error(), nil)
	}
	if share == 0 {
		return nil, nil
	}

	key, err := e.vault.Decrypt(creator.EncryptedPayoutKey)
	if err != nil {
		return nil, WrapError(ErrCodeVaultFailure, "decrypt payout credential", err)
	}
	defer zero(key)

	result, err := e.sender.Transfer(ctx, key, TransferRequest{
		Destination: blink.PayoutWallet,
		Mint:        blink.TokenMint,
		Amount:      share,
	})
	if err != nil {
		return nil, WrapError(ErrCodePayoutFailed, "payout transfer", err)
	}
	return result, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ============================================================================
// Payout queue
// ============================================================================

// PayoutJob tracks one run's payout through retries.
type PayoutJob struct {
	RunID     string    `json:"runId"`
	BlinkID   string    `json:"blinkId"`
	CreatorID string    `json:"creatorId"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// PayoutQueue decouples creator payout from settlement: a payout failure
// never rolls back an executed run, it is retried with exponential backoff
// and dead-lettered after the configured number of attempts.
type PayoutQueue struct {
	executor *PayoutExecutor
	runs     RunStore
	blinks   BlinkStore
	creators CreatorStore
	cfg      Config
	logger   *slog.Logger

	jobs chan *PayoutJob

	mu     sync.Mutex
	dead   []*PayoutJob
	closed bool
	wg     sync.WaitGroup
}

// NewPayoutQueue creates a payout queue. Start must be called before
// enqueued jobs are processed.
func NewPayoutQueue(executor *PayoutExecutor, runs RunStore, blinks BlinkStore, creators CreatorStore, cfg Config, logger *slog.Logger) *PayoutQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutQueue{
		executor: executor,
		runs:     runs,
		blinks:   blinks,
		creators: creators,
		cfg:      cfg,
		logger:   logger,
		jobs:     make(chan *PayoutJob, 256),
	}
}

// Start launches the worker. It returns when ctx is cancelled.
func (q *PayoutQueue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.jobs:
				q.process(ctx, job)
			}
		}
	}()
}

// Wait blocks until the worker has stopped.
func (q *PayoutQueue) Wait() {
	q.wg.Wait()
}

// Enqueue schedules the payout for an executed run.
func (q *PayoutQueue) Enqueue(runID, blinkID, creatorID string) {
	job := &PayoutJob{RunID: runID, BlinkID: blinkID, CreatorID: creatorID, EnqueuedAt: time.Now()}
	select {
	case q.jobs <- job:
	default:
		// Queue full: dead-letter immediately rather than blocking the
		// settlement path.
		job.LastError = "payout queue full"
		q.deadLetter(job)
	}
}

// DeadLetters returns jobs that exhausted their retries. Operator surface.
func (q *PayoutQueue) DeadLetters() []*PayoutJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*PayoutJob, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *PayoutQueue) process(ctx context.Context, job *PayoutJob) {
	job.Attempts++

	result, err := q.attempt(ctx, job)
	if err == nil {
		sig := ""
		if result != nil {
			sig = result.Signature
		}
		q.logger.Info("payout complete",
			"runId", job.RunID, "attempts", job.Attempts, "signature", sig)
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= q.cfg.PayoutMaxAttempts {
		q.deadLetter(job)
		return
	}

	delay := backoffDelay(q.cfg.PayoutBaseBackoff, job.Attempts)
	q.logger.Warn("payout failed, scheduling retry",
		"runId", job.RunID, "attempt", job.Attempts, "retryIn", delay, "error", err)

	timer := time.AfterFunc(delay, func() {
		select {
		case q.jobs <- job:
		default:
			q.deadLetter(job)
		}
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}

// maxBackoffShift caps the exponential backoff: shifting a duration past
// this overflows int64 and produces zero or negative delays.
const maxBackoffShift = 10

func backoffDelay(base time.Duration, attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}

func (q *PayoutQueue) attempt(ctx context.Context, job *PayoutJob) (*TransferResult, error) {
	run, err := q.runs.GetRun(ctx, job.RunID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	blink, err := q.blinks.GetBlink(ctx, job.BlinkID)
	if err != nil {
		return nil, fmt.Errorf("load blink: %w", err)
	}
	creator, err := q.creators.GetCreator(ctx, job.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("load creator: %w", err)
	}
	return q.executor.Payout(ctx, run, blink, creator)
}

func (q *PayoutQueue) deadLetter(job *PayoutJob) {
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
	q.logger.Error("payout dead-lettered",
		"runId", job.RunID, "attempts", job.Attempts, "lastError", job.LastError)
}
