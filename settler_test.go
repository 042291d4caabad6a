package blinkpay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedVerifier returns canned verifications and records what the settler
// asked it to verify.
type scriptedVerifier struct {
	mu       sync.Mutex
	calls    int
	expected ExpectedPayment
	result   Verification
	err      error
}

func (v *scriptedVerifier) Verify(_ context.Context, _ string, expected ExpectedPayment) (Verification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.expected = expected
	return v.result, v.err
}

func (v *scriptedVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func (v *scriptedVerifier) lastExpected() ExpectedPayment {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expected
}

// countingSender records payout transfers.
type countingSender struct {
	mu      sync.Mutex
	lastKey []byte
	lastReq TransferRequest
	calls   atomic.Int64
	err     error
}

func (s *countingSender) Transfer(_ context.Context, key []byte, req TransferRequest) (*TransferResult, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastKey = append([]byte(nil), key...)
	s.lastReq = req
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &TransferResult{Signature: "payout-sig", Amount: req.Amount, Mint: req.Mint, Destination: req.Destination}, nil
}

func (s *countingSender) lastTransfer() ([]byte, TransferRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey, s.lastReq
}

type passthroughVault struct{}

func (passthroughVault) Decrypt(ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

type settlerFixture struct {
	store    *MemoryStore
	locks    *MemoryLockManager
	verifier *scriptedVerifier
	sender   *countingSender
	queue    *PayoutQueue
	settler  *Settler
	blink    *Blink
	creator  *Creator
	target   *httptest.Server
}

func newSettlerFixture(t *testing.T, verification Verification) *settlerFixture {
	t.Helper()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(target.Close)

	store := NewMemoryStore()
	creator := &Creator{
		ID:                 "creator-1",
		Wallet:             "CreatorWallet1111",
		IntakeWallet:       "IntakeWallet1111",
		EncryptedPayoutKey: []byte("payout-key"),
	}
	store.PutCreator(creator)

	blink := &Blink{
		ID:            "blink-1",
		Slug:          "weather",
		Title:         "Weather Oracle",
		PriceUSDC:     "0.10",
		TargetURL:     target.URL,
		TargetMethod:  http.MethodGet,
		TokenMint:     "MintAddr1111",
		TokenDecimals: 6,
		PayoutWallet:  "CreatorWallet1111",
		CreatorID:     creator.ID,
		FeeBps:        500,
		Status:        BlinkActive,
	}
	store.PutBlink(blink)

	cfg := DefaultConfig()
	verifier := &scriptedVerifier{result: verification}
	sender := &countingSender{}
	queue := NewPayoutQueue(NewPayoutExecutor(passthroughVault{}, sender), store, store, store, cfg, nil)
	locks := NewMemoryLockManager()

	settler := NewSettler(cfg, store, store, store,
		NewReceiptService(store), verifier, NewTargetInvoker(5*time.Second),
		WithLockManager(locks), WithPayoutQueue(queue))

	return &settlerFixture{
		store:    store,
		locks:    locks,
		verifier: verifier,
		sender:   sender,
		queue:    queue,
		settler:  settler,
		blink:    blink,
		creator:  creator,
		target:   target,
	}
}

func (f *settlerFixture) drainPayouts(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.queue.Start(ctx)
	// Allow the worker to process everything already enqueued.
	time.Sleep(50 * time.Millisecond)
	cancel()
	f.queue.Wait()
}

func TestCreateOrGet_Idempotent(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-1"})
	ctx := context.Background()

	run1, created1, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "ref-1")
	require.NoError(t, err)
	assert.True(t, created1)
	assert.Equal(t, RunPending, run1.Status)

	run2, created2, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "ref-1")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, run1.ID, run2.ID, "same reference must return same run id")
}

// Exact payment confirms, the run executes, a receipt snapshot
// exists, and the payout fires once.
func TestSettle_ConfirmedExecutes(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-A"})
	ctx := context.Background()

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R1")
	require.NoError(t, err)

	outcome, err := f.settler.Settle(ctx, run, "proof-A")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, outcome.Status)
	require.NotNil(t, outcome.Run)
	assert.Equal(t, RunExecuted, outcome.Run.Status)
	assert.Equal(t, "sig-A", outcome.Run.Signature)
	assert.NotNil(t, outcome.Run.CompletedAt)

	require.NotNil(t, outcome.Receipt)
	assert.Equal(t, f.blink.Title, outcome.Receipt.Blink.Title)
	assert.Equal(t, f.blink.PriceUSDC, outcome.Receipt.Blink.PriceUSDC)
	assert.Equal(t, "R1", outcome.Receipt.Transaction.Reference)

	f.drainPayouts(t)
	assert.EqualValues(t, 1, f.sender.calls.Load(), "payout must fire exactly once")

	// Lock is released on the success path
	locks, err := f.locks.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

// Two simultaneous requests for one reference; exactly one
// wins, the store holds a single run, payout fires at most once.
func TestSettle_ConcurrentSingleWinner(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-B"})
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	outcomes := make([]*SettleOutcome, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R2")
			if err != nil {
				return
			}
			outcome, err := f.settler.Settle(ctx, run, "proof-B")
			if err == nil {
				outcomes[i] = outcome
			}
		}(i)
	}
	wg.Wait()

	executed, busy := 0, 0
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		switch o.Status {
		case SettleExecuted:
			executed++
		case SettleBusy:
			busy++
		}
	}
	// Every attempt observed either the winner's result or busy; the
	// winner's terminal state is what late arrivals see.
	assert.GreaterOrEqual(t, executed, 1)
	assert.Equal(t, attempts, executed+busy)

	run, err := f.store.GetRunByReference(ctx, "R2")
	require.NoError(t, err)
	assert.Equal(t, RunExecuted, run.Status)

	f.drainPayouts(t)
	assert.LessOrEqual(t, f.sender.calls.Load(), int64(1), "at most one payout per reference")
}

// Underpayment rejects, the run fails, no payout, no receipt.
func TestSettle_RejectedFails(t *testing.T) {
	f := newSettlerFixture(t, Verification{
		Status: VerificationRejected,
		Reason: "amount mismatch: received 95000, required 100000 base units",
	})
	ctx := context.Background()

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-under")
	require.NoError(t, err)

	outcome, err := f.settler.Settle(ctx, run, "proof-under")
	require.NoError(t, err)
	assert.Equal(t, SettleFailed, outcome.Status)
	assert.Equal(t, RunFailed, outcome.Run.Status)
	assert.Contains(t, outcome.Run.ErrorMessage, "amount mismatch")

	f.drainPayouts(t)
	assert.Zero(t, f.sender.calls.Load(), "no payout for a rejected payment")

	_, err = f.store.GetReceiptByRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound, "no receipt for a failed run")
}

// Pending leaves the run pending and the reference retryable.
func TestSettle_PendingLeavesRunOpen(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationPending})
	ctx := context.Background()

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-wait")
	require.NoError(t, err)

	outcome, err := f.settler.Settle(ctx, run, "proof-wait")
	require.NoError(t, err)
	assert.Equal(t, SettlePending, outcome.Status)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPending, stored.Status)

	// The proof finalizes; the same run settles on retry.
	f.verifier.mu.Lock()
	f.verifier.result = Verification{Status: VerificationConfirmed, Signature: "sig-late"}
	f.verifier.mu.Unlock()

	outcome, err = f.settler.Settle(ctx, stored, "proof-wait")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, outcome.Status)
}

// Lock backend unreachable: no state mutation, retry later.
type downLockManager struct {
	*MemoryLockManager
	down atomic.Bool
}

func (d *downLockManager) Acquire(ctx context.Context, reference string, ttl time.Duration) (string, error) {
	if d.down.Load() {
		return "", errors.New("lock backend unreachable")
	}
	return d.MemoryLockManager.Acquire(ctx, reference, ttl)
}

func TestSettle_LockBackendDown(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-D"})
	ctx := context.Background()

	locks := &downLockManager{MemoryLockManager: NewMemoryLockManager()}
	locks.down.Store(true)
	settler := NewSettler(DefaultConfig(), f.store, f.store, f.store,
		NewReceiptService(f.store), f.verifier, NewTargetInvoker(5*time.Second),
		WithLockManager(locks), WithPayoutQueue(f.queue))

	run, _, err := settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R3")
	require.NoError(t, err)

	_, err = settler.Settle(ctx, run, "proof-D")
	require.Error(t, err, "unreachable lock backend must abort settlement")
	assert.Equal(t, ErrCodeInfrastructure, ErrorCode(err))
	assert.Zero(t, f.verifier.callCount(), "no verification without a confirmed lock")

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPending, stored.Status, "run state untouched")

	// Backend recovers; the same run completes normally.
	locks.down.Store(false)
	outcome, err := settler.Settle(ctx, stored, "proof-D")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, outcome.Status)
}

// A terminal run returned by a late duplicate keeps its original result.
func TestSettle_TerminalRunShortCircuits(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-T"})
	ctx := context.Background()

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-done")
	require.NoError(t, err)

	first, err := f.settler.Settle(ctx, run, "proof-T")
	require.NoError(t, err)
	require.Equal(t, SettleExecuted, first.Status)
	verifications := f.verifier.callCount()

	// Duplicate arrival after completion observes the stored result
	// without re-verifying or re-executing.
	again, err := f.settler.Settle(ctx, first.Run, "proof-T")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, again.Status)
	assert.Equal(t, first.Run.ID, again.Run.ID)
	assert.Equal(t, verifications, f.verifier.callCount())
}

// Without a lock manager the settler runs in the documented unprotected
// mode and still settles correctly for a single process.
func TestSettle_NoLockManager(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-U"})
	ctx := context.Background()

	settler := NewSettler(DefaultConfig(), f.store, f.store, f.store,
		NewReceiptService(f.store), f.verifier, NewTargetInvoker(5*time.Second))

	run, _, err := settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-unprotected")
	require.NoError(t, err)

	outcome, err := settler.Settle(ctx, run, "proof-U")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, outcome.Status)
}

// A failing target endpoint means the caller's service was not rendered:
// terminal failure, no payout.
func TestSettle_TargetFailureFailsRun(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-E"})
	ctx := context.Background()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	f.blink.TargetURL = broken.URL
	f.store.PutBlink(f.blink)

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-broken")
	require.NoError(t, err)

	outcome, err := f.settler.Settle(ctx, run, "proof-E")
	require.NoError(t, err)
	assert.Equal(t, SettleFailed, outcome.Status)
	assert.Contains(t, outcome.Run.ErrorMessage, "target invocation failed")

	f.drainPayouts(t)
	assert.Zero(t, f.sender.calls.Load())
}

// The caller pays the creator's intake wallet, the address the encrypted
// credential controls; the payout forwards the creator's share from there to
// the blink's payout wallet. Two distinct addresses, two distinct transfers.
func TestSettle_MoneyFlowRoles(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-M"})
	ctx := context.Background()

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-flow")
	require.NoError(t, err)

	outcome, err := f.settler.Settle(ctx, run, "proof-M")
	require.NoError(t, err)
	require.Equal(t, SettleExecuted, outcome.Status)

	expected := f.verifier.lastExpected()
	assert.Equal(t, f.creator.IntakeWallet, expected.Recipient,
		"verification must target the intake wallet the payout key controls")

	f.drainPayouts(t)
	require.EqualValues(t, 1, f.sender.calls.Load())

	key, req := f.sender.lastTransfer()
	assert.Equal(t, f.blink.PayoutWallet, req.Destination,
		"payout must forward to the creator's payout wallet")
	assert.NotEqual(t, expected.Recipient, req.Destination,
		"intake and payout wallets are distinct roles")
	assert.Equal(t, []byte("payout-key"), key,
		"transfer is signed with the decrypted intake credential")

	// Fee stays behind in the intake wallet: the forward is the net share.
	share, err := CreatorShare(f.blink)
	require.NoError(t, err)
	assert.Equal(t, share, req.Amount)
	assert.Less(t, share, expected.Amount, "platform fee is retained")
}

// A run that reached executed but lost its receipt write (crash or store
// blip before the receipt landed) is repaired by the next settle attempt:
// the receipt is re-materialized and the payout enqueued, exactly once.
func TestSettle_ExecutedRunBackfillsReceipt(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-G"})
	ctx := context.Background()

	run, _, err := f.settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-stranded")
	require.NoError(t, err)

	// Simulate the partial failure: the run is executed in the store but no
	// receipt was ever written and no payout enqueued.
	require.NoError(t, f.store.MarkExecuted(ctx, run.ID, "sig-G", 12))

	outcome, err := f.settler.Settle(ctx, run, "proof-G")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, outcome.Status)
	require.NotNil(t, outcome.Receipt, "retry must repair the missing receipt")
	assert.Equal(t, f.creator.Wallet, outcome.Receipt.CreatorWallet)

	stored, err := f.store.GetReceiptByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.Receipt.ID, stored.ID)

	// A further duplicate finds the receipt and enqueues nothing new.
	again, err := f.settler.Settle(ctx, run, "proof-G")
	require.NoError(t, err)
	require.NotNil(t, again.Receipt)
	assert.Equal(t, stored.ID, again.Receipt.ID)

	f.drainPayouts(t)
	assert.EqualValues(t, 1, f.sender.calls.Load(), "backfill pays out exactly once")
}

// flakyReceiptStore fails a configured number of receipt writes before
// letting them through.
type flakyReceiptStore struct {
	*MemoryStore
	failures atomic.Int64
}

func (s *flakyReceiptStore) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("receipt store unavailable")
	}
	return s.MemoryStore.CreateReceipt(ctx, receipt)
}

// A transient receipt-store failure after execution must not lose the
// receipt or the payout: the settle that hit the failure reports the run
// executed without a receipt, and the caller's retry repairs both.
func TestSettle_ReceiptWriteFailureRecoversOnRetry(t *testing.T) {
	f := newSettlerFixture(t, Verification{Status: VerificationConfirmed, Signature: "sig-F"})
	ctx := context.Background()

	receipts := &flakyReceiptStore{MemoryStore: f.store}
	receipts.failures.Store(1)
	settler := NewSettler(DefaultConfig(), f.store, f.store, f.store,
		NewReceiptService(receipts), f.verifier, NewTargetInvoker(5*time.Second),
		WithLockManager(f.locks), WithPayoutQueue(f.queue))

	run, _, err := settler.CreateOrGet(ctx, f.blink.ID, "Payer111", "R-flaky")
	require.NoError(t, err)

	first, err := settler.Settle(ctx, run, "proof-F")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, first.Status)
	assert.Nil(t, first.Receipt, "receipt write failed on this attempt")

	f.drainPayouts(t)
	assert.Zero(t, f.sender.calls.Load(), "no payout until the receipt exists")

	second, err := settler.Settle(ctx, run, "proof-F")
	require.NoError(t, err)
	assert.Equal(t, SettleExecuted, second.Status)
	require.NotNil(t, second.Receipt, "retry re-materializes the receipt")

	f.drainPayouts(t)
	assert.EqualValues(t, 1, f.sender.calls.Load(), "payout fires with the repaired receipt")
}
