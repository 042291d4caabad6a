package blinkpay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSender struct {
	calls    atomic.Int64
	lastKey  atomic.Value
	failures int64
}

func (s *recordingSender) Transfer(_ context.Context, key []byte, req TransferRequest) (*TransferResult, error) {
	n := s.calls.Add(1)
	s.lastKey.Store(append([]byte(nil), key...))
	if n <= s.failures {
		return nil, errors.New("rpc timeout")
	}
	return &TransferResult{Signature: "sig", Amount: req.Amount, Mint: req.Mint, Destination: req.Destination}, nil
}

type failingVault struct{}

func (failingVault) Decrypt([]byte) ([]byte, error) {
	return nil, errors.New("ciphertext authentication failed")
}

func executedRun() *Run {
	now := time.Now()
	return &Run{ID: "r1", BlinkID: "b1", Reference: "ref", Status: RunExecuted, CompletedAt: &now}
}

func payoutBlink() *Blink {
	return &Blink{
		ID: "b1", PriceUSDC: "1.00", TokenDecimals: 6,
		TokenMint: "Mint111", PayoutWallet: "Wallet111",
		CreatorID: "c1", FeeBps: 500,
	}
}

func TestCreatorShare(t *testing.T) {
	tests := []struct {
		price  string
		feeBps int
		want   uint64
	}{
		{"1.00", 0, 1000000},
		{"1.00", 500, 950000},     // 5% platform fee
		{"0.10", 250, 97500},      // 2.5% fee on ten cents
		{"1.00", 10000, 0},        // fee consumes everything
		{"0.000001", 0, 1},        // one base unit
	}
	for _, tt := range tests {
		blink := payoutBlink()
		blink.PriceUSDC = tt.price
		blink.FeeBps = tt.feeBps
		got, err := CreatorShare(blink)
		if err != nil {
			t.Errorf("CreatorShare(%s, %d): %v", tt.price, tt.feeBps, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CreatorShare(%s, %d) = %d, want %d", tt.price, tt.feeBps, got, tt.want)
		}
	}

	bad := payoutBlink()
	bad.FeeBps = 10001
	if _, err := CreatorShare(bad); err == nil {
		t.Error("expected error for fee above 100%")
	}
}

func TestPayoutExecutor_DecryptsScopedKey(t *testing.T) {
	sender := &recordingSender{}
	executor := NewPayoutExecutor(passthroughVault{}, sender)

	creator := &Creator{ID: "c1", Wallet: "Wallet111", IntakeWallet: "Intake111", EncryptedPayoutKey: []byte("base58key")}
	result, err := executor.Payout(context.Background(), executedRun(), payoutBlink(), creator)
	if err != nil {
		t.Fatal(err)
	}
	if result.Amount != 950000 {
		t.Errorf("payout amount = %d, want 950000", result.Amount)
	}
	key := sender.lastKey.Load().([]byte)
	if string(key) != "base58key" {
		t.Errorf("sender saw key %q", key)
	}
}

func TestPayoutExecutor_VaultFailureDistinct(t *testing.T) {
	executor := NewPayoutExecutor(failingVault{}, &recordingSender{})

	creator := &Creator{ID: "c1", Wallet: "Wallet111", EncryptedPayoutKey: []byte("blob")}
	_, err := executor.Payout(context.Background(), executedRun(), payoutBlink(), creator)
	if err == nil {
		t.Fatal("expected vault failure")
	}
	if ErrorCode(err) != ErrCodeVaultFailure {
		t.Errorf("vault failure must carry %s, got %s", ErrCodeVaultFailure, ErrorCode(err))
	}
}

func TestPayoutExecutor_RequiresExecutedRun(t *testing.T) {
	executor := NewPayoutExecutor(passthroughVault{}, &recordingSender{})
	run := executedRun()
	run.Status = RunPending

	creator := &Creator{ID: "c1", Wallet: "Wallet111", EncryptedPayoutKey: []byte("k")}
	if _, err := executor.Payout(context.Background(), run, payoutBlink(), creator); err == nil {
		t.Error("expected error for non-executed run")
	}
}

func newQueueFixture(t *testing.T, sender PayoutSender, cfg Config) (*PayoutQueue, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.PutBlink(payoutBlink())
	store.PutCreator(&Creator{ID: "c1", Wallet: "Wallet111", IntakeWallet: "Intake111", EncryptedPayoutKey: []byte("base58key")})
	if err := store.CreateRun(context.Background(), executedRun()); err != nil {
		t.Fatal(err)
	}
	queue := NewPayoutQueue(NewPayoutExecutor(passthroughVault{}, sender), store, store, store, cfg, nil)
	return queue, store
}

func TestPayoutQueue_RetriesThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PayoutBaseBackoff = 5 * time.Millisecond
	cfg.PayoutMaxAttempts = 5
	sender := &recordingSender{failures: 2}
	queue, _ := newQueueFixture(t, sender, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)

	queue.Enqueue("r1", "b1", "c1")

	deadline := time.Now().Add(2 * time.Second)
	for sender.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sender.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", got)
	}
	if dead := queue.DeadLetters(); len(dead) != 0 {
		t.Errorf("successful payout must not dead-letter, got %d", len(dead))
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{5, 8 * time.Second},
		{11, 512 * time.Second}, // cap reached
		{40, 512 * time.Second}, // shifting this far would wrap negative
		{100, 512 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", base, tt.attempts, got, tt.want)
		}
		if got := backoffDelay(base, tt.attempts); got <= 0 {
			t.Errorf("backoffDelay(%v, %d) = %v, must stay positive", base, tt.attempts, got)
		}
	}
}

func TestPayoutQueue_DeadLettersAfterExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PayoutBaseBackoff = 2 * time.Millisecond
	cfg.PayoutMaxAttempts = 3
	sender := &recordingSender{failures: 100}
	queue, _ := newQueueFixture(t, sender, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)

	queue.Enqueue("r1", "b1", "c1")

	deadline := time.Now().Add(2 * time.Second)
	for len(queue.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	dead := queue.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Attempts != 3 {
		t.Errorf("dead letter after %d attempts, want 3", dead[0].Attempts)
	}
	if dead[0].LastError == "" {
		t.Error("dead letter must record the last error")
	}
}
