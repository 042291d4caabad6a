package blinkpay

import (
	"context"
	"testing"
	"time"
)

func seedRun(t *testing.T, store *MemoryStore, reference string, age time.Duration) *Run {
	t.Helper()
	run := &Run{
		ID:        "run-" + reference,
		BlinkID:   "blink-1",
		Payer:     "Payer111",
		Reference: reference,
		Status:    RunPending,
		CreatedAt: time.Now().Add(-age),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestReaper_DeadlineBoundary(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.PendingDeadline = 15 * time.Minute
	reaper := NewReaper(cfg, store, nil)
	ctx := context.Background()

	// One second inside the deadline stays pending; past it fails.
	fresh := seedRun(t, store, "fresh", 15*time.Minute-time.Second)
	stale := seedRun(t, store, "stale", 15*time.Minute+time.Second)

	staleCount, cleared, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if staleCount != 1 || cleared != 1 {
		t.Errorf("sweep = (%d stale, %d cleared), want (1, 1)", staleCount, cleared)
	}

	got, _ := store.GetRun(ctx, fresh.ID)
	if got.Status != RunPending {
		t.Errorf("run inside deadline should stay pending, got %s", got.Status)
	}

	got, _ = store.GetRun(ctx, stale.ID)
	if got.Status != RunFailed {
		t.Errorf("stale run should be failed, got %s", got.Status)
	}
	if got.ErrorMessage != StaleReason {
		t.Errorf("stale run reason = %q, want %q", got.ErrorMessage, StaleReason)
	}
	if got.CompletedAt == nil {
		t.Error("reaped run should have a completion time")
	}
}

func TestReaper_IdempotentSweep(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	reaper := NewReaper(cfg, store, nil)
	ctx := context.Background()

	run := seedRun(t, store, "old", time.Hour)

	if _, _, err := reaper.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	first, _ := store.GetRun(ctx, run.ID)

	// Second sweep sees no pending runs and rewrites nothing
	staleCount, cleared, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if staleCount != 0 || cleared != 0 {
		t.Errorf("second sweep = (%d, %d), want (0, 0)", staleCount, cleared)
	}

	second, _ := store.GetRun(ctx, run.ID)
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("terminal run must not be rewritten by a repeated sweep")
	}
}

func TestReaper_SkipsTerminalRuns(t *testing.T) {
	store := NewMemoryStore()
	reaper := NewReaper(DefaultConfig(), store, nil)
	ctx := context.Background()

	run := seedRun(t, store, "done", time.Hour)
	if err := store.MarkExecuted(ctx, run.ID, "sig", 42); err != nil {
		t.Fatal(err)
	}

	staleCount, cleared, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if staleCount != 0 || cleared != 0 {
		t.Errorf("sweep = (%d, %d), want (0, 0) for executed run", staleCount, cleared)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != RunExecuted {
		t.Errorf("executed run must stay executed, got %s", got.Status)
	}
}
