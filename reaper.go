package blinkpay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StaleReason is the deterministic failure reason written by the reaper.
const StaleReason = "payment expired: no confirmation within deadline"

// Reaper force-terminates runs stuck in pending past the configured
// deadline. It runs out-of-band from request traffic and takes no lock: a
// run this stale is assumed abandoned, its settlement attempt's lock long
// expired via TTL.
type Reaper struct {
	cfg    Config
	runs   RunStore
	logger *slog.Logger
}

// NewReaper creates a reaper over the run store.
func NewReaper(cfg Config, runs RunStore, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{cfg: cfg, runs: runs, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.SweepOnce(ctx); err != nil {
				r.logger.Error("stale run sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce marks every pending run older than the deadline as failed and
// reports {staleCount, clearedCount}. Idempotent: a run that reached a
// terminal state between listing and marking is skipped, never rewritten.
func (r *Reaper) SweepOnce(ctx context.Context) (stale, cleared int, err error) {
	cutoff := time.Now().Add(-r.cfg.PendingDeadline)

	runs, err := r.runs.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	stale = len(runs)

	for _, run := range runs {
		if err := r.runs.MarkFailed(ctx, run.ID, StaleReason); err != nil {
			if errors.Is(err, ErrRunTerminal) {
				continue
			}
			r.logger.Error("failed to expire run", "runId", run.ID, "error", err)
			continue
		}
		cleared++
	}

	if stale > 0 {
		r.logger.Info("stale run sweep", "staleCount", stale, "clearedCount", cleared)
	}
	return stale, cleared, nil
}
