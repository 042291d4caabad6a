package blinkpay

import (
	"fmt"
	"time"
)

// Config is the immutable settlement configuration, constructed once at
// process start and passed by reference to each component.
type Config struct {
	// LockTTL bounds how long a settlement attempt may hold the reference
	// lock before it self-expires. It must cover a verification round-trip.
	LockTTL time.Duration

	// PendingDeadline is how long a run may stay pending before the reaper
	// forces it to a terminal state.
	PendingDeadline time.Duration

	// ReapInterval is how often the stale-run sweep executes.
	ReapInterval time.Duration

	// InvokeTimeout bounds the monetized call to the blink's target
	// endpoint.
	InvokeTimeout time.Duration

	// PayoutMaxAttempts bounds retries of a failed payout before it is
	// dead-lettered.
	PayoutMaxAttempts int

	// PayoutBaseBackoff is the first retry delay; subsequent delays double.
	PayoutBaseBackoff time.Duration
}

// DefaultConfig returns the production defaults. LockTTL sits in the 30-60s
// band: long enough for a finality check round-trip, short enough to recover
// promptly from a crashed holder.
func DefaultConfig() Config {
	return Config{
		LockTTL:           45 * time.Second,
		PendingDeadline:   15 * time.Minute,
		ReapInterval:      time.Minute,
		InvokeTimeout:     60 * time.Second,
		PayoutMaxAttempts: 5,
		PayoutBaseBackoff: 30 * time.Second,
	}
}

// Validate rejects configurations that would break settlement invariants.
func (c Config) Validate() error {
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.PendingDeadline <= 0 {
		return fmt.Errorf("pending deadline must be positive")
	}
	if c.PendingDeadline <= c.LockTTL {
		return fmt.Errorf("pending deadline must exceed lock TTL")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive")
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("invoke timeout must be positive")
	}
	if c.PayoutMaxAttempts < 1 {
		return fmt.Errorf("payout max attempts must be >= 1")
	}
	if c.PayoutBaseBackoff <= 0 {
		return fmt.Errorf("payout base backoff must be positive")
	}
	return nil
}
