package blinkpay

import (
	"context"
	"time"
)

// LockManager provides advisory mutual exclusion keyed by payment reference.
// Implementations must be safe for concurrent use.
//
// The interface is designed to support both in-memory and distributed
// backends (Postgres, external cache services) for different deployment
// scenarios. The lock layer is a collapsing optimization, never the
// authority on correctness: callers always re-check run state from the
// durable store after acquiring.
type LockManager interface {
	// Acquire takes the lock for reference if no live lock exists, using an
	// atomic check-and-set, and returns a random owner token. It returns
	// ErrLockBusy while another holder owns a live lock. Any other error
	// means the backend could not confirm acquisition; the caller must
	// treat that as "not acquired" and abort the settlement attempt.
	Acquire(ctx context.Context, reference string, ttl time.Duration) (token string, err error)

	// Release frees the lock if still owned by token. It returns
	// ErrLockMismatch if the lock expired or changed hands; callers treat
	// that as a no-op, never a failure.
	Release(ctx context.Context, reference, token string) error

	// Extend pushes out the expiry of a lock still owned by token.
	// Returns ErrLockMismatch if the lock expired or changed hands.
	Extend(ctx context.Context, reference, token string, ttl time.Duration) error

	// List returns all live locks with their remaining TTL. Operational
	// escape hatch, not part of the request path.
	List(ctx context.Context) ([]LockInfo, error)

	// Clear force-removes the lock for reference regardless of owner.
	Clear(ctx context.Context, reference string) error

	// ClearAll force-removes every live lock and reports how many.
	ClearAll(ctx context.Context) (int, error)
}

// LockInfo describes a live lock for operational inspection.
type LockInfo struct {
	Reference string        `json:"reference"`
	Token     string        `json:"token"`
	ExpiresIn time.Duration `json:"expiresIn"`
}
