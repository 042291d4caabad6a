package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// LockManager is a shared lock backend on the payment_locks table, giving
// multi-instance deployments the same acquire/release/extend contract the
// in-memory manager gives a single process. The upsert's WHERE clause makes
// acquisition an atomic set-if-absent over live locks; expired rows are
// taken over in place.
type LockManager struct {
	store *Store
}

// NewLockManager creates a lock manager over the store's connection pool.
func NewLockManager(store *Store) *LockManager {
	return &LockManager{store: store}
}

// Acquire implements blinkpay.LockManager.
func (m *LockManager) Acquire(ctx context.Context, reference string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	res, err := m.store.db.ExecContext(ctx, `
		INSERT INTO payment_locks (reference, token, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (reference) DO UPDATE
		SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE payment_locks.expires_at <= now()`,
		reference, token, interval(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if affected == 0 {
		return "", blinkpay.ErrLockBusy
	}
	return token, nil
}

// Release implements blinkpay.LockManager.
func (m *LockManager) Release(ctx context.Context, reference, token string) error {
	res, err := m.store.db.ExecContext(ctx, `
		DELETE FROM payment_locks
		WHERE reference = $1 AND token = $2 AND expires_at > now()`,
		reference, token,
	)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if affected == 0 {
		return blinkpay.ErrLockMismatch
	}
	return nil
}

// Extend implements blinkpay.LockManager.
func (m *LockManager) Extend(ctx context.Context, reference, token string, ttl time.Duration) error {
	res, err := m.store.db.ExecContext(ctx, `
		UPDATE payment_locks
		SET expires_at = now() + $3::interval
		WHERE reference = $1 AND token = $2 AND expires_at > now()`,
		reference, token, interval(ttl),
	)
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if affected == 0 {
		return blinkpay.ErrLockMismatch
	}
	return nil
}

// List implements blinkpay.LockManager.
func (m *LockManager) List(ctx context.Context) ([]blinkpay.LockInfo, error) {
	rows, err := m.store.db.QueryContext(ctx, `
		SELECT reference, token,
		       EXTRACT(EPOCH FROM (expires_at - now()))::float8
		FROM payment_locks WHERE expires_at > now()`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []blinkpay.LockInfo
	for rows.Next() {
		var info blinkpay.LockInfo
		var remaining float64
		if err := rows.Scan(&info.Reference, &info.Token, &remaining); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		info.ExpiresIn = time.Duration(remaining * float64(time.Second))
		out = append(out, info)
	}
	return out, rows.Err()
}

// Clear implements blinkpay.LockManager.
func (m *LockManager) Clear(ctx context.Context, reference string) error {
	if _, err := m.store.db.ExecContext(ctx,
		`DELETE FROM payment_locks WHERE reference = $1`, reference); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}

// ClearAll implements blinkpay.LockManager.
func (m *LockManager) ClearAll(ctx context.Context) (int, error) {
	res, err := m.store.db.ExecContext(ctx,
		`DELETE FROM payment_locks WHERE expires_at > now()`)
	if err != nil {
		return 0, fmt.Errorf("clear locks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear locks: %w", err)
	}
	return int(affected), nil
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
