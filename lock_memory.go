package blinkpay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLockManager is a process-local LockManager. It provides the full
// acquire/release/extend contract for single-instance deployments and tests;
// multi-instance deployments use a shared backend instead.
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLockManager creates an empty in-memory lock manager.
func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{locks: make(map[string]*memoryLock)}
}

// Acquire implements LockManager.
func (m *MemoryLockManager) Acquire(_ context.Context, reference string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if l, ok := m.locks[reference]; ok && now.Before(l.expires) {
		return "", ErrLockBusy
	}

	token := uuid.NewString()
	m.locks[reference] = &memoryLock{token: token, expires: now.Add(ttl)}

	m.cleanupExpiredLocked(now)
	return token, nil
}

// Release implements LockManager.
func (m *MemoryLockManager) Release(_ context.Context, reference, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[reference]
	if !ok || time.Now().After(l.expires) || l.token != token {
		return ErrLockMismatch
	}
	delete(m.locks, reference)
	return nil
}

// Extend implements LockManager.
func (m *MemoryLockManager) Extend(_ context.Context, reference, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	l, ok := m.locks[reference]
	if !ok || now.After(l.expires) || l.token != token {
		return ErrLockMismatch
	}
	l.expires = now.Add(ttl)
	return nil
}

// List implements LockManager.
func (m *MemoryLockManager) List(_ context.Context) ([]LockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []LockInfo
	for ref, l := range m.locks {
		if now.Before(l.expires) {
			out = append(out, LockInfo{Reference: ref, Token: l.token, ExpiresIn: l.expires.Sub(now)})
		}
	}
	return out, nil
}

// Clear implements LockManager.
func (m *MemoryLockManager) Clear(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, reference)
	return nil
}

// ClearAll implements LockManager.
func (m *MemoryLockManager) ClearAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for ref, l := range m.locks {
		if now.Before(l.expires) {
			n++
		}
		delete(m.locks, ref)
	}
	return n, nil
}

// cleanupExpiredLocked removes expired entries. Must be called with mu held.
func (m *MemoryLockManager) cleanupExpiredLocked(now time.Time) {
	for ref, l := range m.locks {
		if now.After(l.expires) {
			delete(m.locks, ref)
		}
	}
}
