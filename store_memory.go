package blinkpay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of every store port. It backs
// tests and single-process development deployments; production uses the
// store/postgres package.
type MemoryStore struct {
	mu              sync.RWMutex
	runs            map[string]*Run
	runsByReference map[string]string
	blinks          map[string]*Blink
	blinksBySlug    map[string]string
	creators        map[string]*Creator
	receiptsByRun   map[string]*Receipt
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:            make(map[string]*Run),
		runsByReference: make(map[string]string),
		blinks:          make(map[string]*Blink),
		blinksBySlug:    make(map[string]string),
		creators:        make(map[string]*Creator),
		receiptsByRun:   make(map[string]*Receipt),
	}
}

// ============================================================================
// RunStore
// ============================================================================

// CreateRun implements RunStore.
func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runsByReference[run.Reference]; ok {
		return ErrDuplicateReference
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.runsByReference[run.Reference] = run.ID
	return nil
}

// GetRun implements RunStore.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// GetRunByReference implements RunStore.
func (s *MemoryStore) GetRunByReference(_ context.Context, reference string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.runsByReference[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.runs[id]
	return &cp, nil
}

// MarkExecuted implements RunStore.
func (s *MemoryStore) MarkExecuted(_ context.Context, id, signature string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	now := time.Now()
	run.Status = RunExecuted
	run.Signature = signature
	run.DurationMs = durationMs
	run.CompletedAt = &now
	return nil
}

// MarkFailed implements RunStore.
func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	now := time.Now()
	run.Status = RunFailed
	run.ErrorMessage = reason
	run.CompletedAt = &now
	return nil
}

// ListStalePending implements RunStore.
func (s *MemoryStore) ListStalePending(_ context.Context, cutoff time.Time) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Run
	for _, run := range s.runs {
		if run.Status == RunPending && !run.CreatedAt.After(cutoff) {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// BlinkStore / CreatorStore
// ============================================================================

// PutBlink seeds a blink. Used by tests and development wiring; production
// blinks are written by the marketplace CRUD layer.
func (s *MemoryStore) PutBlink(blink *Blink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *blink
	s.blinks[blink.ID] = &cp
	s.blinksBySlug[blink.Slug] = blink.ID
}

// GetBlink implements BlinkStore.
func (s *MemoryStore) GetBlink(_ context.Context, id string) (*Blink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blink, ok := s.blinks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *blink
	return &cp, nil
}

// GetBlinkBySlug implements BlinkStore.
func (s *MemoryStore) GetBlinkBySlug(_ context.Context, slug string) (*Blink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.blinksBySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.blinks[id]
	return &cp, nil
}

// PutCreator seeds a creator.
func (s *MemoryStore) PutCreator(creator *Creator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *creator
	s.creators[creator.ID] = &cp
}

// GetCreator implements CreatorStore.
func (s *MemoryStore) GetCreator(_ context.Context, id string) (*Creator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creator, ok := s.creators[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *creator
	return &cp, nil
}

// ============================================================================
// ReceiptStore
// ============================================================================

// CreateReceipt implements ReceiptStore.
func (s *MemoryStore) CreateReceipt(_ context.Context, receipt *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receiptsByRun[receipt.RunID]; ok {
		return ErrReceiptExists
	}
	cp := *receipt
	s.receiptsByRun[receipt.RunID] = &cp
	return nil
}

// GetReceiptByRun implements ReceiptStore.
func (s *MemoryStore) GetReceiptByRun(_ context.Context, runID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receiptsByRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *receipt
	return &cp, nil
}
