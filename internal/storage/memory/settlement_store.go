package memory

import (
	"context"
	"sort"
	"sync"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

// SettlementStore is an in-memory implementation of storage.SettlementStore.
type SettlementStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SettlementRecord // keyed by settlement_id
}

// NewSettlementStore creates a new in-memory settlement store.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{
		data: make(map[string]*domain.SettlementRecord),
	}
}

// Insert adds a new record. Returns ErrDuplicateKey if settlement_id exists.
func (s *SettlementStore) Insert(_ context.Context, r *domain.SettlementRecord) error {
	if r == nil || r.SettlementID == "" || r.DecisionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.SettlementID]; exists {
		return storage.ErrDuplicateKey
	}

	recordCopy := *r
	s.data[r.SettlementID] = &recordCopy
	return nil
}

// UpdateStatus moves a PENDING record to a terminal status.
func (s *SettlementStore) UpdateStatus(_ context.Context, settlementID string, status domain.SettlementStatus, ledgerRef, txRef, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[settlementID]
	if !exists {
		return storage.ErrNotFound
	}
	if r.Status != domain.StatusPending {
		return storage.ErrTerminalStatus
	}

	r.Status = status
	r.LedgerRef = ledgerRef
	r.TxRef = txRef
	r.ErrMsg = errMsg
	return nil
}

// GetByID retrieves a record by its ID. Returns ErrNotFound if not exists.
func (s *SettlementStore) GetByID(_ context.Context, settlementID string) (*domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[settlementID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	recordCopy := *r
	return &recordCopy, nil
}

// GetByDecisionID retrieves all records settling a decision, by attempt ASC.
func (s *SettlementStore) GetByDecisionID(_ context.Context, decisionID string) ([]*domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SettlementRecord
	for _, r := range s.data {
		if r.DecisionID == decisionID {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Attempt < result[j].Attempt
	})
	return result, nil
}

// ListRecent retrieves the most recent records, newest first, up to limit.
func (s *SettlementStore) ListRecent(_ context.Context, limit int) ([]*domain.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.SettlementRecord, 0, len(s.data))
	for _, r := range s.data {
		recordCopy := *r
		result = append(result, &recordCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].SettlementID < result[j].SettlementID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.SettlementStore = (*SettlementStore)(nil)
