package memory

import (
	"context"
	"sort"
	"sync"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

// DecisionStore is an in-memory implementation of storage.DecisionStore.
type DecisionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Decision // keyed by decision_id
}

// NewDecisionStore creates a new in-memory decision store.
func NewDecisionStore() *DecisionStore {
	return &DecisionStore{
		data: make(map[string]*domain.Decision),
	}
}

// Insert adds a new decision. Returns ErrDuplicateKey if decision_id exists.
func (s *DecisionStore) Insert(_ context.Context, d *domain.Decision) error {
	if d == nil || d.DecisionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[d.DecisionID]; exists {
		return storage.ErrDuplicateKey
	}

	// Store a copy to prevent external mutation
	decisionCopy := *d
	s.data[d.DecisionID] = &decisionCopy
	return nil
}

// GetByID retrieves a decision by its ID. Returns ErrNotFound if not exists.
func (s *DecisionStore) GetByID(_ context.Context, decisionID string) (*domain.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.data[decisionID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	decisionCopy := *d
	return &decisionCopy, nil
}

// GetByToken retrieves all decisions for a token, newest first.
func (s *DecisionStore) GetByToken(_ context.Context, address, chain string) ([]*domain.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Decision
	for _, d := range s.data {
		if d.Address == address && d.Chain == chain {
			decisionCopy := *d
			result = append(result, &decisionCopy)
		}
	}

	sortNewestFirst(result)
	return result, nil
}

// ListRecent retrieves the most recent decisions, newest first, up to limit.
func (s *DecisionStore) ListRecent(_ context.Context, limit int) ([]*domain.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Decision, 0, len(s.data))
	for _, d := range s.data {
		decisionCopy := *d
		result = append(result, &decisionCopy)
	}

	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListSince retrieves decisions created at or after sinceMs, newest first.
func (s *DecisionStore) ListSince(_ context.Context, sinceMs int64) ([]*domain.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Decision
	for _, d := range s.data {
		if d.CreatedAt >= sinceMs {
			decisionCopy := *d
			result = append(result, &decisionCopy)
		}
	}

	sortNewestFirst(result)
	return result, nil
}

// MarkActionTaken flags a decision once settlement has processed it.
func (s *DecisionStore) MarkActionTaken(_ context.Context, decisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[decisionID]
	if !exists {
		return storage.ErrNotFound
	}
	d.ActionTaken = true
	return nil
}

// sortNewestFirst orders by created_at DESC with decision_id as tie-breaker
// for deterministic output.
func sortNewestFirst(decisions []*domain.Decision) {
	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].CreatedAt != decisions[j].CreatedAt {
			return decisions[i].CreatedAt > decisions[j].CreatedAt
		}
		return decisions[i].DecisionID < decisions[j].DecisionID
	})
}

// Verify interface compliance at compile time.
var _ storage.DecisionStore = (*DecisionStore)(nil)
