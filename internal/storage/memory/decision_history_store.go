package memory

import (
	"context"
	"sort"
	"sync"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

// DecisionHistoryStore is an in-memory implementation of
// storage.DecisionHistoryStore, used when no ClickHouse DSN is configured.
type DecisionHistoryStore struct {
	mu   sync.RWMutex
	rows []*domain.DecisionHistoryRow
	seen map[string]struct{} // decision_id dedupe
}

// NewDecisionHistoryStore creates a new in-memory history store.
func NewDecisionHistoryStore() *DecisionHistoryStore {
	return &DecisionHistoryStore{seen: make(map[string]struct{})}
}

// InsertBulk adds multiple rows. Duplicate decision ids within the batch fail
// the entire batch; rows already stored by an earlier batch are skipped, so
// overlapping rollup windows can re-submit safely.
func (s *DecisionHistoryStore) InsertBulk(_ context.Context, rows []*domain.DecisionHistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before mutating anything
	batch := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r == nil || r.DecisionID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := batch[r.DecisionID]; exists {
			return storage.ErrDuplicateKey
		}
		batch[r.DecisionID] = struct{}{}
	}

	for _, r := range rows {
		if _, exists := s.seen[r.DecisionID]; exists {
			continue
		}
		rowCopy := *r
		s.rows = append(s.rows, &rowCopy)
		s.seen[r.DecisionID] = struct{}{}
	}
	return nil
}

// GetByTimeRange retrieves rows created within [start, end] (inclusive),
// ordered by created_at ASC.
func (s *DecisionHistoryStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.DecisionHistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DecisionHistoryRow
	for _, r := range s.rows {
		if r.CreatedAt >= start && r.CreatedAt <= end {
			rowCopy := *r
			result = append(result, &rowCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].DecisionID < result[j].DecisionID
	})
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.DecisionHistoryStore = (*DecisionHistoryStore)(nil)
