package clickhouse

import (
	"context"
	"fmt"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

// DecisionHistoryStore implements storage.DecisionHistoryStore using ClickHouse.
type DecisionHistoryStore struct {
	conn *Conn
}

// NewDecisionHistoryStore creates a new DecisionHistoryStore.
func NewDecisionHistoryStore(conn *Conn) *DecisionHistoryStore {
	return &DecisionHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.DecisionHistoryStore = (*DecisionHistoryStore)(nil)

// InsertBulk adds multiple rows. Duplicate decision ids within the batch
// fail the entire batch before anything is sent.
func (s *DecisionHistoryStore) InsertBulk(ctx context.Context, rows []*domain.DecisionHistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r == nil || r.DecisionID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[r.DecisionID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[r.DecisionID] = struct{}{}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO decision_history (
			decision_id, address, chain, symbol, classification, confidence,
			risk_score, apy, tvl_usd, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		err = batch.Append(
			r.DecisionID, r.Address, r.Chain, r.Symbol, r.Classification,
			r.Confidence, r.RiskScore, r.APY, r.TVLUSD, uint64(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves rows created within [start, end] (inclusive),
// ordered by created_at ASC.
func (s *DecisionHistoryStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.DecisionHistoryRow, error) {
	query := `
		SELECT decision_id, address, chain, symbol, classification, confidence,
		       risk_score, apy, tvl_usd, created_at
		FROM decision_history
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, decision_id ASC
	`

	chRows, err := s.conn.Query(ctx, query, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query decision history: %w", err)
	}
	defer chRows.Close()

	var result []*domain.DecisionHistoryRow
	for chRows.Next() {
		var r domain.DecisionHistoryRow
		var createdAt uint64
		err := chRows.Scan(
			&r.DecisionID, &r.Address, &r.Chain, &r.Symbol, &r.Classification,
			&r.Confidence, &r.RiskScore, &r.APY, &r.TVLUSD, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.CreatedAt = int64(createdAt)
		result = append(result, &r)
	}
	if err := chRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return result, nil
}
