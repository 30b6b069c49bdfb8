package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

// DecisionStore implements storage.DecisionStore using PostgreSQL.
type DecisionStore struct {
	pool *Pool
}

// NewDecisionStore creates a new DecisionStore.
func NewDecisionStore(pool *Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DecisionStore = (*DecisionStore)(nil)

const decisionColumns = `
	decision_id, address, chain, symbol, classification, confidence, reasoning,
	yield_pool, yield_tvl_usd, yield_apy, yield_volume_24h, yield_price_usd, yield_observed_at,
	risk_score, risk_rug_pull, risk_honeypot, risk_renounced, risk_verified, risk_viral, risk_observed_at,
	created_at, action_taken
`

// Insert adds a new decision. Returns ErrDuplicateKey if decision_id exists.
func (s *DecisionStore) Insert(ctx context.Context, d *domain.Decision) error {
	if d == nil || d.DecisionID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err := s.pool.Exec(ctx, query,
		d.DecisionID, d.Address, d.Chain, d.Symbol, string(d.Classification), d.Confidence, d.Reasoning,
		d.YieldSnapshot.PoolAddress, d.YieldSnapshot.TVLUSD, d.YieldSnapshot.APY,
		d.YieldSnapshot.Volume24h, d.YieldSnapshot.PriceUSD, d.YieldSnapshot.ObservedAt,
		d.RiskSnapshot.Score, d.RiskSnapshot.RugPullSuspected, d.RiskSnapshot.HoneypotSuspected,
		d.RiskSnapshot.OwnershipRenounced, d.RiskSnapshot.ContractVerified,
		d.RiskSnapshot.ViralScore, d.RiskSnapshot.ObservedAt,
		d.CreatedAt, d.ActionTaken,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetByID retrieves a decision by its ID. Returns ErrNotFound if not exists.
func (s *DecisionStore) GetByID(ctx context.Context, decisionID string) (*domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE decision_id = $1`

	row := s.pool.QueryRow(ctx, query, decisionID)
	d, err := scanDecision(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get decision by id: %w", err)
	}
	return d, nil
}

// GetByToken retrieves all decisions for a token, newest first.
func (s *DecisionStore) GetByToken(ctx context.Context, address, chain string) ([]*domain.Decision, error) {
	query := `
		SELECT ` + decisionColumns + ` FROM decisions
		WHERE address = $1 AND chain = $2
		ORDER BY created_at DESC, decision_id ASC
	`

	rows, err := s.pool.Query(ctx, query, address, chain)
	if err != nil {
		return nil, fmt.Errorf("get decisions by token: %w", err)
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// ListRecent retrieves the most recent decisions, newest first, up to limit.
// limit <= 0 returns everything.
func (s *DecisionStore) ListRecent(ctx context.Context, limit int) ([]*domain.Decision, error) {
	query := `
		SELECT ` + decisionColumns + ` FROM decisions
		ORDER BY created_at DESC, decision_id ASC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent decisions: %w", err)
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// ListSince retrieves decisions created at or after sinceMs, newest first.
func (s *DecisionStore) ListSince(ctx context.Context, sinceMs int64) ([]*domain.Decision, error) {
	query := `
		SELECT ` + decisionColumns + ` FROM decisions
		WHERE created_at >= $1
		ORDER BY created_at DESC, decision_id ASC
	`

	rows, err := s.pool.Query(ctx, query, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("list decisions since: %w", err)
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// MarkActionTaken flags a decision once settlement has processed it.
func (s *DecisionStore) MarkActionTaken(ctx context.Context, decisionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE decisions SET action_taken = TRUE WHERE decision_id = $1`, decisionID)
	if err != nil {
		return fmt.Errorf("mark action taken: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanDecision scans a single decision row.
func scanDecision(row pgx.Row) (*domain.Decision, error) {
	var d domain.Decision
	var classification string
	err := row.Scan(
		&d.DecisionID, &d.Address, &d.Chain, &d.Symbol, &classification, &d.Confidence, &d.Reasoning,
		&d.YieldSnapshot.PoolAddress, &d.YieldSnapshot.TVLUSD, &d.YieldSnapshot.APY,
		&d.YieldSnapshot.Volume24h, &d.YieldSnapshot.PriceUSD, &d.YieldSnapshot.ObservedAt,
		&d.RiskSnapshot.Score, &d.RiskSnapshot.RugPullSuspected, &d.RiskSnapshot.HoneypotSuspected,
		&d.RiskSnapshot.OwnershipRenounced, &d.RiskSnapshot.ContractVerified,
		&d.RiskSnapshot.ViralScore, &d.RiskSnapshot.ObservedAt,
		&d.CreatedAt, &d.ActionTaken,
	)
	if err != nil {
		return nil, err
	}
	d.Classification = domain.Classification(classification)
	d.YieldSnapshot.Address = d.Address
	d.YieldSnapshot.Chain = d.Chain
	d.RiskSnapshot.Address = d.Address
	d.RiskSnapshot.Chain = d.Chain
	return &d, nil
}

// scanDecisions scans all decision rows.
func scanDecisions(rows pgx.Rows) ([]*domain.Decision, error) {
	var result []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}
