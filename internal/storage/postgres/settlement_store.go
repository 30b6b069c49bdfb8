package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

// SettlementStore implements storage.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *Pool
}

// NewSettlementStore creates a new SettlementStore.
func NewSettlementStore(pool *Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SettlementStore = (*SettlementStore)(nil)

const settlementColumns = `
	settlement_id, decision_id, attempt, action, status, ledger_ref, tx_ref, err_msg, created_at
`

// Insert adds a new record. Returns ErrDuplicateKey if settlement_id exists.
func (s *SettlementStore) Insert(ctx context.Context, r *domain.SettlementRecord) error {
	if r == nil || r.SettlementID == "" || r.DecisionID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO settlement_records (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		r.SettlementID, r.DecisionID, r.Attempt,
		string(r.Action), string(r.Status),
		r.LedgerRef, r.TxRef, r.ErrMsg, r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert settlement record: %w", err)
	}
	return nil
}

// UpdateStatus moves a PENDING record to a terminal status.
func (s *SettlementStore) UpdateStatus(ctx context.Context, settlementID string, status domain.SettlementStatus, ledgerRef, txRef, errMsg string) error {
	query := `
		UPDATE settlement_records
		SET status = $2, ledger_ref = $3, tx_ref = $4, err_msg = $5
		WHERE settlement_id = $1 AND status = $6
	`

	tag, err := s.pool.Exec(ctx, query, settlementID, string(status), ledgerRef, txRef, errMsg, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("update settlement status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing record from terminal record.
		if _, getErr := s.GetByID(ctx, settlementID); getErr != nil {
			return getErr
		}
		return storage.ErrTerminalStatus
	}
	return nil
}

// GetByID retrieves a record by its ID. Returns ErrNotFound if not exists.
func (s *SettlementStore) GetByID(ctx context.Context, settlementID string) (*domain.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_records WHERE settlement_id = $1`

	row := s.pool.QueryRow(ctx, query, settlementID)
	r, err := scanSettlement(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get settlement by id: %w", err)
	}
	return r, nil
}

// GetByDecisionID retrieves all records settling a decision, by attempt ASC.
func (s *SettlementStore) GetByDecisionID(ctx context.Context, decisionID string) ([]*domain.SettlementRecord, error) {
	query := `
		SELECT ` + settlementColumns + ` FROM settlement_records
		WHERE decision_id = $1
		ORDER BY attempt ASC
	`

	rows, err := s.pool.Query(ctx, query, decisionID)
	if err != nil {
		return nil, fmt.Errorf("get settlements by decision: %w", err)
	}
	defer rows.Close()

	return scanSettlements(rows)
}

// ListRecent retrieves the most recent records, newest first, up to limit.
// limit <= 0 returns everything.
func (s *SettlementStore) ListRecent(ctx context.Context, limit int) ([]*domain.SettlementRecord, error) {
	query := `
		SELECT ` + settlementColumns + ` FROM settlement_records
		ORDER BY created_at DESC, settlement_id ASC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent settlements: %w", err)
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func scanSettlement(row pgx.Row) (*domain.SettlementRecord, error) {
	var r domain.SettlementRecord
	var action, status string
	err := row.Scan(
		&r.SettlementID, &r.DecisionID, &r.Attempt,
		&action, &status,
		&r.LedgerRef, &r.TxRef, &r.ErrMsg, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Action = domain.SettlementAction(action)
	r.Status = domain.SettlementStatus(status)
	return &r, nil
}

func scanSettlements(rows pgx.Rows) ([]*domain.SettlementRecord, error) {
	var result []*domain.SettlementRecord
	for rows.Next() {
		r, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return result, nil
}
