package storage

import (
	"context"

	"token-sentinel/internal/domain"
)

// DecisionStore provides access to decision storage.
type DecisionStore interface {
	// Insert adds a new decision. Returns ErrDuplicateKey if decision_id exists.
	Insert(ctx context.Context, d *domain.Decision) error

	// GetByID retrieves a decision by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, decisionID string) (*domain.Decision, error)

	// GetByToken retrieves all decisions for a token, newest first.
	GetByToken(ctx context.Context, address, chain string) ([]*domain.Decision, error)

	// ListRecent retrieves the most recent decisions, newest first, up to
	// limit. limit <= 0 returns everything.
	ListRecent(ctx context.Context, limit int) ([]*domain.Decision, error)

	// ListSince retrieves decisions created at or after sinceMs, newest first.
	ListSince(ctx context.Context, sinceMs int64) ([]*domain.Decision, error)

	// MarkActionTaken flags a decision once settlement has processed it.
	MarkActionTaken(ctx context.Context, decisionID string) error
}

// SettlementStore provides access to settlement record storage.
type SettlementStore interface {
	// Insert adds a new record. Returns ErrDuplicateKey if settlement_id exists.
	Insert(ctx context.Context, r *domain.SettlementRecord) error

	// UpdateStatus moves a PENDING record to a terminal status, recording
	// the ledger acknowledgement, transfer reference, and error detail.
	// Returns ErrTerminalStatus if the record already left PENDING.
	UpdateStatus(ctx context.Context, settlementID string, status domain.SettlementStatus, ledgerRef, txRef, errMsg string) error

	// GetByID retrieves a record by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, settlementID string) (*domain.SettlementRecord, error)

	// GetByDecisionID retrieves all records settling a decision, by attempt ASC.
	GetByDecisionID(ctx context.Context, decisionID string) ([]*domain.SettlementRecord, error)

	// ListRecent retrieves the most recent records, newest first, up to
	// limit. limit <= 0 returns everything.
	ListRecent(ctx context.Context, limit int) ([]*domain.SettlementRecord, error)
}

// DecisionHistoryStore provides access to the analytics history rows backing
// the rollup loop.
type DecisionHistoryStore interface {
	// InsertBulk adds multiple rows. Duplicate decision ids within the
	// batch fail the entire batch.
	InsertBulk(ctx context.Context, rows []*domain.DecisionHistoryRow) error

	// GetByTimeRange retrieves rows created within [start, end] milliseconds
	// (inclusive), ordered by created_at ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.DecisionHistoryRow, error)
}
