package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	pgstore "token-sentinel/internal/storage/postgres"
)

// Postgres is an audit ledger backed by the audit_ledger table.
// Rows are append-only: the table carries no update path and the entry_id
// unique constraint makes re-appends idempotent.
type Postgres struct {
	pool *pgstore.Pool
}

// NewPostgres creates a ledger on an existing connection pool.
func NewPostgres(pool *pgstore.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Append implements Ledger. The acknowledgement id is derived from the
// sequence the database assigned, so it is stable across idempotent retries.
func (p *Postgres) Append(ctx context.Context, topic, entryID string, payload []byte) (string, error) {
	var seq int64

	// Idempotent append: on conflict the insert is a no-op and the existing
	// row's sequence is returned instead.
	query := `
		WITH inserted AS (
			INSERT INTO audit_ledger (topic, entry_id, payload, appended_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (entry_id) DO NOTHING
			RETURNING seq
		)
		SELECT seq FROM inserted
		UNION ALL
		SELECT seq FROM audit_ledger WHERE entry_id = $2
		LIMIT 1
	`

	err := p.pool.QueryRow(ctx, query, topic, entryID, payload, time.Now().UnixMilli()).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("append ledger entry: %w", err)
	}

	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", topic, seq, entryID)))
	return base58.Encode(digest[:]), nil
}

// Verify interface compliance at compile time.
var _ Ledger = (*Postgres)(nil)
