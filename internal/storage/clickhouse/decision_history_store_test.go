package clickhouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

func historyRow(id string, confidence float64, createdAt int64) *domain.DecisionHistoryRow {
	return &domain.DecisionHistoryRow{
		DecisionID:     id,
		Address:        "0xAAA",
		Chain:          "solana",
		Symbol:         "TST",
		Classification: "BUY",
		Confidence:     confidence,
		RiskScore:      25,
		APY:            45,
		TVLUSD:         150_000,
		CreatedAt:      createdAt,
	}
}

func TestDecisionHistoryStore_InsertBulk(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDecisionHistoryStore(conn)
	ctx := context.Background()

	// Empty insert is a no-op
	err := store.InsertBulk(ctx, nil)
	assert.NoError(t, err)

	rows := []*domain.DecisionHistoryRow{
		historyRow("ch-1", 87, 1000),
		historyRow("ch-2", 62, 2000),
		historyRow("ch-3", 40, 3000),
	}
	err = store.InsertBulk(ctx, rows)
	require.NoError(t, err)

	got, err := store.GetByTimeRange(ctx, 0, 5000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ch-1", got[0].DecisionID)
	assert.Equal(t, 87.0, got[0].Confidence)
	assert.Equal(t, 25.0, got[0].RiskScore)
	assert.Equal(t, 45.0, got[0].APY)
	assert.Equal(t, 150_000.0, got[0].TVLUSD)
	assert.Equal(t, int64(1000), got[0].CreatedAt)
}

func TestDecisionHistoryStore_InsertBulk_Validation(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDecisionHistoryStore(conn)
	ctx := context.Background()

	err := store.InsertBulk(ctx, []*domain.DecisionHistoryRow{nil})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.InsertBulk(ctx, []*domain.DecisionHistoryRow{{}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	// Duplicate ids within one batch fail before anything is sent
	err = store.InsertBulk(ctx, []*domain.DecisionHistoryRow{
		historyRow("ch-dup", 87, 1000),
		historyRow("ch-dup", 62, 2000),
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := store.GetByTimeRange(ctx, 0, 5000)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecisionHistoryStore_GetByTimeRange_Bounds(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDecisionHistoryStore(conn)
	ctx := context.Background()

	rows := []*domain.DecisionHistoryRow{
		historyRow("ch-1", 87, 1000),
		historyRow("ch-2", 62, 2000),
		historyRow("ch-3", 40, 3000),
	}
	require.NoError(t, store.InsertBulk(ctx, rows))

	// Both bounds inclusive
	got, err := store.GetByTimeRange(ctx, 1000, 2000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ch-1", got[0].DecisionID)
	assert.Equal(t, "ch-2", got[1].DecisionID)

	got, err = store.GetByTimeRange(ctx, 4000, 5000)
	require.NoError(t, err)
	assert.Empty(t, got)
}
