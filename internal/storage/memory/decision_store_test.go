package memory

import (
	"context"
	"errors"
	"testing"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/storage"
)

func decision(id string, createdAt int64) *domain.Decision {
	return &domain.Decision{
		DecisionID:     id,
		Address:        "0xAAA",
		Chain:          "solana",
		Symbol:         "TST",
		Classification: domain.ClassificationWatch,
		Confidence:     50,
		CreatedAt:      createdAt,
	}
}

func TestDecisionStore_InsertAndGet(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	if err := s.Insert(ctx, decision("d1", 1000)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.GetByID(ctx, "d1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.DecisionID != "d1" || got.CreatedAt != 1000 {
		t.Errorf("Wrong decision returned: %+v", got)
	}

	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDecisionStore_DuplicateInsert(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	s.Insert(ctx, decision("d1", 1000))
	if err := s.Insert(ctx, decision("d1", 2000)); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestDecisionStore_InvalidInput(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	if err := s.Insert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil, got %v", err)
	}
	if err := s.Insert(ctx, &domain.Decision{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestDecisionStore_ListRecentOrderAndLimit(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	s.Insert(ctx, decision("d1", 1000))
	s.Insert(ctx, decision("d2", 3000))
	s.Insert(ctx, decision("d3", 2000))

	got, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(got) != 2 || got[0].DecisionID != "d2" || got[1].DecisionID != "d3" {
		t.Errorf("Expected [d2 d3], got %+v", got)
	}
}

func TestDecisionStore_ListSince(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	s.Insert(ctx, decision("d1", 1000))
	s.Insert(ctx, decision("d2", 2000))
	s.Insert(ctx, decision("d3", 3000))

	got, err := s.ListSince(ctx, 2000)
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	// Inclusive lower bound, newest first.
	if len(got) != 2 || got[0].DecisionID != "d3" || got[1].DecisionID != "d2" {
		t.Errorf("Expected [d3 d2], got %+v", got)
	}
}

func TestDecisionStore_GetByToken(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	s.Insert(ctx, decision("d1", 1000))
	other := decision("d2", 2000)
	other.Address = "0xBBB"
	s.Insert(ctx, other)

	got, err := s.GetByToken(ctx, "0xAAA", "solana")
	if err != nil {
		t.Fatalf("GetByToken failed: %v", err)
	}
	if len(got) != 1 || got[0].DecisionID != "d1" {
		t.Errorf("Expected [d1], got %+v", got)
	}
}

func TestDecisionStore_MarkActionTaken(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	s.Insert(ctx, decision("d1", 1000))
	if err := s.MarkActionTaken(ctx, "d1"); err != nil {
		t.Fatalf("MarkActionTaken failed: %v", err)
	}

	got, _ := s.GetByID(ctx, "d1")
	if !got.ActionTaken {
		t.Error("Expected ActionTaken set")
	}

	if err := s.MarkActionTaken(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDecisionStore_InsertCopies(t *testing.T) {
	s := NewDecisionStore()
	ctx := context.Background()

	d := decision("d1", 1000)
	s.Insert(ctx, d)
	d.Confidence = 99

	got, _ := s.GetByID(ctx, "d1")
	if got.Confidence == 99 {
		t.Error("Store aliased the caller's decision")
	}
}
