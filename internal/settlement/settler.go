// Package settlement turns decisions into settlement records and mirrors
// every outcome into the immutable audit ledger exactly once.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/idhash"
	"token-sentinel/internal/ledger"
	"token-sentinel/internal/storage"
)

// LedgerTopic is the audit ledger topic decisions and settlements land on.
const LedgerTopic = "settlements"

// ErrAlreadySettled is returned when settling a decision that already has a
// COMPLETED settlement record.
var ErrAlreadySettled = errors.New("decision already settled")

// Config controls which action settling a decision takes.
// The default (zero value) is LOG_ONLY for everything; a privileged
// configuration may enable value transfers for high-confidence BUYs.
type Config struct {
	EnableValueTransfer        bool
	ValueTransferMinConfidence float64
}

// ValueTransferer executes the external transfer for a VALUE_TRANSFER
// settlement and returns an external transaction reference.
type ValueTransferer interface {
	Transfer(ctx context.Context, d *domain.Decision) (txRef string, err error)
}

// Options for creating a Settler.
type Options struct {
	Config      Config
	Ledger      ledger.Ledger
	Store       storage.SettlementStore
	Decisions   storage.DecisionStore
	Transferer  ValueTransferer // optional; nil disables external transfers
	Logger      zerolog.Logger
	NowMs       func() int64 // optional clock override for tests
}

// Settler settles decisions. Failed ledger writes are retained and retried
// on the next settlement cycle as new corrective records.
type Settler struct {
	cfg        Config
	ledger     ledger.Ledger
	store      storage.SettlementStore
	decisions  storage.DecisionStore
	transferer ValueTransferer
	logger     zerolog.Logger
	nowMs      func() int64

	mu      sync.Mutex
	pending map[string]*domain.Decision // decision_id -> decision awaiting retry
}

// NewSettler creates a settler.
func NewSettler(opts Options) *Settler {
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Settler{
		cfg:        opts.Config,
		ledger:     opts.Ledger,
		store:      opts.Store,
		decisions:  opts.Decisions,
		transferer: opts.Transferer,
		logger:     opts.Logger.With().Str("component", "settler").Logger(),
		nowMs:      nowMs,
		pending:    make(map[string]*domain.Decision),
	}
}

// Settle processes one decision: picks the action, writes the decision and
// the settlement record to the audit ledger, and stores the terminal record.
// Returns ErrAlreadySettled when a COMPLETED record already exists for the
// decision.
func (s *Settler) Settle(ctx context.Context, d *domain.Decision) (*domain.SettlementRecord, error) {
	if d == nil || d.DecisionID == "" {
		return nil, storage.ErrInvalidInput
	}

	prior, err := s.store.GetByDecisionID(ctx, d.DecisionID)
	if err != nil {
		return nil, fmt.Errorf("check prior settlements: %w", err)
	}
	for _, p := range prior {
		if p.Status == domain.StatusCompleted {
			return nil, ErrAlreadySettled
		}
	}

	// A failed ledger write retains the transfer reference on the FAILED
	// record; a corrective attempt must reuse it, never move value twice.
	priorTx := ""
	for _, p := range prior {
		if p.TxRef != "" {
			priorTx = p.TxRef
		}
	}

	attempt := len(prior) + 1
	rec := &domain.SettlementRecord{
		SettlementID: idhash.ComputeSettlementID(d.DecisionID, attempt),
		DecisionID:   d.DecisionID,
		Attempt:      attempt,
		Action:       s.chooseAction(d),
		Status:       domain.StatusPending,
		CreatedAt:    s.nowMs(),
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert settlement record: %w", err)
	}

	txRef, ledgerRef, settleErr := s.execute(ctx, d, rec, priorTx)
	if settleErr != nil {
		rec.Status = domain.StatusFailed
		rec.ErrMsg = settleErr.Error()
		rec.TxRef = txRef
		if err := s.store.UpdateStatus(ctx, rec.SettlementID, domain.StatusFailed, "", txRef, rec.ErrMsg); err != nil {
			s.logger.Error().Err(err).Str("settlement_id", rec.SettlementID).Msg("record failure status")
		}
		s.remember(d)
		s.logger.Warn().
			Str("decision_id", d.DecisionID).
			Int("attempt", attempt).
			Err(settleErr).
			Msg("settlement failed, queued for retry")
		return rec, nil
	}

	rec.Status = domain.StatusCompleted
	rec.LedgerRef = ledgerRef
	rec.TxRef = txRef
	if err := s.store.UpdateStatus(ctx, rec.SettlementID, domain.StatusCompleted, ledgerRef, txRef, ""); err != nil {
		return nil, fmt.Errorf("record completion: %w", err)
	}
	s.forget(d.DecisionID)

	if s.decisions != nil {
		if err := s.decisions.MarkActionTaken(ctx, d.DecisionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Str("decision_id", d.DecisionID).Msg("mark action taken")
		}
	}

	s.logger.Info().
		Str("decision_id", d.DecisionID).
		Str("action", string(rec.Action)).
		Str("ledger_ref", ledgerRef).
		Msg("settlement completed")
	return rec, nil
}

// RetryFailed re-settles every decision whose last settlement FAILED.
// Called by the settlement service on its cycle; each retry is a new
// corrective record, never a rewrite of a terminal one.
func (s *Settler) RetryFailed(ctx context.Context) int {
	s.mu.Lock()
	queued := make([]*domain.Decision, 0, len(s.pending))
	for _, d := range s.pending {
		queued = append(queued, d)
	}
	s.mu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return queued[i].DecisionID < queued[j].DecisionID })

	retried := 0
	for _, d := range queued {
		rec, err := s.Settle(ctx, d)
		if errors.Is(err, ErrAlreadySettled) {
			s.forget(d.DecisionID)
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("decision_id", d.DecisionID).Msg("retry failed")
			continue
		}
		if rec.Status == domain.StatusCompleted {
			retried++
		}
	}
	return retried
}

// Summary reports settlement counts by action and status for observability.
type Summary struct {
	ByAction map[domain.SettlementAction]int
	ByStatus map[domain.SettlementStatus]int
	Total    int
}

// GetSummary computes counts over the most recent records.
func (s *Settler) GetSummary(ctx context.Context) (*Summary, error) {
	records, err := s.store.ListRecent(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}

	summary := &Summary{
		ByAction: make(map[domain.SettlementAction]int),
		ByStatus: make(map[domain.SettlementStatus]int),
	}
	for _, r := range records {
		summary.ByAction[r.Action]++
		summary.ByStatus[r.Status]++
		summary.Total++
	}
	return summary, nil
}

// chooseAction maps a decision to a settlement action via configuration.
func (s *Settler) chooseAction(d *domain.Decision) domain.SettlementAction {
	if s.cfg.EnableValueTransfer &&
		d.Classification == domain.ClassificationBuy &&
		d.Confidence >= s.cfg.ValueTransferMinConfidence {
		return domain.ActionValueTransfer
	}
	return domain.ActionLogOnly
}

// execute performs the external transfer (if any) and the ledger write.
// The ledger entry mirrors the decision and the record together and is
// idempotent by settlement id.
func (s *Settler) execute(ctx context.Context, d *domain.Decision, rec *domain.SettlementRecord, priorTx string) (txRef, ledgerRef string, err error) {
	if rec.Action == domain.ActionValueTransfer && s.transferer != nil {
		txRef = priorTx
		if txRef == "" {
			txRef, err = s.transferer.Transfer(ctx, d)
			if err != nil {
				return "", "", fmt.Errorf("value transfer: %w", err)
			}
		}
	}

	payload, err := json.Marshal(struct {
		Decision   *domain.Decision         `json:"decision"`
		Settlement *domain.SettlementRecord `json:"settlement"`
		TxRef      string                   `json:"tx_ref,omitempty"`
	}{Decision: d, Settlement: rec, TxRef: txRef})
	if err != nil {
		return txRef, "", fmt.Errorf("marshal ledger entry: %w", err)
	}

	ledgerRef, err = s.ledger.Append(ctx, LedgerTopic, rec.SettlementID, payload)
	if err != nil {
		return txRef, "", fmt.Errorf("ledger append: %w", err)
	}
	return txRef, ledgerRef, nil
}

func (s *Settler) remember(d *domain.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[d.DecisionID] = d
}

func (s *Settler) forget(decisionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, decisionID)
}
