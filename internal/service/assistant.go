package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/fabric"
)

// assistantRetain bounds each of the assistant's in-memory feeds.
const assistantRetain = 256

// TokenSnapshotter exposes the aggregator's current state to the read model.
type TokenSnapshotter interface {
	Snapshot() []*domain.TokenState
}

// Assistant is the dashboard read model: it accumulates decisions,
// settlement records, rollups, and risk-change events off the fabric and
// serves them through snapshot accessors. It never mutates pipeline state.
type Assistant struct {
	id     string
	tokens TokenSnapshotter
	logger zerolog.Logger

	mu            sync.Mutex
	decisions     []*domain.Decision
	seenDecisions map[string]struct{}
	settlements   []*domain.SettlementRecord
	rollups       []*domain.RollupSummary
	riskChanges   []*fabric.RiskChange
}

// NewAssistant creates the assistant service. tokens may be nil when no
// aggregator runs in-process.
func NewAssistant(tokens TokenSnapshotter, logger zerolog.Logger) *Assistant {
	return &Assistant{
		id:            IDAssistant,
		tokens:        tokens,
		logger:        logger.With().Str("service", IDAssistant).Logger(),
		seenDecisions: make(map[string]struct{}),
	}
}

// ID implements Service.
func (a *Assistant) ID() string { return a.id }

// Handle implements Service.
func (a *Assistant) Handle(_ context.Context, env fabric.Envelope) {
	switch env.Kind {
	case fabric.KindAlertDecision:
		d, ok := env.Payload.(*domain.Decision)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.recordDecision(d)
	case fabric.KindSettlementRequest:
		rec, ok := env.Payload.(*domain.SettlementRecord)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.mu.Lock()
		a.settlements = appendCapped(a.settlements, rec)
		a.mu.Unlock()
	case fabric.KindRollupSummary:
		sum, ok := env.Payload.(*domain.RollupSummary)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.mu.Lock()
		a.rollups = appendCapped(a.rollups, sum)
		a.mu.Unlock()
	case fabric.KindRiskChange:
		ch, ok := env.Payload.(*fabric.RiskChange)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.mu.Lock()
		a.riskChanges = appendCapped(a.riskChanges, ch)
		a.mu.Unlock()
	default:
		a.logger.Debug().Str("kind", string(env.Kind)).Msg("envelope ignored")
	}
}

// Start implements Service.
func (a *Assistant) Start(context.Context) error { return nil }

// Stop implements Service.
func (a *Assistant) Stop() {}

func (a *Assistant) recordDecision(d *domain.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Broadcast plus targeted dispatch can deliver the same decision twice.
	if _, dup := a.seenDecisions[d.DecisionID]; dup {
		return
	}
	a.seenDecisions[d.DecisionID] = struct{}{}
	a.decisions = appendCapped(a.decisions, d)
}

// Tokens returns the current token states, or nil without an aggregator.
func (a *Assistant) Tokens() []*domain.TokenState {
	if a.tokens == nil {
		return nil
	}
	return a.tokens.Snapshot()
}

// RecentDecisions returns up to limit decisions, newest first.
// limit <= 0 returns everything retained.
func (a *Assistant) RecentDecisions(limit int) []*domain.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newestFirst(a.decisions, limit)
}

// RecentSettlements returns up to limit settlement records, newest first.
func (a *Assistant) RecentSettlements(limit int) []*domain.SettlementRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newestFirst(a.settlements, limit)
}

// Rollups returns the retained rollup summaries, newest first.
func (a *Assistant) Rollups() []*domain.RollupSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newestFirst(a.rollups, 0)
}

// LatestRollup returns the most recent rollup summary, or nil.
func (a *Assistant) LatestRollup() *domain.RollupSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rollups) == 0 {
		return nil
	}
	return a.rollups[len(a.rollups)-1]
}

// RiskChanges returns up to limit risk-change events, newest first.
func (a *Assistant) RiskChanges(limit int) []*fabric.RiskChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newestFirst(a.riskChanges, limit)
}

// appendCapped appends keeping at most assistantRetain items, oldest evicted.
func appendCapped[T any](items []T, item T) []T {
	items = append(items, item)
	if len(items) > assistantRetain {
		items = items[len(items)-assistantRetain:]
	}
	return items
}

// newestFirst copies up to limit items in reverse insertion order.
func newestFirst[T any](items []T, limit int) []T {
	n := len(items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, items[i])
	}
	return out
}
