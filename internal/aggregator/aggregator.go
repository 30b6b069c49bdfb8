// Package aggregator owns the per-token evidence state. It merges discovery,
// yield, and risk evidence as it arrives, tracks decision readiness, and
// implements the claim protocol the scheduler's drain loop relies on.
package aggregator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"token-sentinel/internal/domain"
)

// ErrUnknownToken is returned when operating on a token that was never ingested.
var ErrUnknownToken = errors.New("unknown token")

// Material-change thresholds: a refreshed observation re-arms readiness only
// when it differs from the last decided snapshot by at least this much.
const (
	riskScoreRearmDelta  = 1.0  // composite risk score, points
	viralScoreRearmDelta = 1.0  // viral-potential score, points
	apyRearmDelta        = 1.0  // annualized yield, percentage points
	tvlRearmRelative     = 0.05 // total value locked, relative change
)

// entry is the aggregator-internal wrapper around a token's state.
// claimed and armed implement exactly-once decisions per readiness event:
// a token is queueable iff ready && armed && !claimed.
type entry struct {
	state   domain.TokenState
	claimed bool
	armed   bool

	// Snapshots the last decision was computed from; nil before the first
	// decision. New evidence is compared against these to re-arm readiness.
	decidedYield *domain.YieldEvidence
	decidedRisk  *domain.RiskEvidence
}

// Aggregator is the exclusive owner of aggregated token state.
type Aggregator struct {
	mu     sync.Mutex
	tokens map[domain.TokenKey]*entry

	nowMs func() int64
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		tokens: make(map[domain.TokenKey]*entry),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the time source, for tests.
func (a *Aggregator) SetClock(nowMs func() int64) { a.nowMs = nowMs }

// IngestDiscovery upserts discovery evidence. Discovery is immutable beyond
// metadata refresh: a re-discovery never erases yield/risk evidence already
// present for the context. Returns whether the token just became queueable
// for a decision.
func (a *Aggregator) IngestDiscovery(ev *domain.DiscoveryEvidence) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := domain.TokenKey{Address: ev.Address, Chain: ev.Chain}
	e := a.entryFor(key)

	if e.state.Discovery == nil {
		copied := *ev
		e.state.Discovery = &copied
	} else {
		// Idempotent no-op beyond updating discovery metadata.
		e.state.Discovery.Symbol = ev.Symbol
		e.state.Discovery.Name = ev.Name
	}
	e.state.LastUpdated = a.nowMs()

	return a.recomputeArming(e, false)
}

// IngestYield upserts yield evidence, latest-wins, keeping the previous
// observation for delta reporting. Returns whether the token just became
// queueable for a decision.
func (a *Aggregator) IngestYield(ev *domain.YieldEvidence) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := domain.TokenKey{Address: ev.Address, Chain: ev.Chain}
	e := a.entryFor(key)

	copied := *ev
	if e.state.Yield != nil && e.state.Yield.ObservedAt != ev.ObservedAt {
		e.state.PrevYield = e.state.Yield
	}
	e.state.Yield = &copied
	e.state.LastUpdated = a.nowMs()

	return a.recomputeArming(e, true)
}

// IngestRisk upserts risk evidence, latest-wins, keeping the previous
// observation for delta reporting. Returns whether the token just became
// queueable for a decision.
func (a *Aggregator) IngestRisk(ev *domain.RiskEvidence) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := domain.TokenKey{Address: ev.Address, Chain: ev.Chain}
	e := a.entryFor(key)

	copied := *ev
	if e.state.Risk != nil && e.state.Risk.ObservedAt != ev.ObservedAt {
		e.state.PrevRisk = e.state.Risk
	}
	e.state.Risk = &copied
	e.state.LastUpdated = a.nowMs()

	return a.recomputeArming(e, true)
}

// Get returns a copy of the current state for a token, or ErrUnknownToken.
func (a *Aggregator) Get(key domain.TokenKey) (*domain.TokenState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.tokens[key]
	if !ok {
		return nil, ErrUnknownToken
	}
	copied := copyState(&e.state)
	return copied, nil
}

// ListReady returns the keys of all tokens currently decision-ready, armed,
// and not claimed, sorted for deterministic drains.
func (a *Aggregator) ListReady() []domain.TokenKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	var keys []domain.TokenKey
	for key, e := range a.tokens {
		if e.state.DecisionReady() && e.armed && !e.claimed {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Claim atomically marks a token as taken by the drain loop. Returns the
// claimed state copy, or false when the token is not currently queueable.
func (a *Aggregator) Claim(key domain.TokenKey) (*domain.TokenState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.tokens[key]
	if !ok || !e.state.DecisionReady() || !e.armed || e.claimed {
		return nil, false
	}
	e.claimed = true
	return copyState(&e.state), true
}

// Release clears a claim after a failed decision so the next drain retries.
func (a *Aggregator) Release(key domain.TokenKey) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.tokens[key]; ok {
		e.claimed = false
	}
}

// MarkDecided clears the claim and disarms readiness, recording the evidence
// snapshots the decision was computed from. Readiness re-arms only when a
// later observation differs materially from these snapshots.
func (a *Aggregator) MarkDecided(key domain.TokenKey, yield domain.YieldEvidence, risk domain.RiskEvidence) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.tokens[key]
	if !ok {
		return
	}
	e.claimed = false
	e.armed = false
	e.decidedYield = &yield
	e.decidedRisk = &risk

	// Evidence that arrived while the claim was held still counts.
	a.recomputeArming(e, true)
}

// Snapshot returns copies of every token state, sorted by key, for the
// read-only dashboard feed.
func (a *Aggregator) Snapshot() []*domain.TokenState {
	a.mu.Lock()
	defer a.mu.Unlock()

	states := make([]*domain.TokenState, 0, len(a.tokens))
	for _, e := range a.tokens {
		states = append(states, copyState(&e.state))
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Key.String() < states[j].Key.String()
	})
	return states
}

// entryFor returns the entry for key, creating it on first sight.
func (a *Aggregator) entryFor(key domain.TokenKey) *entry {
	e, ok := a.tokens[key]
	if !ok {
		e = &entry{state: domain.TokenState{Key: key}}
		a.tokens[key] = e
	}
	return e
}

// recomputeArming re-evaluates whether the entry is armed after an ingest.
// Returns true when the token transitioned into the queueable state as a
// result of this call. Caller holds the lock.
func (a *Aggregator) recomputeArming(e *entry, evidenceChanged bool) bool {
	if !e.state.DecisionReady() {
		return false
	}

	wasQueueable := e.armed && !e.claimed

	if e.decidedYield == nil {
		// Never decided: readiness arms the moment the triple completes.
		e.armed = true
	} else if evidenceChanged && a.materiallyDiffers(e) {
		e.armed = true
	}

	return !wasQueueable && e.armed && !e.claimed
}

// materiallyDiffers compares current evidence against the last decided
// snapshots. Caller holds the lock.
func (a *Aggregator) materiallyDiffers(e *entry) bool {
	y, r := e.state.Yield, e.state.Risk
	dy, dr := e.decidedYield, e.decidedRisk

	if abs(r.Score-dr.Score) >= riskScoreRearmDelta {
		return true
	}
	if abs(r.ViralScore-dr.ViralScore) >= viralScoreRearmDelta {
		return true
	}
	if r.RugPullSuspected != dr.RugPullSuspected ||
		r.HoneypotSuspected != dr.HoneypotSuspected ||
		r.OwnershipRenounced != dr.OwnershipRenounced ||
		r.ContractVerified != dr.ContractVerified {
		return true
	}
	if abs(y.APY-dy.APY) >= apyRearmDelta {
		return true
	}
	if relDiff(y.TVLUSD, dy.TVLUSD) >= tvlRearmRelative {
		return true
	}
	return false
}

func copyState(s *domain.TokenState) *domain.TokenState {
	copied := *s
	if s.Discovery != nil {
		d := *s.Discovery
		copied.Discovery = &d
	}
	if s.Yield != nil {
		y := *s.Yield
		copied.Yield = &y
	}
	if s.PrevYield != nil {
		y := *s.PrevYield
		copied.PrevYield = &y
	}
	if s.Risk != nil {
		r := *s.Risk
		copied.Risk = &r
	}
	if s.PrevRisk != nil {
		r := *s.PrevRisk
		copied.PrevRisk = &r
	}
	return &copied
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return 1
	}
	return abs(a-b) / abs(b)
}
