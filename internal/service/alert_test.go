package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/aggregator"
	"token-sentinel/internal/domain"
	"token-sentinel/internal/fabric"
	"token-sentinel/internal/idhash"
	"token-sentinel/internal/storage/memory"
)

const testNowMs = int64(1_700_000_000_000)

func promisingEvidence(address string, yObs, rObs int64) (*domain.DiscoveryEvidence, *domain.YieldEvidence, *domain.RiskEvidence) {
	return &domain.DiscoveryEvidence{
			Address:      address,
			Chain:        "solana",
			Symbol:       "PRM",
			Venue:        "raydium",
			DiscoveredAt: testNowMs - 5000,
		}, &domain.YieldEvidence{
			Address:    address,
			Chain:      "solana",
			APY:        45,
			TVLUSD:     150_000,
			Volume24h:  80_000,
			ObservedAt: yObs,
		}, &domain.RiskEvidence{
			Address:            address,
			Chain:              "solana",
			Score:              25,
			OwnershipRenounced: true,
			ContractVerified:   true,
			ViralScore:         70,
			ObservedAt:         rObs,
		}
}

// newTestAlert builds an alert with long cadences so only RunTask drives the
// loops, started and cleaned up on the test's lifetime.
func newTestAlert(t *testing.T, opts AlertOptions) *Alert {
	t.Helper()
	if opts.Aggregator == nil {
		opts.Aggregator = aggregator.New()
	}
	if opts.Decisions == nil {
		opts.Decisions = memory.NewDecisionStore()
	}
	opts.Logger = zerolog.Nop()
	opts.DrainInterval = time.Hour
	opts.ReanalysisInterval = time.Hour
	opts.RollupInterval = time.Hour
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return testNowMs }
	}

	a := NewAlert(opts)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func TestAlert_DrainEmitsDecisionAndDispatchesHighConfidenceBuy(t *testing.T) {
	agg := aggregator.New()
	store := memory.NewDecisionStore()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Decisions: store, Sender: sender})

	disc, yield, risk := promisingEvidence("0xAAA", testNowMs-2000, testNowMs-1000)
	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	if err := a.RunTask(context.Background(), TaskDrain); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	stored, err := store.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("Expected 1 persisted decision, got %d", len(stored))
	}
	d := stored[0]
	if d.Classification != domain.ClassificationBuy {
		t.Errorf("Expected BUY, got %s (%s)", d.Classification, d.Reasoning)
	}
	if d.Confidence != 87 {
		t.Errorf("Expected confidence 87, got %.1f", d.Confidence)
	}

	sends := sender.byKind(fabric.KindAlertDecision)
	if len(sends) != 2 {
		t.Fatalf("Expected broadcast plus settlement dispatch, got %d sends", len(sends))
	}
	if len(sends[0].targets) != 0 {
		t.Errorf("Expected the first send to be a broadcast, got targets %v", sends[0].targets)
	}
	if len(sends[1].targets) != 1 || sends[1].targets[0] != IDSettlement {
		t.Errorf("Expected a targeted send to %s, got %v", IDSettlement, sends[1].targets)
	}
	if got := sends[0].env.Payload.(*domain.Decision).DecisionID; got != d.DecisionID {
		t.Errorf("Expected broadcast of decision %s, got %s", d.DecisionID, got)
	}

	if ready := agg.ListReady(); len(ready) != 0 {
		t.Errorf("Expected token disarmed after drain, got %d ready", len(ready))
	}
}

type panickyDecisionStore struct {
	*memory.DecisionStore
	panics int
}

func (p *panickyDecisionStore) Insert(ctx context.Context, d *domain.Decision) error {
	if p.panics > 0 {
		p.panics--
		panic("decision store unavailable")
	}
	return p.DecisionStore.Insert(ctx, d)
}

func TestAlert_DrainReleasesClaimWhenDecisionPassPanics(t *testing.T) {
	agg := aggregator.New()
	store := &panickyDecisionStore{DecisionStore: memory.NewDecisionStore(), panics: 1}
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Decisions: store, Sender: sender})

	disc, yield, risk := promisingEvidence("0xEEE", testNowMs-2000, testNowMs-1000)
	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	if err := a.RunTask(context.Background(), TaskDrain); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if sends := sender.byKind(fabric.KindAlertDecision); len(sends) != 0 {
		t.Fatalf("Expected no decision emitted on the failed pass, got %d sends", len(sends))
	}
	if ready := agg.ListReady(); len(ready) != 1 {
		t.Fatalf("Expected claim released for retry, got %d ready", len(ready))
	}

	if err := a.RunTask(context.Background(), TaskDrain); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	stored, err := store.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("Expected the retry to decide the token, got %d decisions", len(stored))
	}
	if sends := sender.byKind(fabric.KindAlertDecision); len(sends) == 0 {
		t.Error("Expected the retry to broadcast the decision")
	}
}

func TestAlert_DrainModestBuyNotDispatchedToSettlement(t *testing.T) {
	agg := aggregator.New()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Sender: sender})

	// All BUY criteria met, confidence 62: below the transfer cutoff.
	disc, yield, risk := promisingEvidence("0xCCC", testNowMs-2000, testNowMs-1000)
	yield.APY = 25
	yield.TVLUSD = 15_000
	risk.Score = 30
	risk.ViralScore = 40
	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	if err := a.RunTask(context.Background(), TaskDrain); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	sends := sender.byKind(fabric.KindAlertDecision)
	if len(sends) != 1 {
		t.Fatalf("Expected only the broadcast, got %d sends", len(sends))
	}
	if len(sends[0].targets) != 0 {
		t.Errorf("Expected a broadcast, got targets %v", sends[0].targets)
	}
}

func TestAlert_DrainDuplicateDecisionNotRebroadcast(t *testing.T) {
	agg := aggregator.New()
	store := memory.NewDecisionStore()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Decisions: store, Sender: sender})

	yObs, rObs := testNowMs-2000, testNowMs-1000
	disc, yield, risk := promisingEvidence("0xAAA", yObs, rObs)

	// Same evidence pair was already decided, e.g. before a restart.
	prior := &domain.Decision{
		DecisionID:     idhash.ComputeDecisionID("0xAAA", "solana", yObs, rObs),
		Address:        "0xAAA",
		Chain:          "solana",
		Classification: domain.ClassificationBuy,
		Confidence:     87,
		CreatedAt:      testNowMs - 500,
	}
	if err := store.Insert(context.Background(), prior); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	if err := a.RunTask(context.Background(), TaskDrain); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if sends := sender.byKind(fabric.KindAlertDecision); len(sends) != 0 {
		t.Errorf("Expected no re-broadcast of an already-decided pair, got %d", len(sends))
	}
	if ready := agg.ListReady(); len(ready) != 0 {
		t.Errorf("Expected token disarmed after duplicate resolution, got %d ready", len(ready))
	}
}

func TestAlert_HandleIngestsEvidenceAndDropsOwnEchoes(t *testing.T) {
	agg := aggregator.New()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Sender: sender})

	disc, yield, risk := promisingEvidence("0xAAA", testNowMs-2000, testNowMs-1000)
	ctx := context.Background()
	a.Handle(ctx, fabric.Envelope{Kind: fabric.KindTokenDiscovery, SourceID: IDDiscovery, Payload: disc})
	a.Handle(ctx, fabric.Envelope{Kind: fabric.KindYieldReport, SourceID: IDYield, Payload: &fabric.YieldReport{Evidence: *yield}})
	a.Handle(ctx, fabric.Envelope{Kind: fabric.KindRiskReport, SourceID: IDRisk, Payload: &fabric.RiskReport{Evidence: *risk}})

	if ready := agg.ListReady(); len(ready) != 1 {
		t.Fatalf("Expected 1 decision-ready token, got %d", len(ready))
	}

	// An echo of the service's own decision over a remote fabric leg must not
	// disturb the aggregator.
	a.Handle(ctx, fabric.Envelope{
		Kind:     fabric.KindAlertDecision,
		SourceID: IDAlert,
		Payload:  &domain.Decision{DecisionID: "echo"},
	})

	if ready := agg.ListReady(); len(ready) != 1 {
		t.Errorf("Expected aggregator untouched by echo, got %d ready", len(ready))
	}
}

func TestAlert_ReanalysisEmitsRiskChangeAndRequestsFreshEvidence(t *testing.T) {
	agg := aggregator.New()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Sender: sender})

	disc, yield, risk := promisingEvidence("0xAAA", testNowMs-4000, testNowMs-3000)
	risk.Score = 30
	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	worse := *risk
	worse.Score = 85
	worse.ObservedAt = testNowMs - 1000
	agg.IngestRisk(&worse)

	if err := a.RunTask(context.Background(), TaskReanalysis); err != nil {
		t.Fatalf("reanalysis failed: %v", err)
	}

	changes := sender.byKind(fabric.KindRiskChange)
	if len(changes) != 1 {
		t.Fatalf("Expected 1 risk change event, got %d", len(changes))
	}
	rc := changes[0].env.Payload.(*fabric.RiskChange)
	if rc.PrevScore != 30 || rc.NewScore != 85 {
		t.Errorf("Expected score move 30 -> 85, got %.0f -> %.0f", rc.PrevScore, rc.NewScore)
	}
	if rc.Delta != 55 {
		t.Errorf("Expected delta 55, got %.0f", rc.Delta)
	}
	if len(changes[0].targets) != 0 {
		t.Errorf("Expected risk change as broadcast, got targets %v", changes[0].targets)
	}

	requests := sender.byKind(fabric.KindReanalysisRequest)
	if len(requests) != 1 {
		t.Fatalf("Expected 1 re-analysis request, got %d", len(requests))
	}
	req := requests[0].env.Payload.(*fabric.ReanalysisRequest)
	if req.Address != "0xAAA" || req.Reason != "high_risk" {
		t.Errorf("Unexpected request %+v", req)
	}
	targets := requests[0].targets
	if len(targets) != 2 || targets[0] != IDYield || targets[1] != IDRisk {
		t.Errorf("Expected request targeted at yield and risk, got %v", targets)
	}
}

func TestAlert_ReanalysisRequestsFreshEvidenceForFlaggedLowScore(t *testing.T) {
	agg := aggregator.New()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Sender: sender})

	// Low composite score, but a rug-pull flag alone classifies AVOID and
	// must keep the token on the re-fetch list.
	disc, yield, risk := promisingEvidence("0xDDD", testNowMs-4000, testNowMs-3000)
	risk.Score = 20
	risk.RugPullSuspected = true
	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	if err := a.RunTask(context.Background(), TaskReanalysis); err != nil {
		t.Fatalf("reanalysis failed: %v", err)
	}

	requests := sender.byKind(fabric.KindReanalysisRequest)
	if len(requests) != 1 {
		t.Fatalf("Expected 1 re-analysis request, got %d", len(requests))
	}
	req := requests[0].env.Payload.(*fabric.ReanalysisRequest)
	if req.Address != "0xDDD" || req.Reason != "high_risk" {
		t.Errorf("Unexpected request %+v", req)
	}
}

func TestAlert_ReanalysisQuietForStableLowRisk(t *testing.T) {
	agg := aggregator.New()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Aggregator: agg, Sender: sender})

	disc, yield, risk := promisingEvidence("0xAAA", testNowMs-4000, testNowMs-3000)
	agg.IngestDiscovery(disc)
	agg.IngestYield(yield)
	agg.IngestRisk(risk)

	drifted := *risk
	drifted.Score = 35
	drifted.ObservedAt = testNowMs - 1000
	agg.IngestRisk(&drifted)

	if err := a.RunTask(context.Background(), TaskReanalysis); err != nil {
		t.Fatalf("reanalysis failed: %v", err)
	}

	if got := len(sender.byKind(fabric.KindRiskChange)); got != 0 {
		t.Errorf("Expected no risk change for a 10-point drift, got %d", got)
	}
	if got := len(sender.byKind(fabric.KindReanalysisRequest)); got != 0 {
		t.Errorf("Expected no re-analysis for a low-risk token, got %d", got)
	}
}

func TestAlert_RollupSummarizesTrailingWindow(t *testing.T) {
	store := memory.NewDecisionStore()
	history := memory.NewDecisionHistoryStore()
	sender := &recordingSender{}
	a := newTestAlert(t, AlertOptions{Decisions: store, History: history, Sender: sender})

	ctx := context.Background()
	windowStart := testNowMs - rollupWindowMs
	seed := []*domain.Decision{
		{DecisionID: "r1", Address: "0x1", Symbol: "ONE", Classification: domain.ClassificationBuy, Confidence: 90, CreatedAt: testNowMs - 1000},
		{DecisionID: "r2", Address: "0x2", Symbol: "TWO", Classification: domain.ClassificationWatch, Confidence: 40, CreatedAt: testNowMs - 2000},
		{DecisionID: "r3", Address: "0x3", Symbol: "THREE", Classification: domain.ClassificationAvoid, Confidence: 80, CreatedAt: windowStart},
		{DecisionID: "stale", Address: "0x4", Symbol: "FOUR", Classification: domain.ClassificationBuy, Confidence: 99, CreatedAt: windowStart - 1},
	}
	for _, d := range seed {
		if err := store.Insert(ctx, d); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}

	if err := a.RunTask(ctx, TaskRollup); err != nil {
		t.Fatalf("rollup failed: %v", err)
	}

	sends := sender.byKind(fabric.KindRollupSummary)
	if len(sends) != 1 {
		t.Fatalf("Expected 1 rollup broadcast, got %d", len(sends))
	}
	summary := sends[0].env.Payload.(*domain.RollupSummary)
	if summary.TotalDecisions != 3 {
		t.Errorf("Expected 3 decisions in the window, got %d", summary.TotalDecisions)
	}
	if summary.BuyCount != 1 || summary.WatchCount != 1 || summary.AvoidCount != 1 {
		t.Errorf("Unexpected counts: buy %d watch %d avoid %d", summary.BuyCount, summary.WatchCount, summary.AvoidCount)
	}
	if len(summary.TopByConfidence) != 3 {
		t.Fatalf("Expected 3 ranked briefs, got %d", len(summary.TopByConfidence))
	}
	wantOrder := []string{"r1", "r3", "r2"}
	for i, want := range wantOrder {
		if summary.TopByConfidence[i].DecisionID != want {
			t.Errorf("Rank %d: expected %s, got %s", i, want, summary.TopByConfidence[i].DecisionID)
		}
	}

	rows, err := history.GetByTimeRange(ctx, windowStart, testNowMs)
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("Expected 3 history rows, got %d", len(rows))
	}

	// Overlapping windows re-submit decisions already mirrored; the second
	// rollup must still succeed without duplicating rows.
	if err := a.RunTask(ctx, TaskRollup); err != nil {
		t.Fatalf("second rollup failed: %v", err)
	}
	rows, err = history.GetByTimeRange(ctx, windowStart, testNowMs)
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("Expected history rows unchanged after overlap, got %d", len(rows))
	}
}
