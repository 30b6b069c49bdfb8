package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/aggregator"
	"token-sentinel/internal/domain"
	"token-sentinel/internal/engine"
	"token-sentinel/internal/fabric"
	"token-sentinel/internal/observability"
	"token-sentinel/internal/scheduler"
	"token-sentinel/internal/storage"
)

// Task names on the alert service's scheduler.
const (
	TaskDrain      = "drain"
	TaskReanalysis = "reanalysis"
	TaskRollup     = "rollup"
)

// Default cadences.
const (
	defaultDrainInterval      = 10 * time.Second
	defaultReanalysisInterval = time.Hour
	defaultRollupInterval     = 24 * time.Hour
	defaultRollupTopN         = 5
	defaultTransferConfidence = 80.0
)

// rollupWindowMs is the trailing window a rollup summary covers.
const rollupWindowMs = int64(24 * time.Hour / time.Millisecond)

// AlertOptions configures the alert service.
type AlertOptions struct {
	Aggregator *aggregator.Aggregator
	Decisions  storage.DecisionStore
	History    storage.DecisionHistoryStore // optional analytics sink
	Sender     fabric.Sender
	Scheduler  *scheduler.Scheduler // optional, created when nil
	Logger     zerolog.Logger
	Metrics    *observability.Metrics

	DrainInterval      time.Duration
	ReanalysisInterval time.Duration
	RollupInterval     time.Duration
	RollupTopN         int

	// BUY decisions at or above this confidence are additionally sent
	// point-to-point to the settlement endpoint.
	TransferMinConfidence float64

	NowMs func() int64
}

// Alert is the decision service: it owns the aggregator, runs the drain,
// re-analysis, and rollup loops, and is the only emitter of alert_decision.
type Alert struct {
	id      string
	agg     *aggregator.Aggregator
	store   storage.DecisionStore
	history storage.DecisionHistoryStore
	sender  fabric.Sender
	sched   *scheduler.Scheduler
	logger  zerolog.Logger
	metrics *observability.Metrics
	nowMs   func() int64

	drainInterval      time.Duration
	reanalysisInterval time.Duration
	rollupInterval     time.Duration
	rollupTopN         int
	transferMinConf    float64
}

// NewAlert creates the alert service.
func NewAlert(opts AlertOptions) *Alert {
	logger := opts.Logger.With().Str("service", IDAlert).Logger()

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New(logger)
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	if opts.ReanalysisInterval <= 0 {
		opts.ReanalysisInterval = defaultReanalysisInterval
	}
	if opts.RollupInterval <= 0 {
		opts.RollupInterval = defaultRollupInterval
	}
	if opts.RollupTopN <= 0 {
		opts.RollupTopN = defaultRollupTopN
	}
	if opts.TransferMinConfidence <= 0 {
		opts.TransferMinConfidence = defaultTransferConfidence
	}

	return &Alert{
		id:                 IDAlert,
		agg:                opts.Aggregator,
		store:              opts.Decisions,
		history:            opts.History,
		sender:             opts.Sender,
		sched:              sched,
		logger:             logger,
		metrics:            opts.Metrics,
		nowMs:              nowMs,
		drainInterval:      opts.DrainInterval,
		reanalysisInterval: opts.ReanalysisInterval,
		rollupInterval:     opts.RollupInterval,
		rollupTopN:         opts.RollupTopN,
		transferMinConf:    opts.TransferMinConfidence,
	}
}

// ID implements Service.
func (a *Alert) ID() string { return a.id }

// Handle implements Service. Evidence kinds feed the aggregator; everything
// else, including echoes of the service's own decisions arriving over a
// remote fabric, is dropped.
func (a *Alert) Handle(_ context.Context, env fabric.Envelope) {
	switch env.Kind {
	case fabric.KindTokenDiscovery:
		ev, ok := env.Payload.(*domain.DiscoveryEvidence)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.agg.IngestDiscovery(ev)
		a.metrics.IncEvidence(string(env.Kind))
	case fabric.KindYieldReport:
		rep, ok := env.Payload.(*fabric.YieldReport)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.agg.IngestYield(&rep.Evidence)
		a.metrics.IncEvidence(string(env.Kind))
	case fabric.KindRiskReport, fabric.KindHighRiskAlert:
		rep, ok := env.Payload.(*fabric.RiskReport)
		if !ok {
			a.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		a.agg.IngestRisk(&rep.Evidence)
		a.metrics.IncEvidence(string(env.Kind))
	case fabric.KindAlertDecision:
		if env.SourceID == a.id {
			return
		}
		a.logger.Debug().Str("source", env.SourceID).Msg("foreign decision ignored")
	default:
		a.logger.Debug().Str("kind", string(env.Kind)).Msg("envelope ignored")
	}
}

// Start registers and launches the three loops.
func (a *Alert) Start(ctx context.Context) error {
	if err := a.sched.Register(TaskDrain, a.drainInterval, a.drain); err != nil {
		return err
	}
	if err := a.sched.Register(TaskReanalysis, a.reanalysisInterval, a.reanalyze); err != nil {
		return err
	}
	if err := a.sched.Register(TaskRollup, a.rollupInterval, a.rollup); err != nil {
		return err
	}
	a.sched.Start(ctx)
	return nil
}

// Stop implements Service.
func (a *Alert) Stop() {
	a.sched.Stop()
}

// RunTask triggers one synchronous cycle of a named loop. Tests use this
// instead of waiting on tickers.
func (a *Alert) RunTask(ctx context.Context, name string) error {
	return a.sched.RunOnce(ctx, name)
}

// drain claims every queueable token, decides it, persists and broadcasts
// the decision, and marks the evidence snapshots decided. A store failure
// releases the claim so the next cycle retries.
func (a *Alert) drain(ctx context.Context) error {
	keys := a.agg.ListReady()
	a.metrics.SetTokensReady(len(keys))

	for _, key := range keys {
		state, ok := a.agg.Claim(key)
		if !ok {
			continue
		}
		a.decideOne(ctx, key, state)
	}

	a.metrics.SetTokensTracked(len(a.agg.Snapshot()))
	if a.metrics != nil {
		a.metrics.DrainCycles.Inc()
	}
	return nil
}

// decideOne decides a single claimed token. A claim must never outlive the
// pass that took it: any panic before the token is marked decided releases
// the claim so the next cycle retries.
func (a *Alert) decideOne(ctx context.Context, key domain.TokenKey, state *domain.TokenState) {
	settled := false
	defer func() {
		if r := recover(); r != nil {
			a.agg.Release(key)
			a.logger.Error().Str("token", key.String()).Interface("panic", r).Msg("decision pass panicked")
		} else if !settled {
			a.agg.Release(key)
		}
	}()
	claimedAt := a.nowMs()

	d := engine.Decide(state.Discovery, state.Yield, state.Risk, a.nowMs())

	if err := a.store.Insert(ctx, d); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Same evidence pair was decided before the restart or on
			// another node; nothing new to emit.
			a.agg.MarkDecided(key, *state.Yield, *state.Risk)
			settled = true
			return
		}
		a.logger.Error().Err(err).Str("token", key.String()).Msg("decision insert failed")
		return
	}

	env := fabric.Envelope{
		Kind:      fabric.KindAlertDecision,
		ContextID: d.Address,
		SourceID:  a.id,
		SentAt:    a.nowMs(),
		Payload:   d,
	}
	if err := a.sender.Send(ctx, env); err != nil {
		a.logger.Error().Err(err).Str("decision_id", d.DecisionID).Msg("decision broadcast failed")
	}
	a.metrics.IncMessageSent(string(env.Kind))

	if d.Classification == domain.ClassificationBuy && d.Confidence >= a.transferMinConf {
		if err := a.sender.Send(ctx, env, IDSettlement); err != nil {
			a.logger.Error().Err(err).Str("decision_id", d.DecisionID).Msg("settlement dispatch failed")
		}
	}

	a.agg.MarkDecided(key, *state.Yield, *state.Risk)
	settled = true

	a.metrics.IncDecision(string(d.Classification))
	a.metrics.ObserveDecisionLatency(float64(a.nowMs()-claimedAt) / 1000)
	a.logger.Info().
		Str("token", key.String()).
		Str("classification", string(d.Classification)).
		Float64("confidence", d.Confidence).
		Str("reasoning", d.Reasoning).
		Msg("decision emitted")
}

// reanalyze walks every tracked token: material risk moves become risk_change
// events, and still-dangerous tokens get a fresh evidence pass requested.
func (a *Alert) reanalyze(ctx context.Context) error {
	for _, st := range a.agg.Snapshot() {
		if st.Risk == nil {
			continue
		}

		if engine.MaterialRiskChange(st.PrevRisk, st.Risk) {
			env := fabric.Envelope{
				Kind:      fabric.KindRiskChange,
				ContextID: st.Key.Address,
				SourceID:  a.id,
				SentAt:    a.nowMs(),
				Payload: &fabric.RiskChange{
					Address:    st.Key.Address,
					Chain:      st.Key.Chain,
					PrevScore:  st.PrevRisk.Score,
					NewScore:   st.Risk.Score,
					Delta:      st.Risk.Score - st.PrevRisk.Score,
					ObservedAt: st.Risk.ObservedAt,
				},
			}
			if err := a.sender.Send(ctx, env); err != nil {
				a.logger.Error().Err(err).Str("token", st.Key.String()).Msg("risk change broadcast failed")
			}
			a.metrics.IncMessageSent(string(env.Kind))
		}

		// Same predicate the decision engine classifies AVOID by: any token
		// whose latest evidence still reads AVOID gets a fresh pass.
		if st.Risk.Score >= highRiskScore || st.Risk.RugPullSuspected || st.Risk.HoneypotSuspected {
			env := fabric.Envelope{
				Kind:      fabric.KindReanalysisRequest,
				ContextID: st.Key.Address,
				SourceID:  a.id,
				SentAt:    a.nowMs(),
				Payload: &fabric.ReanalysisRequest{
					Address: st.Key.Address,
					Chain:   st.Key.Chain,
					Reason:  "high_risk",
				},
			}
			if err := a.sender.Send(ctx, env, IDYield, IDRisk); err != nil {
				a.logger.Error().Err(err).Str("token", st.Key.String()).Msg("re-analysis request failed")
			}
			a.metrics.IncMessageSent(string(env.Kind))
		}
	}

	if a.metrics != nil {
		a.metrics.ReanalysisCycles.Inc()
	}
	return nil
}

// rollup computes the trailing-window summary, broadcasts it, and mirrors the
// window's decisions into the analytics history store when one is configured.
func (a *Alert) rollup(ctx context.Context) error {
	end := a.nowMs()
	start := end - rollupWindowMs

	decisions, err := a.store.ListSince(ctx, start)
	if err != nil {
		return err
	}

	summary := &domain.RollupSummary{
		WindowStart:    start,
		WindowEnd:      end,
		TotalDecisions: len(decisions),
		GeneratedAt:    end,
	}
	for _, d := range decisions {
		switch d.Classification {
		case domain.ClassificationBuy:
			summary.BuyCount++
		case domain.ClassificationWatch:
			summary.WatchCount++
		case domain.ClassificationAvoid:
			summary.AvoidCount++
		}
	}

	ranked := make([]*domain.Decision, len(decisions))
	copy(ranked, decisions)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Confidence > ranked[j].Confidence })
	for i := 0; i < len(ranked) && i < a.rollupTopN; i++ {
		d := ranked[i]
		summary.TopByConfidence = append(summary.TopByConfidence, domain.DecisionBrief{
			DecisionID:     d.DecisionID,
			Address:        d.Address,
			Symbol:         d.Symbol,
			Classification: d.Classification,
			Confidence:     d.Confidence,
		})
	}

	env := fabric.Envelope{
		Kind:     fabric.KindRollupSummary,
		SourceID: a.id,
		SentAt:   a.nowMs(),
		Payload:  summary,
	}
	if err := a.sender.Send(ctx, env); err != nil {
		a.logger.Error().Err(err).Msg("rollup broadcast failed")
	}
	a.metrics.IncMessageSent(string(env.Kind))

	if a.history != nil && len(decisions) > 0 {
		rows := make([]*domain.DecisionHistoryRow, 0, len(decisions))
		for _, d := range decisions {
			rows = append(rows, &domain.DecisionHistoryRow{
				DecisionID:     d.DecisionID,
				Address:        d.Address,
				Chain:          d.Chain,
				Symbol:         d.Symbol,
				Classification: string(d.Classification),
				Confidence:     d.Confidence,
				RiskScore:      d.RiskSnapshot.Score,
				APY:            d.YieldSnapshot.APY,
				TVLUSD:         d.YieldSnapshot.TVLUSD,
				CreatedAt:      d.CreatedAt,
			})
		}
		if err := a.history.InsertBulk(ctx, rows); err != nil {
			a.logger.Error().Err(err).Int("rows", len(rows)).Msg("history insert failed")
		}
	}

	if a.metrics != nil {
		a.metrics.RollupsComputed.Inc()
	}
	a.logger.Info().
		Int("total", summary.TotalDecisions).
		Int("buy", summary.BuyCount).
		Int("watch", summary.WatchCount).
		Int("avoid", summary.AvoidCount).
		Msg("rollup computed")
	return nil
}
