package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/fabric"
	"token-sentinel/internal/observability"
	"token-sentinel/internal/sources"
)

// highRiskScore is the composite score at which a risk observation is
// escalated as a high_risk_alert rather than a plain report.
const highRiskScore = 80.0

// Risk computes a risk observation for every discovered or re-analysis
// requested token and broadcasts it as a risk_report, escalating extreme
// scores as high_risk_alert.
type Risk struct {
	id      string
	source  sources.RiskSource
	sender  fabric.Sender
	logger  zerolog.Logger
	metrics *observability.Metrics
	nowMs   func() int64

	mu       sync.Mutex
	previous map[domain.TokenKey]*domain.RiskEvidence
}

// NewRisk creates the risk service.
func NewRisk(source sources.RiskSource, sender fabric.Sender, logger zerolog.Logger, metrics *observability.Metrics) *Risk {
	return &Risk{
		id:       IDRisk,
		source:   source,
		sender:   sender,
		logger:   logger.With().Str("service", IDRisk).Logger(),
		metrics:  metrics,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		previous: make(map[domain.TokenKey]*domain.RiskEvidence),
	}
}

// ID implements Service.
func (r *Risk) ID() string { return r.id }

// Handle implements Service.
func (r *Risk) Handle(ctx context.Context, env fabric.Envelope) {
	switch env.Kind {
	case fabric.KindTokenDiscovery:
		ev, ok := env.Payload.(*domain.DiscoveryEvidence)
		if !ok {
			r.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		r.report(ctx, ev.Address, ev.Chain)
	case fabric.KindReanalysisRequest:
		req, ok := env.Payload.(*fabric.ReanalysisRequest)
		if !ok {
			r.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		r.logger.Info().Str("address", req.Address).Str("reason", req.Reason).Msg("re-analysis requested")
		r.report(ctx, req.Address, req.Chain)
	default:
		r.logger.Debug().Str("kind", string(env.Kind)).Msg("envelope ignored")
	}
}

// Start implements Service.
func (r *Risk) Start(context.Context) error { return nil }

// Stop implements Service.
func (r *Risk) Stop() {}

func (r *Risk) report(ctx context.Context, address, chain string) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	ev, err := r.source.Fetch(fctx, address, chain)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Str("address", address).Msg("risk source failed, using degraded default")
		ev = sources.DegradedRisk(address, chain, r.nowMs())
	}

	key := domain.TokenKey{Address: address, Chain: chain}
	r.mu.Lock()
	prev := r.previous[key]
	r.previous[key] = ev
	r.mu.Unlock()

	env := fabric.Envelope{
		Kind:      fabric.KindRiskReport,
		ContextID: address,
		SourceID:  r.id,
		SentAt:    r.nowMs(),
		Payload:   &fabric.RiskReport{Evidence: *ev, Previous: prev},
	}
	if err := r.sender.Send(ctx, env); err != nil {
		r.logger.Error().Err(err).Str("address", address).Msg("risk report broadcast failed")
		return
	}
	r.metrics.IncMessageSent(string(env.Kind))

	if ev.Score >= highRiskScore {
		alert := fabric.Envelope{
			Kind:      fabric.KindHighRiskAlert,
			ContextID: address,
			SourceID:  r.id,
			SentAt:    r.nowMs(),
			Payload:   &fabric.RiskReport{Evidence: *ev, Previous: prev},
		}
		if err := r.sender.Send(ctx, alert); err != nil {
			r.logger.Error().Err(err).Str("address", address).Msg("high risk alert broadcast failed")
			return
		}
		r.metrics.IncMessageSent(string(alert.Kind))
		r.logger.Warn().
			Str("token", key.String()).
			Float64("score", ev.Score).
			Msg("high risk token")
	}
}
