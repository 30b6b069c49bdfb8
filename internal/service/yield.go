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

// fetchTimeout bounds every external evidence call. A source that cannot
// answer inside it is treated as failed and the degraded default emitted.
const fetchTimeout = 10 * time.Second

// Yield computes a yield observation for every discovered or re-analysis
// requested token and broadcasts it as a yield_report.
type Yield struct {
	id      string
	source  sources.YieldSource
	sender  fabric.Sender
	logger  zerolog.Logger
	metrics *observability.Metrics
	nowMs   func() int64

	mu       sync.Mutex
	previous map[domain.TokenKey]*domain.YieldEvidence
}

// NewYield creates the yield service.
func NewYield(source sources.YieldSource, sender fabric.Sender, logger zerolog.Logger, metrics *observability.Metrics) *Yield {
	return &Yield{
		id:       IDYield,
		source:   source,
		sender:   sender,
		logger:   logger.With().Str("service", IDYield).Logger(),
		metrics:  metrics,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		previous: make(map[domain.TokenKey]*domain.YieldEvidence),
	}
}

// ID implements Service.
func (y *Yield) ID() string { return y.id }

// Handle implements Service.
func (y *Yield) Handle(ctx context.Context, env fabric.Envelope) {
	switch env.Kind {
	case fabric.KindTokenDiscovery:
		ev, ok := env.Payload.(*domain.DiscoveryEvidence)
		if !ok {
			y.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		y.report(ctx, ev.Address, ev.Chain)
	case fabric.KindReanalysisRequest:
		req, ok := env.Payload.(*fabric.ReanalysisRequest)
		if !ok {
			y.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
			return
		}
		y.logger.Info().Str("address", req.Address).Str("reason", req.Reason).Msg("re-analysis requested")
		y.report(ctx, req.Address, req.Chain)
	default:
		y.logger.Debug().Str("kind", string(env.Kind)).Msg("envelope ignored")
	}
}

// Start implements Service.
func (y *Yield) Start(context.Context) error { return nil }

// Stop implements Service.
func (y *Yield) Stop() {}

func (y *Yield) report(ctx context.Context, address, chain string) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	ev, err := y.source.Fetch(fctx, address, chain)
	cancel()
	if err != nil {
		y.logger.Warn().Err(err).Str("address", address).Msg("yield source failed, using degraded default")
		ev = sources.DegradedYield(address, chain, y.nowMs())
	}

	key := domain.TokenKey{Address: address, Chain: chain}
	y.mu.Lock()
	prev := y.previous[key]
	y.previous[key] = ev
	y.mu.Unlock()

	payload := &fabric.YieldReport{Evidence: *ev, Previous: prev}
	if prev != nil {
		payload.DeltaAPY = ev.APY - prev.APY
	}

	env := fabric.Envelope{
		Kind:      fabric.KindYieldReport,
		ContextID: address,
		SourceID:  y.id,
		SentAt:    y.nowMs(),
		Payload:   payload,
	}
	if err := y.sender.Send(ctx, env); err != nil {
		y.logger.Error().Err(err).Str("address", address).Msg("yield report broadcast failed")
		return
	}
	y.metrics.IncMessageSent(string(env.Kind))
}
