package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/domain"
	"token-sentinel/internal/fabric"
	"token-sentinel/internal/observability"
	"token-sentinel/internal/scheduler"
	"token-sentinel/internal/settlement"
)

// TaskRetrySettlements re-runs the ledger append for decisions whose last
// settlement attempt failed.
const TaskRetrySettlements = "retry_settlements"

const defaultRetryInterval = 30 * time.Second

// SettlementOptions configures the settlement service.
type SettlementOptions struct {
	Settler   *settlement.Settler
	Sender    fabric.Sender
	Scheduler *scheduler.Scheduler // optional, created when nil
	Logger    zerolog.Logger
	Metrics   *observability.Metrics

	RetryInterval time.Duration
	NowMs         func() int64
}

// Settlement consumes alert_decision envelopes, settles each decision exactly
// once against the audit ledger, and notifies the assistant of every record
// it produces.
type Settlement struct {
	id      string
	settler *settlement.Settler
	sender  fabric.Sender
	sched   *scheduler.Scheduler
	logger  zerolog.Logger
	metrics *observability.Metrics
	nowMs   func() int64

	retryInterval time.Duration
}

// NewSettlement creates the settlement service.
func NewSettlement(opts SettlementOptions) *Settlement {
	logger := opts.Logger.With().Str("service", IDSettlement).Logger()

	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New(logger)
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	return &Settlement{
		id:            IDSettlement,
		settler:       opts.Settler,
		sender:        opts.Sender,
		sched:         sched,
		logger:        logger,
		metrics:       opts.Metrics,
		nowMs:         nowMs,
		retryInterval: opts.RetryInterval,
	}
}

// ID implements Service.
func (s *Settlement) ID() string { return s.id }

// Handle implements Service.
func (s *Settlement) Handle(ctx context.Context, env fabric.Envelope) {
	if env.Kind != fabric.KindAlertDecision {
		s.logger.Debug().Str("kind", string(env.Kind)).Msg("envelope ignored")
		return
	}
	d, ok := env.Payload.(*domain.Decision)
	if !ok {
		s.logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected payload type")
		return
	}

	rec, err := s.settler.Settle(ctx, d)
	if err != nil {
		if errors.Is(err, settlement.ErrAlreadySettled) {
			s.logger.Debug().Str("decision_id", d.DecisionID).Msg("decision already settled")
			return
		}
		s.logger.Error().Err(err).Str("decision_id", d.DecisionID).Msg("settlement failed")
	}
	if rec == nil {
		return
	}

	s.metrics.IncSettlement(string(rec.Status))
	switch rec.Status {
	case domain.StatusCompleted:
		s.metrics.IncLedgerAppend()
	case domain.StatusFailed:
		s.metrics.IncLedgerFailure()
	}
	s.notify(ctx, rec)
}

// Start launches the retry loop.
func (s *Settlement) Start(ctx context.Context) error {
	if err := s.sched.Register(TaskRetrySettlements, s.retryInterval, s.retry); err != nil {
		return err
	}
	s.sched.Start(ctx)
	return nil
}

// Stop implements Service.
func (s *Settlement) Stop() {
	s.sched.Stop()
}

// RunTask triggers one synchronous retry cycle, for tests.
func (s *Settlement) RunTask(ctx context.Context, name string) error {
	return s.sched.RunOnce(ctx, name)
}

func (s *Settlement) retry(ctx context.Context) error {
	if n := s.settler.RetryFailed(ctx); n > 0 {
		s.logger.Info().Int("retried", n).Msg("failed settlements retried")
	}
	return nil
}

// notify sends the settlement record point-to-point to the assistant's read
// model. A missing assistant is logged and skipped by the fabric.
func (s *Settlement) notify(ctx context.Context, rec *domain.SettlementRecord) {
	env := fabric.Envelope{
		Kind:      fabric.KindSettlementRequest,
		ContextID: rec.DecisionID,
		SourceID:  s.id,
		SentAt:    s.nowMs(),
		Payload:   rec,
	}
	if err := s.sender.Send(ctx, env, IDAssistant); err != nil {
		s.logger.Error().Err(err).Str("settlement_id", rec.SettlementID).Msg("assistant notify failed")
		return
	}
	s.metrics.IncMessageSent(string(env.Kind))
}
