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

// Discovery pumps the discovery feed onto the fabric as token_discovery
// broadcasts. Re-discoveries of a context already announced are dropped.
type Discovery struct {
	id      string
	feed    sources.DiscoveryFeed
	sender  fabric.Sender
	logger  zerolog.Logger
	metrics *observability.Metrics
	nowMs   func() int64

	mu   sync.Mutex
	seen map[domain.TokenKey]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscovery creates the discovery service.
func NewDiscovery(feed sources.DiscoveryFeed, sender fabric.Sender, logger zerolog.Logger, metrics *observability.Metrics) *Discovery {
	return &Discovery{
		id:      IDDiscovery,
		feed:    feed,
		sender:  sender,
		logger:  logger.With().Str("service", IDDiscovery).Logger(),
		metrics: metrics,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
		seen:    make(map[domain.TokenKey]struct{}),
	}
}

// ID implements Service.
func (d *Discovery) ID() string { return d.id }

// Handle implements Service. Discovery consumes nothing from the fabric.
func (d *Discovery) Handle(_ context.Context, env fabric.Envelope) {
	d.logger.Debug().Str("kind", string(env.Kind)).Msg("envelope ignored")
}

// Start subscribes to the feed and pumps listings onto the fabric until the
// context is cancelled or the feed closes.
func (d *Discovery) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	ch, err := d.feed.Subscribe(ctx)
	if err != nil {
		d.cancel()
		return err
	}

	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		for ev := range ch {
			d.announce(ctx, ev)
		}
		d.logger.Info().Msg("discovery feed closed")
	}()
	return nil
}

// Stop implements Service.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

func (d *Discovery) announce(ctx context.Context, ev *domain.DiscoveryEvidence) {
	key := domain.TokenKey{Address: ev.Address, Chain: ev.Chain}

	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		d.logger.Debug().Str("token", key.String()).Msg("re-discovery dropped")
		return
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()

	env := fabric.Envelope{
		Kind:      fabric.KindTokenDiscovery,
		ContextID: ev.Address,
		SourceID:  d.id,
		SentAt:    d.nowMs(),
		Payload:   ev,
	}
	if err := d.sender.Send(ctx, env); err != nil {
		d.logger.Error().Err(err).Str("token", key.String()).Msg("discovery broadcast failed")
		return
	}
	d.metrics.IncMessageSent(string(env.Kind))
	d.logger.Info().
		Str("token", key.String()).
		Str("symbol", ev.Symbol).
		Str("venue", ev.Venue).
		Msg("token discovered")
}
