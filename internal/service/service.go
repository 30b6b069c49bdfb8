// Package service contains the pipeline's agents and the supervisor that
// wires them to the fabric. Each service owns one bounded inbox; the
// supervisor pumps envelopes from the inbox into the service's Handle,
// preserving per-context arrival order.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"token-sentinel/internal/fabric"
)

// Well-known endpoint ids on the fabric.
const (
	IDDiscovery  = "discovery"
	IDYield      = "yield"
	IDRisk       = "risk"
	IDAlert      = "alert"
	IDSettlement = "settlement"
	IDAssistant  = "assistant"
)

// Service is one agent in the pipeline.
type Service interface {
	// ID is the service's endpoint id on the fabric.
	ID() string

	// Handle processes one envelope. Called sequentially by the inbox pump;
	// implementations never block on a slow downstream.
	Handle(ctx context.Context, env fabric.Envelope)

	// Start launches the service's background loops, if any.
	Start(ctx context.Context) error

	// Stop shuts the background loops down and waits for them.
	Stop()
}

// Supervisor registers services with the fabric, pumps their inboxes, and
// starts them in registration order. Stop runs in reverse order so consumers
// drain before their producers go away.
type Supervisor struct {
	registry *fabric.Registry
	capacity int
	logger   zerolog.Logger

	services []Service
	inboxes  []*fabric.Inbox

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor delivering through the given registry.
// capacity bounds each service's inbox.
func NewSupervisor(registry *fabric.Registry, capacity int, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		capacity: capacity,
		logger:   logger.With().Str("component", "supervisor").Logger(),
	}
}

// Add appends a service to the start order. Must be called before Start.
func (s *Supervisor) Add(svc Service) {
	s.services = append(s.services, svc)
}

// Start registers every service's inbox with the fabric, launches the inbox
// pumps, then starts the services in registration order. On a start failure
// the already-started services are stopped in reverse and the error returned.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, svc := range s.services {
		inbox := fabric.NewInbox(svc.ID(), s.capacity)
		if err := s.registry.Register(inbox); err != nil {
			s.unwind()
			return fmt.Errorf("register %s: %w", svc.ID(), err)
		}
		s.inboxes = append(s.inboxes, inbox)

		s.wg.Add(1)
		go func(svc Service, inbox *fabric.Inbox) {
			defer s.wg.Done()
			inbox.Run(ctx, func(env fabric.Envelope) {
				svc.Handle(ctx, env)
			})
		}(svc, inbox)
	}

	for i, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.services[j].Stop()
			}
			s.unwind()
			return fmt.Errorf("start %s: %w", svc.ID(), err)
		}
		s.logger.Info().Str("service", svc.ID()).Msg("service started")
	}
	return nil
}

// Stop shuts the pipeline down: services in reverse start order, each
// deregistered from the fabric and its inbox closed and drained before its
// producers are touched.
func (s *Supervisor) Stop() {
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		s.registry.Deregister(svc.ID())
		s.inboxes[i].Close()
		svc.Stop()
		s.logger.Info().Str("service", svc.ID()).Msg("service stopped")
	}
	s.teardown()
}

// unwind reverses a partial Start: every inbox registered so far comes off
// the fabric and its pump drains before the error propagates.
func (s *Supervisor) unwind() {
	for i := len(s.inboxes) - 1; i >= 0; i-- {
		s.registry.Deregister(s.inboxes[i].ID())
	}
	s.teardown()
}

func (s *Supervisor) teardown() {
	for _, inbox := range s.inboxes {
		inbox.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
