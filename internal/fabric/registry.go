package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDuplicateEndpoint is returned when registering an id twice.
var ErrDuplicateEndpoint = errors.New("endpoint already registered")

// Endpoint is anything the registry can deliver envelopes to: a local inbox
// or a remote connection held by the WebSocket gateway.
type Endpoint interface {
	ID() string
	Deliver(env Envelope) error
}

// Sender is the delivery primitive services depend on. Both the in-process
// Registry and the WebSocket Remote satisfy it, which is what makes the
// transport swappable without touching business logic.
type Sender interface {
	// Send delivers the envelope to the named targets, or to every
	// registered endpoint except the source when no targets are given.
	// Unreachable targets are logged and skipped; Send never fails the
	// caller because one receiver is down.
	Send(ctx context.Context, env Envelope, targets ...string) error
}

// Registry is the in-process fabric: a directory of service endpoints with
// broadcast and point-to-point delivery.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	logger    zerolog.Logger

	onDropped func(target string, env Envelope) // optional observability hook
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		logger:    logger.With().Str("component", "fabric").Logger(),
	}
}

// OnDropped installs a hook invoked whenever delivery to a target is skipped.
// Must be called during wiring, before any traffic flows.
func (r *Registry) OnDropped(fn func(target string, env Envelope)) {
	r.onDropped = fn
}

// Register adds an endpoint to the directory.
func (r *Registry) Register(ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.ID())
	}
	r.endpoints[ep.ID()] = ep
	r.logger.Info().Str("endpoint", ep.ID()).Msg("endpoint registered")
	return nil
}

// Deregister removes an endpoint. Unknown ids are a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[id]; exists {
		delete(r.endpoints, id)
		r.logger.Info().Str("endpoint", id).Msg("endpoint deregistered")
	}
}

// Endpoints returns the registered endpoint ids, sorted.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send implements Sender. With no targets it broadcasts to every registered
// endpoint except env.SourceID (a service never receives its own broadcast;
// echoes from remote fabrics are additionally filtered by the receiver).
func (r *Registry) Send(_ context.Context, env Envelope, targets ...string) error {
	r.mu.RLock()
	var eps []Endpoint
	if len(targets) == 0 {
		eps = make([]Endpoint, 0, len(r.endpoints))
		for id, ep := range r.endpoints {
			if id == env.SourceID {
				continue
			}
			eps = append(eps, ep)
		}
	} else {
		eps = make([]Endpoint, 0, len(targets))
		for _, id := range targets {
			ep, ok := r.endpoints[id]
			if !ok {
				r.warnSkip(id, env, errors.New("unknown endpoint"))
				continue
			}
			eps = append(eps, ep)
		}
	}
	r.mu.RUnlock()

	for _, ep := range eps {
		if err := ep.Deliver(env); err != nil {
			r.warnSkip(ep.ID(), env, err)
		}
	}
	return nil
}

func (r *Registry) warnSkip(target string, env Envelope, err error) {
	r.logger.Warn().
		Str("target", target).
		Str("kind", string(env.Kind)).
		Str("context_id", env.ContextID).
		Err(err).
		Msg("delivery skipped")

	if r.onDropped != nil {
		r.onDropped(target, env)
	}
}
