// Package stub provides in-memory evidence sources for tests and for running
// the pipeline without live market-data collaborators.
package stub

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"token-sentinel/internal/domain"
)

// DiscoveryFeed emits a fixed sequence of discovery evidence, then keeps the
// channel open until the context is cancelled.
// Implements sources.DiscoveryFeed.
type DiscoveryFeed struct {
	evidence []*domain.DiscoveryEvidence
	interval time.Duration
}

// NewDiscoveryFeed creates a feed replaying the given evidence at interval.
// A zero interval emits everything immediately.
func NewDiscoveryFeed(evidence []*domain.DiscoveryEvidence, interval time.Duration) *DiscoveryFeed {
	return &DiscoveryFeed{evidence: evidence, interval: interval}
}

// Subscribe returns a channel replaying the configured evidence.
func (f *DiscoveryFeed) Subscribe(ctx context.Context) (<-chan *domain.DiscoveryEvidence, error) {
	ch := make(chan *domain.DiscoveryEvidence)
	go func() {
		defer close(ch)
		for _, ev := range f.evidence {
			if f.interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.interval):
				}
			}
			copied := *ev
			select {
			case <-ctx.Done():
				return
			case ch <- &copied:
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// YieldSource returns configured yield observations per address, with a
// deterministic synthetic fallback for unknown addresses.
// Implements sources.YieldSource.
type YieldSource struct {
	mu      sync.Mutex
	byAddr  map[string]*domain.YieldEvidence
	failFor map[string]error
	rng     *rand.Rand
}

// NewYieldSource creates a stub yield source.
func NewYieldSource() *YieldSource {
	return &YieldSource{
		byAddr:  make(map[string]*domain.YieldEvidence),
		failFor: make(map[string]error),
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Set fixes the observation returned for an address.
func (s *YieldSource) Set(address string, ev *domain.YieldEvidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ev
	s.byAddr[address] = &copied
}

// FailWith makes Fetch return err for an address.
func (s *YieldSource) FailWith(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[address] = err
}

// Fetch returns the configured or synthesized observation.
func (s *YieldSource) Fetch(_ context.Context, address, chain string) (*domain.YieldEvidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failFor[address]; ok {
		return nil, err
	}
	if ev, ok := s.byAddr[address]; ok {
		copied := *ev
		copied.ObservedAt = time.Now().UnixMilli()
		return &copied, nil
	}
	return &domain.YieldEvidence{
		Address:     address,
		Chain:       chain,
		PoolAddress: fmt.Sprintf("pool-%s", address),
		TVLUSD:      5_000 + s.rng.Float64()*100_000,
		APY:         s.rng.Float64() * 60,
		Volume24h:   s.rng.Float64() * 250_000,
		PriceUSD:    s.rng.Float64(),
		ObservedAt:  time.Now().UnixMilli(),
	}, nil
}

// RiskSource returns configured risk observations per address, with a
// deterministic synthetic fallback for unknown addresses.
// Implements sources.RiskSource.
type RiskSource struct {
	mu      sync.Mutex
	byAddr  map[string]*domain.RiskEvidence
	failFor map[string]error
	rng     *rand.Rand
}

// NewRiskSource creates a stub risk source.
func NewRiskSource() *RiskSource {
	return &RiskSource{
		byAddr:  make(map[string]*domain.RiskEvidence),
		failFor: make(map[string]error),
		rng:     rand.New(rand.NewSource(2)),
	}
}

// Set fixes the observation returned for an address.
func (s *RiskSource) Set(address string, ev *domain.RiskEvidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ev
	s.byAddr[address] = &copied
}

// FailWith makes Fetch return err for an address.
func (s *RiskSource) FailWith(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[address] = err
}

// Fetch returns the configured or synthesized observation.
func (s *RiskSource) Fetch(_ context.Context, address, chain string) (*domain.RiskEvidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failFor[address]; ok {
		return nil, err
	}
	if ev, ok := s.byAddr[address]; ok {
		copied := *ev
		copied.ObservedAt = time.Now().UnixMilli()
		return &copied, nil
	}
	return &domain.RiskEvidence{
		Address:            address,
		Chain:              chain,
		Score:              s.rng.Float64() * 100,
		OwnershipRenounced: s.rng.Intn(2) == 0,
		ContractVerified:   s.rng.Intn(2) == 0,
		ViralScore:         s.rng.Float64() * 100,
		ObservedAt:         time.Now().UnixMilli(),
	}, nil
}
