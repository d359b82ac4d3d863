package providers

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cofferbank/coffer/internal/domain"
)

// Conservative defaults for providers that publish no explicit limits.
const (
	defaultRatePerMinute  = 60
	defaultMaxConcurrency = 4
)

// Gate bounds outbound calls to one provider: a token-bucket rate limit plus
// a hard cap on concurrent in-flight calls. Workers acquire before every
// provider call so a slow tenant cannot starve the provider quota.
type Gate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// NewGate builds a gate. Zero values fall back to conservative defaults.
func NewGate(ratePerMinute, maxConcurrency int) *Gate {
	if ratePerMinute <= 0 {
		ratePerMinute = defaultRatePerMinute
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	return &Gate{
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), maxConcurrency),
		slots:   make(chan struct{}, maxConcurrency),
	}
}

// Acquire blocks until a rate token and a concurrency slot are available, or
// the context expires. Callers must Release after the provider call returns.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, ctx.Err())
	}
}

// Release returns a concurrency slot.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// GateSet holds one gate per provider id.
type GateSet struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGateSet creates an empty gate set; gates are created lazily with the
// limits supplied per provider.
func NewGateSet() *GateSet {
	return &GateSet{gates: make(map[string]*Gate)}
}

// Configure installs a gate with explicit limits for a provider.
func (s *GateSet) Configure(providerID string, ratePerMinute, maxConcurrency int) {
	s.mu.Lock()
	s.gates[providerID] = NewGate(ratePerMinute, maxConcurrency)
	s.mu.Unlock()
}

// For returns the provider's gate, creating a default one on first use.
func (s *GateSet) For(providerID string) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[providerID]
	if !ok {
		g = NewGate(0, 0)
		s.gates[providerID] = g
	}
	return g
}
