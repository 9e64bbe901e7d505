package matching

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// Registry maps order types to match strategies. It is safe for concurrent
// use, though in practice it is filled once at startup.
type Registry struct {
	strategies map[domain.OrderType]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[domain.OrderType]Strategy)}
}

// DefaultRegistry returns a registry with the limit and market strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.OrderTypeLimit, LimitStrategy{})
	r.Register(domain.OrderTypeMarket, MarketStrategy{})
	return r
}

// Register adds or replaces the strategy for t.
func (r *Registry) Register(t domain.OrderType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t] = s
}

// Get returns the strategy for t.
func (r *Registry) Get(t domain.OrderType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[t]
	if !ok {
		return nil, fmt.Errorf("matching: no strategy for order type %q: %w", t, domain.ErrInvalidOrder)
	}
	return s, nil
}

// List returns the registered order types, sorted.
func (r *Registry) List() []domain.OrderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.OrderType, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var stpPolicies = map[string]SelfTradePolicy{
	STPExpireTaker: ExpireTaker{},
	STPCancelMaker: CancelMaker{},
	STPCancelBoth:  CancelBoth{},
}

// STPPolicy resolves a self-trade policy by its config name. An empty name
// selects expire_taker.
func STPPolicy(name string) (SelfTradePolicy, error) {
	if name == "" {
		name = STPExpireTaker
	}
	p, ok := stpPolicies[name]
	if !ok {
		return nil, fmt.Errorf("matching: unknown stp policy %q", name)
	}
	return p, nil
}

// STPPolicies lists the known policy names, sorted.
func STPPolicies() []string {
	names := make([]string, 0, len(stpPolicies))
	for n := range stpPolicies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
