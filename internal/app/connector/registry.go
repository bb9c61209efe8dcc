package connector

import (
	"sort"

	"github.com/connector-orchestrator/internal/domain"
)

// Registry maps a provider kind to the strategy that syncs it. It is built
// once at startup and read concurrently afterwards.
type Registry struct {
	strategies map[domain.Provider]domain.SyncStrategy
}

func NewRegistry(strategies ...domain.SyncStrategy) *Registry {
	r := &Registry{strategies: make(map[domain.Provider]domain.SyncStrategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Provider()] = s
	}
	return r
}

func (r *Registry) Get(p domain.Provider) (domain.SyncStrategy, bool) {
	s, ok := r.strategies[p]
	return s, ok
}

func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.strategies))
	for p := range r.strategies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
