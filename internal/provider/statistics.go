package provider

import (
	"time"

	"mdprovider/internal/breaker"
	"mdprovider/internal/stats"
)

// SourceStatus is the liveness view of one registered source.
type SourceStatus struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	Connected  bool      `json:"connected"`
	LastActive time.Time `json:"last_active"`
}

// Statistics is the full operational snapshot of the provider.
type Statistics struct {
	Requests stats.Snapshot            `json:"requests"`
	Sources  []SourceStatus            `json:"sources"`
	Breakers map[string]breaker.Status `json:"breakers"`

	LocalSnapshots int `json:"local_snapshots"`
	LocalKlines    int `json:"local_klines"`
}

// GetStatistics assembles counters, per-symbol latency percentiles,
// source liveness, breaker states and cache occupancy.
func (p *Provider) GetStatistics() Statistics {
	s := Statistics{
		Requests: p.stats.Snapshot(),
		Breakers: p.breakers.Snapshot(),
	}
	s.LocalSnapshots, s.LocalKlines = p.cache.Len()

	for _, reg := range p.orderedSources() {
		connected, lastActive := reg.state()
		s.Sources = append(s.Sources, SourceStatus{
			ID:         reg.src.Name(),
			Priority:   reg.priority,
			Connected:  connected,
			LastActive: lastActive,
		})
	}
	return s
}
