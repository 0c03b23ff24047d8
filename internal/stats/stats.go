// Package stats collects request/cache counters and per-symbol latency
// percentiles for the provider's read-only statistics surface.
package stats

import (
	"sort"
	"sync"
	"time"
)

const maxLatencySamples = 1000

// LatencySummary is the percentile view over a symbol's recent samples.
type LatencySummary struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// Snapshot is the full statistics view. Read-only, side-effect-free.
type Snapshot struct {
	UptimeSeconds  float64                   `json:"uptime_seconds"`
	MarketRequests uint64                    `json:"market_requests"`
	KlineRequests  uint64                    `json:"kline_requests"`
	Errors         uint64                    `json:"errors"`
	CallbackErrors uint64                    `json:"callback_errors"`
	CacheHits      uint64                    `json:"cache_hits"`
	CacheMisses    uint64                    `json:"cache_misses"`
	CacheHitRate   float64                   `json:"cache_hit_rate"`
	StaleServed    uint64                    `json:"stale_served"`
	Latency        map[string]LatencySummary `json:"latency"`
}

// Collector accumulates counters and bounded latency rings. Safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	startedAt      time.Time
	marketRequests uint64
	klineRequests  uint64
	errors         uint64
	callbackErrors uint64
	cacheHits      uint64
	cacheMisses    uint64
	staleServed    uint64

	latency map[string][]float64 // symbol -> ms samples, ring of maxLatencySamples
}

func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		latency:   make(map[string][]float64),
	}
}

func (c *Collector) MarketRequest() {
	c.mu.Lock()
	c.marketRequests++
	c.mu.Unlock()
}

func (c *Collector) KlineRequest() {
	c.mu.Lock()
	c.klineRequests++
	c.mu.Unlock()
}

func (c *Collector) Error() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) CallbackError() {
	c.mu.Lock()
	c.callbackErrors++
	c.mu.Unlock()
}

func (c *Collector) Cache(hit bool) {
	c.mu.Lock()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
	c.mu.Unlock()
}

func (c *Collector) StaleServed() {
	c.mu.Lock()
	c.staleServed++
	c.mu.Unlock()
}

// Latency records one fetch duration for a symbol.
func (c *Collector) Latency(symbol string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	c.mu.Lock()
	samples := append(c.latency[symbol], ms)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	c.latency[symbol] = samples
	c.mu.Unlock()
}

// Snapshot copies the current counters and computes percentiles.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		UptimeSeconds:  time.Since(c.startedAt).Seconds(),
		MarketRequests: c.marketRequests,
		KlineRequests:  c.klineRequests,
		Errors:         c.errors,
		CallbackErrors: c.callbackErrors,
		CacheHits:      c.cacheHits,
		CacheMisses:    c.cacheMisses,
		StaleServed:    c.staleServed,
		Latency:        make(map[string]LatencySummary, len(c.latency)),
	}
	if total := c.cacheHits + c.cacheMisses; total > 0 {
		s.CacheHitRate = float64(c.cacheHits) / float64(total)
	}
	for symbol, samples := range c.latency {
		s.Latency[symbol] = summarize(samples)
	}
	return s
}

func summarize(samples []float64) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return LatencySummary{
		Samples: len(sorted),
		AvgMs:   sum / float64(len(sorted)),
		P50Ms:   percentile(sorted, 0.50),
		P95Ms:   percentile(sorted, 0.95),
		P99Ms:   percentile(sorted, 0.99),
		MaxMs:   sorted[len(sorted)-1],
	}
}

// percentile takes the nearest-rank value from an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
