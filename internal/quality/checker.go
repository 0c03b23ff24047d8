// Package quality detects anomalies in incoming market data: price gaps,
// volume spikes, broken kline spacing and volatility bursts. Checking is
// advisory only; it never blocks or mutates the data being checked.
package quality

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdprovider/pkg/market"
)

// Issue kinds reported through Anomaly events.
const (
	IssuePriceGap        = "price_gap"
	IssueVolumeSpike     = "volume_spike"
	IssueKlineGap        = "kline_gap"
	IssueVolatilitySpike = "volatility_spike"
)

// Anomaly is one flagged data-quality issue.
type Anomaly struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval,omitempty"`
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`     // measured value
	Baseline  float64   `json:"baseline"`  // rolling reference it was compared against
	Deviation float64   `json:"deviation"` // relative deviation or multiple
	Timestamp time.Time `json:"timestamp"`
}

// AnomalyHandler consumes flagged issues (alerting, telemetry).
type AnomalyHandler func(Anomaly)

type Config struct {
	// PriceGapThreshold is the relative distance from the rolling mean
	// price that flags a gap. Defaults to 0.05 (5%).
	PriceGapThreshold float64
	// VolumeSpikeMultiplier flags volume above this multiple of the
	// rolling mean. Defaults to 10.
	VolumeSpikeMultiplier float64
	// VolatilityMultiplier flags return stddev above this multiple of
	// the rolling mean volatility. Defaults to 3.
	VolatilityMultiplier float64
	// MinAlertInterval suppresses repeat alerts of the same kind for the
	// same symbol. Defaults to 60s.
	MinAlertInterval time.Duration
}

func (c *Config) defaults() {
	if c.PriceGapThreshold <= 0 {
		c.PriceGapThreshold = 0.05
	}
	if c.VolumeSpikeMultiplier <= 0 {
		c.VolumeSpikeMultiplier = 10
	}
	if c.VolatilityMultiplier <= 0 {
		c.VolatilityMultiplier = 3
	}
	if c.MinAlertInterval <= 0 {
		c.MinAlertInterval = 60 * time.Second
	}
}

const (
	priceHistoryLen      = 100
	volumeHistoryLen     = 100
	volatilityHistoryLen = 20
	minVolatilitySamples = 5
)

// ring is a fixed-capacity rolling window of float64 samples.
type ring struct {
	buf  []float64
	next int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, 0, capacity)}
}

func (r *ring) push(v float64) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
}

func (r *ring) len() int { return len(r.buf) }

func (r *ring) mean() float64 {
	if len(r.buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.buf {
		sum += v
	}
	return sum / float64(len(r.buf))
}

type symbolHistory struct {
	prices     *ring
	volumes    *ring
	volatility *ring
	lastAlert  map[string]time.Time // issue kind -> last emit
}

// Checker keeps per-symbol rolling history and flags anomalies against
// it. Safe for concurrent use.
type Checker struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	history map[string]*symbolHistory
	handler AnomalyHandler
	now     func() time.Time
}

func NewChecker(cfg Config, logger *zap.Logger) *Checker {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:     cfg,
		logger:  logger,
		history: make(map[string]*symbolHistory),
		now:     time.Now,
	}
}

// SetAnomalyHandler registers the event sink for flagged issues.
func (c *Checker) SetAnomalyHandler(h AnomalyHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Checker) historyFor(key string) *symbolHistory {
	h, ok := c.history[key]
	if !ok {
		h = &symbolHistory{
			prices:     newRing(priceHistoryLen),
			volumes:    newRing(volumeHistoryLen),
			volatility: newRing(volatilityHistoryLen),
			lastAlert:  make(map[string]time.Time),
		}
		c.history[key] = h
	}
	return h
}

// suppressed applies the per-(symbol,kind) alert rate limit and stamps
// the alert time when it fires. Caller holds c.mu.
func (c *Checker) suppressed(h *symbolHistory, kind string, now time.Time) bool {
	if last, ok := h.lastAlert[kind]; ok && now.Sub(last) < c.cfg.MinAlertInterval {
		return true
	}
	h.lastAlert[kind] = now
	return false
}

// CheckSnapshot inspects one snapshot against the symbol's rolling
// history and returns the flagged issues, if any.
func (c *Checker) CheckSnapshot(symbol string, snap market.Snapshot) []Anomaly {
	if snap.LastPrice == 0 {
		return nil
	}
	now := c.now()

	c.mu.Lock()
	h := c.historyFor(symbol)

	var issues []Anomaly
	if h.prices.len() > 0 {
		mean := h.prices.mean()
		if mean > 0 {
			dev := (snap.LastPrice - mean) / mean
			if math.Abs(dev) > c.cfg.PriceGapThreshold && !c.suppressed(h, IssuePriceGap, now) {
				issues = append(issues, Anomaly{
					Symbol: symbol, Kind: IssuePriceGap,
					Value: snap.LastPrice, Baseline: mean, Deviation: dev,
					Timestamp: now,
				})
			}
		}
	}
	if h.volumes.len() > 0 {
		mean := h.volumes.mean()
		if mean > 0 && snap.Volume/mean > c.cfg.VolumeSpikeMultiplier && !c.suppressed(h, IssueVolumeSpike, now) {
			issues = append(issues, Anomaly{
				Symbol: symbol, Kind: IssueVolumeSpike,
				Value: snap.Volume, Baseline: mean, Deviation: snap.Volume / mean,
				Timestamp: now,
			})
		}
	}

	h.prices.push(snap.LastPrice)
	h.volumes.push(snap.Volume)
	handler := c.handler
	c.mu.Unlock()

	c.emit(handler, issues)
	return issues
}

// CheckKlines inspects bar spacing and return volatility for one
// (symbol, interval) series. Needs at least 3 bars.
func (c *Checker) CheckKlines(symbol, interval string, bars []market.Kline) []Anomaly {
	if len(bars) < 3 {
		return nil
	}
	nominal, ok := market.IntervalDuration(interval)
	if !ok {
		return nil
	}
	now := c.now()
	key := symbol + ":" + interval

	c.mu.Lock()
	h := c.historyFor(key)

	var issues []Anomaly
	for i := 1; i < len(bars); i++ {
		delta := bars[i].Start.Sub(bars[i-1].Start)
		drift := math.Abs(float64(delta - nominal))
		if drift > float64(nominal)/10 { // 10% tolerance
			if !c.suppressed(h, IssueKlineGap, now) {
				issues = append(issues, Anomaly{
					Symbol: symbol, Interval: interval, Kind: IssueKlineGap,
					Value:     delta.Seconds(),
					Baseline:  nominal.Seconds(),
					Deviation: delta.Seconds()/nominal.Seconds() - 1,
					Timestamp: now,
				})
			}
			break
		}
	}

	if sd, ok := returnStddev(bars); ok {
		if h.volatility.len() >= minVolatilitySamples {
			mean := h.volatility.mean()
			if mean > 0 && sd > mean*c.cfg.VolatilityMultiplier && !c.suppressed(h, IssueVolatilitySpike, now) {
				issues = append(issues, Anomaly{
					Symbol: symbol, Interval: interval, Kind: IssueVolatilitySpike,
					Value: sd, Baseline: mean, Deviation: sd / mean,
					Timestamp: now,
				})
			}
		}
		h.volatility.push(sd)
	}
	handler := c.handler
	c.mu.Unlock()

	c.emit(handler, issues)
	return issues
}

func (c *Checker) emit(handler AnomalyHandler, issues []Anomaly) {
	for _, a := range issues {
		c.logger.Warn("market data anomaly",
			zap.String("symbol", a.Symbol),
			zap.String("kind", a.Kind),
			zap.String("interval", a.Interval),
			zap.Float64("value", a.Value),
			zap.Float64("baseline", a.Baseline),
			zap.Float64("deviation", a.Deviation),
		)
		if handler != nil {
			handler(a)
		}
	}
}

// returnStddev computes the standard deviation of bar-to-bar returns.
func returnStddev(bars []market.Kline) (float64, bool) {
	var returns []float64
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (bars[i].Close-prev)/prev)
	}
	if len(returns) == 0 {
		return 0, false
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(returns))), true
}
