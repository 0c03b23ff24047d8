package quality_test

import (
	"testing"
	"time"

	"mdprovider/internal/quality"
	"mdprovider/pkg/market"
)

func feedPrices(c *quality.Checker, symbol string, price, volume float64, n int) {
	for i := 0; i < n; i++ {
		c.CheckSnapshot(symbol, market.Snapshot{Symbol: symbol, LastPrice: price, Volume: volume})
	}
}

// go test -v --run TestPriceGapDetection
func TestPriceGapDetection(t *testing.T) {
	c := quality.NewChecker(quality.Config{}, nil)

	var events []quality.Anomaly
	c.SetAnomalyHandler(func(a quality.Anomaly) { events = append(events, a) })

	feedPrices(c, "cu2509", 100, 50, 20)

	// 6% off a rolling mean of 100 with the 5% default threshold.
	issues := c.CheckSnapshot("cu2509", market.Snapshot{Symbol: "cu2509", LastPrice: 106, Volume: 50})
	if len(issues) != 1 || issues[0].Kind != quality.IssuePriceGap {
		t.Fatalf("expected exactly one price_gap, got %+v", issues)
	}
	if issues[0].Deviation < 0.059 || issues[0].Deviation > 0.061 {
		t.Errorf("deviation = %v, want ~0.06", issues[0].Deviation)
	}
	if len(events) != 1 {
		t.Errorf("anomaly handler saw %d events, want 1", len(events))
	}

	// A second gap for the same symbol inside the alert interval is
	// suppressed.
	issues = c.CheckSnapshot("cu2509", market.Snapshot{Symbol: "cu2509", LastPrice: 112, Volume: 50})
	if len(issues) != 0 {
		t.Errorf("repeat alert not suppressed: %+v", issues)
	}
}

// go test -v --run TestPriceGapAlertIntervalExpiry
func TestPriceGapAlertIntervalExpiry(t *testing.T) {
	c := quality.NewChecker(quality.Config{MinAlertInterval: 30 * time.Millisecond}, nil)
	feedPrices(c, "cu2509", 100, 50, 20)

	if got := c.CheckSnapshot("cu2509", market.Snapshot{Symbol: "cu2509", LastPrice: 110}); len(got) != 1 {
		t.Fatalf("first gap not flagged: %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := c.CheckSnapshot("cu2509", market.Snapshot{Symbol: "cu2509", LastPrice: 120}); len(got) != 1 {
		t.Errorf("gap after alert interval should flag again: %+v", got)
	}
}

// go test -v --run TestVolumeSpikeDetection
func TestVolumeSpikeDetection(t *testing.T) {
	c := quality.NewChecker(quality.Config{}, nil)
	feedPrices(c, "rb2510", 100, 10, 20)

	issues := c.CheckSnapshot("rb2510", market.Snapshot{Symbol: "rb2510", LastPrice: 100, Volume: 150})
	if len(issues) != 1 || issues[0].Kind != quality.IssueVolumeSpike {
		t.Fatalf("expected one volume_spike, got %+v", issues)
	}
	if issues[0].Deviation < 14 || issues[0].Deviation > 16 {
		t.Errorf("spike multiple = %v, want ~15", issues[0].Deviation)
	}
}

// go test -v --run TestQualitySymbolsAreIndependent
func TestQualitySymbolsAreIndependent(t *testing.T) {
	c := quality.NewChecker(quality.Config{}, nil)
	feedPrices(c, "a", 100, 50, 10)
	feedPrices(c, "b", 200, 50, 10)

	// 106 is a gap for a (mean 100) but unremarkable history start for b.
	if got := c.CheckSnapshot("a", market.Snapshot{Symbol: "a", LastPrice: 106}); len(got) != 1 {
		t.Errorf("gap on a not flagged: %+v", got)
	}
	if got := c.CheckSnapshot("b", market.Snapshot{Symbol: "b", LastPrice: 202}); len(got) != 0 {
		t.Errorf("b flagged without a gap: %+v", got)
	}
}

func evenBars(start time.Time, step time.Duration, closes ...float64) []market.Kline {
	bars := make([]market.Kline, len(closes))
	for i, cl := range closes {
		bars[i] = market.Kline{Start: start.Add(time.Duration(i) * step), Close: cl}
	}
	return bars
}

// go test -v --run TestKlineGapDetection
func TestKlineGapDetection(t *testing.T) {
	c := quality.NewChecker(quality.Config{}, nil)
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	// Ten-minute hole in a 1m series.
	bars := evenBars(base, time.Minute, 100, 101, 100)
	bars = append(bars, market.Kline{Start: base.Add(13 * time.Minute), Close: 101})

	issues := c.CheckKlines("cu2509", market.Interval1Min, bars)
	if len(issues) != 1 || issues[0].Kind != quality.IssueKlineGap {
		t.Fatalf("expected one kline_gap, got %+v", issues)
	}

	// Evenly spaced bars are clean.
	clean := evenBars(base, time.Minute, 100, 101, 100, 101)
	if got := c.CheckKlines("rb2510", market.Interval1Min, clean); len(got) != 0 {
		t.Errorf("clean series flagged: %+v", got)
	}

	// Fewer than 3 bars: no checking at all.
	if got := c.CheckKlines("au2512", market.Interval1Min, clean[:2]); got != nil {
		t.Errorf("short series should be skipped, got %+v", got)
	}
}

// go test -v --run TestVolatilitySpikeDetection
func TestVolatilitySpikeDetection(t *testing.T) {
	c := quality.NewChecker(quality.Config{}, nil)
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	// Seed five calm windows so the rolling mean volatility exists.
	for i := 0; i < 5; i++ {
		calm := evenBars(base, time.Minute, 100, 100.1, 100, 100.1, 100)
		if got := c.CheckKlines("cu2509", market.Interval1Min, calm); len(got) != 0 {
			t.Fatalf("calm window %d flagged: %+v", i, got)
		}
	}

	wild := evenBars(base, time.Minute, 100, 112, 95, 110, 92)
	issues := c.CheckKlines("cu2509", market.Interval1Min, wild)
	if len(issues) != 1 || issues[0].Kind != quality.IssueVolatilitySpike {
		t.Fatalf("expected one volatility_spike, got %+v", issues)
	}
}
