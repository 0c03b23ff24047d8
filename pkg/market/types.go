package market

import (
	"sort"
	"time"
)

// Snapshot is one point-in-time quote for an instrument. Snapshots are
// immutable once constructed; a newer snapshot for the same symbol
// supersedes an older one, it never mutates it.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange,omitempty"`
	Timestamp time.Time `json:"timestamp"` // exchange timestamp of the quote

	LastPrice float64 `json:"last_price"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`

	Volume       float64 `json:"volume"`
	Turnover     float64 `json:"turnover,omitempty"`
	OpenInterest float64 `json:"open_interest,omitempty"`

	BidPrice  float64 `json:"bid_price"`
	BidVolume float64 `json:"bid_volume"`
	AskPrice  float64 `json:"ask_price"`
	AskVolume float64 `json:"ask_volume"`

	LimitUp   float64 `json:"limit_up,omitempty"`
	LimitDown float64 `json:"limit_down,omitempty"`
	PreClose  float64 `json:"pre_close,omitempty"`

	SourceID  string    `json:"source_id"`
	FetchedAt time.Time `json:"fetched_at"` // local receive time

	// Stale marks a snapshot served from cache after every live source
	// failed. Process-local bookkeeping, not part of the cached value.
	Stale bool `json:"-"`
}

// IsZero reports whether the snapshot carries no data at all.
func (s Snapshot) IsZero() bool {
	return s.Symbol == "" && s.LastPrice == 0 && s.Timestamp.IsZero()
}

// Kline is a single candlestick bar.
type Kline struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	Turnover     float64   `json:"turnover,omitempty"`
	OpenInterest float64   `json:"open_interest,omitempty"`
	Confirm      bool      `json:"confirm"`
}

// KlineSeries is an ordered run of bars for one (symbol, interval) pair,
// ascending by start time with no duplicate timestamps.
type KlineSeries struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Bars     []Kline `json:"bars"`
}

func (s KlineSeries) Len() int { return len(s.Bars) }

// TailN returns the last n bars. n <= 0 or n beyond the length returns
// the series unchanged.
func (s KlineSeries) TailN(n int) KlineSeries {
	if n <= 0 || n >= len(s.Bars) {
		return s
	}
	out := s
	out.Bars = s.Bars[len(s.Bars)-n:]
	return out
}

// FilterRange keeps bars whose start falls inside [from, to]. A zero
// bound is open on that side.
func (s KlineSeries) FilterRange(from, to time.Time) KlineSeries {
	out := KlineSeries{Symbol: s.Symbol, Interval: s.Interval}
	for _, b := range s.Bars {
		if !from.IsZero() && b.Start.Before(from) {
			continue
		}
		if !to.IsZero() && b.Start.After(to) {
			continue
		}
		out.Bars = append(out.Bars, b)
	}
	return out
}

// Sorted reports whether bars are strictly ascending by start time.
func (s KlineSeries) Sorted() bool {
	return sort.SliceIsSorted(s.Bars, func(i, j int) bool {
		return s.Bars[i].Start.Before(s.Bars[j].Start)
	})
}

// Normalize sorts bars ascending and drops duplicate start timestamps,
// keeping the last occurrence.
func (s *KlineSeries) Normalize() {
	sort.SliceStable(s.Bars, func(i, j int) bool {
		return s.Bars[i].Start.Before(s.Bars[j].Start)
	})
	out := s.Bars[:0]
	for _, b := range s.Bars {
		if n := len(out); n > 0 && out[n-1].Start.Equal(b.Start) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	s.Bars = out
}

// InstrumentInfo is the static/slow-changing descriptor for one symbol.
type InstrumentInfo struct {
	Symbol     string    `json:"symbol"`
	Exchange   string    `json:"exchange"`
	Name       string    `json:"name,omitempty"`
	PriceTick  float64   `json:"price_tick"`
	Multiplier float64   `json:"multiplier"`
	MinVolume  float64   `json:"min_volume,omitempty"`
	MaxVolume  float64   `json:"max_volume,omitempty"`
	Expiry     time.Time `json:"expiry,omitempty"`
	IsTrading  bool      `json:"is_trading"`
}

// KlineQuery describes one kline fetch.
type KlineQuery struct {
	Symbol   string
	Interval string
	Count    int
	Start    time.Time // zero means open-ended
	End      time.Time
}
