package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mdprovider/internal/breaker"
	"mdprovider/pkg/market"
)

// GetMarketData returns the freshest snapshot for a symbol. Resolution
// order: local cache, sources in priority order, remote cache, then the
// expired local entry marked stale. Only when all four miss does it
// return ErrNoData.
func (p *Provider) GetMarketData(ctx context.Context, symbol string) (market.Snapshot, error) {
	return p.getMarketData(ctx, symbol, true)
}

// RefreshMarketData bypasses the cache read and goes straight to the
// sources. The result is still written through to the cache.
func (p *Provider) RefreshMarketData(ctx context.Context, symbol string) (market.Snapshot, error) {
	return p.getMarketData(ctx, symbol, false)
}

func (p *Provider) getMarketData(ctx context.Context, symbol string, useCache bool) (market.Snapshot, error) {
	p.stats.MarketRequest()
	started := time.Now()
	defer func() { p.stats.Latency(symbol, time.Since(started)) }()

	if useCache {
		if snap, ok := p.cache.Snapshot(symbol); ok {
			p.stats.Cache(true)
			return snap, nil
		}
		p.stats.Cache(false)
	}

	for _, reg := range p.orderedSources() {
		snap, err := p.fetchSnapshot(ctx, reg, symbol)
		if err != nil {
			if !errors.Is(err, breaker.ErrOpen) {
				p.logger.Warn("snapshot fetch failed",
					zap.String("source", reg.src.Name()),
					zap.String("symbol", symbol),
					zap.Error(err))
			}
			continue
		}
		p.quality.CheckSnapshot(symbol, snap)
		p.cache.PutSnapshot(ctx, snap)
		return snap, nil
	}
	p.stats.Error()

	if snap, err := p.cache.RemoteSnapshot(ctx, symbol); err == nil {
		p.stats.StaleServed()
		snap.Stale = true
		return snap, nil
	}

	if snap, ok := p.cache.StaleSnapshot(symbol); ok {
		p.stats.StaleServed()
		snap.Stale = true
		return snap, nil
	}

	return market.Snapshot{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
}

// fetchSnapshot runs one breaker-gated snapshot call against one source.
func (p *Provider) fetchSnapshot(ctx context.Context, reg *registeredSource, symbol string) (market.Snapshot, error) {
	done, err := p.breakers.Allow(reg.src.Name())
	if err != nil {
		return market.Snapshot{}, err
	}
	snap, err := reg.src.GetSnapshot(ctx, symbol)
	if err != nil || snap.IsZero() {
		done(false)
		if err == nil {
			err = fmt.Errorf("%w: empty snapshot for %s", market.ErrRejected, symbol)
		}
		return market.Snapshot{}, err
	}
	done(true)
	reg.markActive()
	return snap, nil
}

// GetKlines returns bars for a symbol and interval. A cached series is a
// hit when it still covers the requested count after range filtering;
// anything less goes back to the sources.
func (p *Provider) GetKlines(ctx context.Context, q market.KlineQuery) (market.KlineSeries, error) {
	return p.getKlines(ctx, q, true)
}

// RefreshKlines bypasses the cache read and fetches from the sources.
func (p *Provider) RefreshKlines(ctx context.Context, q market.KlineQuery) (market.KlineSeries, error) {
	return p.getKlines(ctx, q, false)
}

func (p *Provider) getKlines(ctx context.Context, q market.KlineQuery, useCache bool) (market.KlineSeries, error) {
	p.stats.KlineRequest()
	started := time.Now()
	defer func() { p.stats.Latency(q.Symbol, time.Since(started)) }()

	if useCache {
		if cached, ok := p.cache.Klines(q.Symbol, q.Interval); ok {
			filtered := cached.FilterRange(q.Start, q.End)
			if q.Count <= 0 || filtered.Len() >= q.Count {
				p.stats.Cache(true)
				return filtered.TailN(q.Count), nil
			}
		}
		p.stats.Cache(false)
	}

	for _, reg := range p.orderedSources() {
		series, err := p.fetchKlines(ctx, reg, q)
		if err != nil {
			if !errors.Is(err, breaker.ErrOpen) {
				p.logger.Warn("kline fetch failed",
					zap.String("source", reg.src.Name()),
					zap.String("symbol", q.Symbol),
					zap.String("interval", q.Interval),
					zap.Error(err))
			}
			continue
		}
		p.quality.CheckKlines(q.Symbol, q.Interval, series.Bars)
		p.cache.PutKlines(ctx, series)
		p.archive(ctx, series)
		return series.FilterRange(q.Start, q.End).TailN(q.Count), nil
	}
	p.stats.Error()

	if remote, err := p.cache.RemoteKlines(ctx, q.Symbol, q.Interval); err == nil && remote.Len() > 0 {
		p.stats.StaleServed()
		return remote.FilterRange(q.Start, q.End).TailN(q.Count), nil
	}

	if stale, ok := p.cache.StaleKlines(q.Symbol, q.Interval); ok {
		p.stats.StaleServed()
		return stale.FilterRange(q.Start, q.End).TailN(q.Count), nil
	}

	return market.KlineSeries{}, fmt.Errorf("%w: %s %s klines", ErrNoData, q.Symbol, q.Interval)
}

func (p *Provider) fetchKlines(ctx context.Context, reg *registeredSource, q market.KlineQuery) (market.KlineSeries, error) {
	done, err := p.breakers.Allow(reg.src.Name())
	if err != nil {
		return market.KlineSeries{}, err
	}
	series, err := reg.src.GetKlines(ctx, q)
	if err != nil || series.Len() == 0 {
		done(false)
		if err == nil {
			err = fmt.Errorf("%w: empty kline series for %s %s", market.ErrRejected, q.Symbol, q.Interval)
		}
		return market.KlineSeries{}, err
	}
	done(true)
	reg.markActive()
	return series, nil
}

func (p *Provider) archive(ctx context.Context, series market.KlineSeries) {
	if p.archiver == nil {
		return
	}
	if err := p.archiver.SaveKlines(ctx, series); err != nil {
		p.logger.Warn("kline archive failed",
			zap.String("symbol", series.Symbol),
			zap.String("interval", series.Interval),
			zap.Error(err))
	}
}

// GetInstruments serves instrument metadata from memory, refreshing from
// the sources when the map is empty or forceUpdate is set. exchange
// filters when non-empty.
func (p *Provider) GetInstruments(ctx context.Context, exchange string, forceUpdate bool) (map[string]market.InstrumentInfo, error) {
	p.mu.Lock()
	have := len(p.instruments)
	p.mu.Unlock()

	if have == 0 || forceUpdate {
		if err := p.refreshInstruments(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]market.InstrumentInfo, len(p.instruments))
	for symbol, info := range p.instruments {
		if exchange != "" && info.Exchange != exchange {
			continue
		}
		out[symbol] = info
	}
	return out, nil
}

// refreshInstruments merges instrument listings from every reachable
// source, lower-priority sources first so higher-priority data wins.
func (p *Provider) refreshInstruments(ctx context.Context) error {
	sources := p.orderedSources()
	merged := make(map[string]market.InstrumentInfo)

	var lastErr error
	for i := len(sources) - 1; i >= 0; i-- {
		reg := sources[i]
		instruments, err := reg.src.GetInstruments(ctx, "")
		if err != nil {
			lastErr = err
			p.logger.Warn("instrument refresh failed",
				zap.String("source", reg.src.Name()),
				zap.Error(err))
			continue
		}
		for symbol, info := range instruments {
			merged[symbol] = info
		}
	}
	if len(merged) == 0 {
		if lastErr != nil {
			return fmt.Errorf("provider: instrument refresh: %w", lastErr)
		}
		return fmt.Errorf("%w: instruments", ErrNoData)
	}

	p.mu.Lock()
	p.instruments = merged
	p.mu.Unlock()

	p.flushInstruments()
	p.logger.Info("instruments refreshed", zap.Int("count", len(merged)))
	return nil
}

// PriceDiff compares the last prices of two symbols.
type PriceDiff struct {
	SymbolA string  `json:"symbol_a"`
	SymbolB string  `json:"symbol_b"`
	PriceA  float64 `json:"price_a"`
	PriceB  float64 `json:"price_b"`
	Diff    float64 `json:"diff"`    // PriceA - PriceB
	Percent float64 `json:"percent"` // Diff relative to PriceB
}

// PriceDifference fetches both symbols through the normal resolution
// path and reports their spread.
func (p *Provider) PriceDifference(ctx context.Context, symbolA, symbolB string) (PriceDiff, error) {
	snapA, err := p.GetMarketData(ctx, symbolA)
	if err != nil {
		return PriceDiff{}, err
	}
	snapB, err := p.GetMarketData(ctx, symbolB)
	if err != nil {
		return PriceDiff{}, err
	}

	d := PriceDiff{
		SymbolA: symbolA,
		SymbolB: symbolB,
		PriceA:  snapA.LastPrice,
		PriceB:  snapB.LastPrice,
		Diff:    snapA.LastPrice - snapB.LastPrice,
	}
	if snapB.LastPrice != 0 {
		d.Percent = d.Diff / snapB.LastPrice
	}
	return d, nil
}
