package provider

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// SubscribeSymbol registers a callback for pushed updates on a symbol
// and returns the subscription id. Registering a callback that is
// already listening on the symbol is a no-op returning the existing id.
// The first subscriber for a symbol must be accepted by at least one
// connected source; after registration one cache-bypassing fetch primes
// every listener on the symbol.
func (p *Provider) SubscribeSymbol(ctx context.Context, symbol string, cb Callback) (uint64, error) {
	cbPtr := reflect.ValueOf(cb).Pointer()

	p.mu.Lock()
	for _, sub := range p.subs[symbol] {
		if sub.cbPtr == cbPtr {
			id := sub.id
			p.mu.Unlock()
			return id, nil
		}
	}
	first := len(p.subs[symbol]) == 0
	p.mu.Unlock()

	if first {
		accepted := 0
		for _, reg := range p.orderedSources() {
			if connected, _ := reg.state(); !connected {
				continue
			}
			if err := reg.src.Subscribe(ctx, symbol); err != nil {
				p.logger.Warn("upstream subscribe failed",
					zap.String("source", reg.src.Name()),
					zap.String("symbol", symbol),
					zap.Error(err))
				continue
			}
			accepted++
		}
		if accepted == 0 {
			return 0, fmt.Errorf("%w: %s", ErrSubscribeFailed, symbol)
		}
	}

	p.mu.Lock()
	p.nextSubID++
	id := p.nextSubID
	p.subs[symbol] = append(p.subs[symbol], subscription{id: id, cb: cb, cbPtr: cbPtr})
	p.mu.Unlock()

	if snap, err := p.RefreshMarketData(ctx, symbol); err == nil {
		p.mu.Lock()
		listeners := append([]subscription(nil), p.subs[symbol]...)
		p.mu.Unlock()
		for _, sub := range listeners {
			p.invoke(sub, snap)
		}
	}
	return id, nil
}

// UnsubscribeSymbol removes one subscription. When the last subscriber
// for a symbol leaves, the upstream subscriptions are dropped too.
// Unknown ids are a no-op and never touch the sources.
func (p *Provider) UnsubscribeSymbol(ctx context.Context, symbol string, id uint64) {
	p.mu.Lock()
	listeners := p.subs[symbol]
	found := false
	for i, sub := range listeners {
		if sub.id == id {
			listeners = append(listeners[:i], listeners[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		p.mu.Unlock()
		return
	}
	if len(listeners) == 0 {
		delete(p.subs, symbol)
	} else {
		p.subs[symbol] = listeners
	}
	last := len(listeners) == 0
	p.mu.Unlock()

	if !last {
		return
	}
	for _, reg := range p.orderedSources() {
		if connected, _ := reg.state(); !connected {
			continue
		}
		if err := reg.src.Unsubscribe(ctx, symbol); err != nil {
			p.logger.Warn("upstream unsubscribe failed",
				zap.String("source", reg.src.Name()),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}
}

// subscribedSymbols snapshots the symbols that currently have listeners.
func (p *Provider) subscribedSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbols := make([]string, 0, len(p.subs))
	for symbol := range p.subs {
		symbols = append(symbols, symbol)
	}
	return symbols
}
