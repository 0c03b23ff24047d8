package provider

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// staleAfterIntervals is how many silent heartbeat intervals mark a
// source dead and trigger a reconnect.
const staleAfterIntervals = 3

func (p *Provider) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.checkSources(ctx)

		if time.Since(lastRefresh) >= p.cfg.InstrumentRefresh {
			if err := p.refreshInstruments(ctx); err != nil {
				p.logger.Warn("scheduled instrument refresh failed", zap.Error(err))
			}
			lastRefresh = time.Now()
		}
	}
}

// checkSources reconnects every source that never connected or has been
// silent for staleAfterIntervals heartbeats, then restores its upstream
// subscriptions.
func (p *Provider) checkSources(ctx context.Context) {
	deadline := staleAfterIntervals * p.cfg.HeartbeatInterval

	for _, reg := range p.orderedSources() {
		connected, lastActive := reg.state()
		alive := connected && !lastActive.IsZero() && time.Since(lastActive) < deadline
		if alive {
			continue
		}

		p.logger.Warn("source silent, reconnecting",
			zap.String("source", reg.src.Name()),
			zap.Bool("was_connected", connected),
			zap.Time("last_active", lastActive))

		if connected {
			if err := reg.src.Disconnect(ctx); err != nil {
				p.logger.Warn("disconnect before reconnect failed",
					zap.String("source", reg.src.Name()),
					zap.Error(err))
			}
			reg.setConnected(false)
		}

		if err := reg.src.Connect(ctx); err != nil {
			p.logger.Warn("reconnect failed",
				zap.String("source", reg.src.Name()),
				zap.Error(err))
			continue
		}
		reg.setConnected(true)

		for _, symbol := range p.subscribedSymbols() {
			if err := reg.src.Subscribe(ctx, symbol); err != nil {
				p.logger.Warn("resubscribe after reconnect failed",
					zap.String("source", reg.src.Name()),
					zap.String("symbol", symbol),
					zap.Error(err))
			}
		}
		p.logger.Info("source reconnected", zap.String("source", reg.src.Name()))
	}
}
