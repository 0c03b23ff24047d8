// Package provider orchestrates market-data sources behind one facade:
// priority failover between sources, tiered caching, per-source circuit
// breaking, quality checking and subscription fan-out.
package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"mdprovider/internal/breaker"
	"mdprovider/internal/cache"
	"mdprovider/internal/quality"
	"mdprovider/internal/stats"
	"mdprovider/pkg/market"
)

// ErrNoData is returned when every source, the remote cache and the
// stale local cache all came up empty.
var ErrNoData = errors.New("provider: no market data available")

// ErrSubscribeFailed is returned when no connected source accepted the
// first subscription for a symbol.
var ErrSubscribeFailed = errors.New("provider: no source accepted subscription")

// Callback receives pushed snapshots for a subscribed symbol. A failing
// or panicking callback never affects other callbacks on the same symbol.
type Callback func(market.Snapshot) error

// Archiver persists fetched klines out of band. Archive errors are
// logged, never surfaced to the data path.
type Archiver interface {
	SaveKlines(ctx context.Context, series market.KlineSeries) error
}

type Config struct {
	// HeartbeatInterval drives the liveness loop. A source silent for
	// three intervals gets reconnected. Defaults to 30s.
	HeartbeatInterval time.Duration
	// InstrumentCachePath is the on-disk instrument cache. Empty disables
	// disk caching.
	InstrumentCachePath string
	// InstrumentRefresh is how often the heartbeat refreshes instrument
	// metadata from the sources. Defaults to 24h.
	InstrumentRefresh time.Duration

	Breaker breaker.Config
	Quality quality.Config
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.InstrumentRefresh <= 0 {
		c.InstrumentRefresh = 24 * time.Hour
	}
}

// registeredSource pairs a source with its failover priority and
// liveness bookkeeping.
type registeredSource struct {
	src      market.Source
	priority int

	mu         sync.Mutex
	connected  bool
	lastActive time.Time
}

func (r *registeredSource) markActive() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

func (r *registeredSource) state() (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.lastActive
}

func (r *registeredSource) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	if v {
		r.lastActive = time.Now()
	}
	r.mu.Unlock()
}

// subscription is one registered listener. cbPtr identifies the callback
// func so re-registering the same callback stays a single listener.
type subscription struct {
	id    uint64
	cb    Callback
	cbPtr uintptr
}

// Provider is the single entry point the trading side talks to.
type Provider struct {
	cfg      Config
	logger   *zap.Logger
	cache    *cache.Tiered
	breakers *breaker.Registry
	quality  *quality.Checker
	stats    *stats.Collector
	archiver Archiver

	mu          sync.Mutex
	sources     []*registeredSource // descending priority once Start sorts
	byID        map[string]*registeredSource
	subs        map[string][]subscription // registration order per symbol
	nextSubID   uint64
	instruments map[string]market.InstrumentInfo
	started     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, tiered *cache.Tiered, logger *zap.Logger) *Provider {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		cfg:         cfg,
		logger:      logger,
		cache:       tiered,
		breakers:    breaker.NewRegistry(cfg.Breaker),
		quality:     quality.NewChecker(cfg.Quality, logger),
		stats:       stats.NewCollector(),
		byID:        make(map[string]*registeredSource),
		subs:        make(map[string][]subscription),
		instruments: make(map[string]market.InstrumentInfo),
	}
	p.breakers.OnStateChange = func(sourceID string, from, to gobreaker.State) {
		logger.Warn("source breaker state changed",
			zap.String("source", sourceID),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return p
}

// SetArchiver wires the persistence sink for fetched klines. Must be
// called before Start.
func (p *Provider) SetArchiver(a Archiver) { p.archiver = a }

// SetAnomalyHandler forwards quality findings to the caller. Must be
// called before Start.
func (p *Provider) SetAnomalyHandler(h quality.AnomalyHandler) {
	p.quality.SetAnomalyHandler(h)
}

// RegisterSource adds a source with the given failover priority. Higher
// priority wins. Must be called before Start.
func (p *Provider) RegisterSource(src market.Source, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg := &registeredSource{src: src, priority: priority}
	p.sources = append(p.sources, reg)
	p.byID[src.Name()] = reg
}

// Start loads the instrument cache, connects every source and launches
// the heartbeat. A source that fails to connect stays registered; the
// heartbeat keeps retrying it.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	sort.SliceStable(p.sources, func(i, j int) bool {
		return p.sources[i].priority > p.sources[j].priority
	})
	sources := append([]*registeredSource(nil), p.sources...)
	p.mu.Unlock()

	if p.cfg.InstrumentCachePath != "" {
		cached, err := cache.LoadInstruments(p.cfg.InstrumentCachePath)
		if err != nil {
			p.logger.Warn("instrument cache unreadable", zap.Error(err))
		} else if len(cached) > 0 {
			p.mu.Lock()
			p.instruments = cached
			p.mu.Unlock()
			p.logger.Info("instrument cache loaded", zap.Int("count", len(cached)))
		}
	}

	for _, reg := range sources {
		reg.src.SetUpdateHandler(p.onUpdate)
		if err := reg.src.Connect(ctx); err != nil {
			p.logger.Warn("source connect failed, heartbeat will retry",
				zap.String("source", reg.src.Name()),
				zap.Error(err))
			continue
		}
		reg.setConnected(true)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.heartbeatLoop(hbCtx)

	p.logger.Info("provider started",
		zap.Int("sources", len(sources)),
		zap.Duration("heartbeat", p.cfg.HeartbeatInterval))
	return nil
}

// Stop halts the heartbeat, disconnects every source and flushes the
// instrument cache to disk.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.cancel = nil
	sources := append([]*registeredSource(nil), p.sources...)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	for _, reg := range sources {
		if err := reg.src.Disconnect(ctx); err != nil {
			p.logger.Warn("source disconnect failed",
				zap.String("source", reg.src.Name()),
				zap.Error(err))
		}
		reg.setConnected(false)
	}

	p.flushInstruments()
	p.logger.Info("provider stopped")
	return nil
}

func (p *Provider) flushInstruments() {
	if p.cfg.InstrumentCachePath == "" {
		return
	}
	p.mu.Lock()
	instruments := make(map[string]market.InstrumentInfo, len(p.instruments))
	for k, v := range p.instruments {
		instruments[k] = v
	}
	p.mu.Unlock()

	if err := cache.SaveInstruments(p.cfg.InstrumentCachePath, instruments); err != nil {
		p.logger.Warn("instrument cache flush failed", zap.Error(err))
	}
}

// onUpdate handles one pushed snapshot from any source: quality check,
// cache write-through, then sequential fan-out to subscribers.
func (p *Provider) onUpdate(snap market.Snapshot) {
	if snap.IsZero() {
		return
	}

	p.mu.Lock()
	reg := p.byID[snap.SourceID]
	listeners := append([]subscription(nil), p.subs[snap.Symbol]...)
	p.mu.Unlock()

	if reg != nil {
		reg.markActive()
	}

	p.quality.CheckSnapshot(snap.Symbol, snap)
	p.cache.PutSnapshot(context.Background(), snap)

	for _, sub := range listeners {
		p.invoke(sub, snap)
	}
}

// invoke runs one callback, containing both errors and panics so the
// rest of the fan-out proceeds.
func (p *Provider) invoke(sub subscription, snap market.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.CallbackError()
			p.logger.Error("subscriber callback panicked",
				zap.String("symbol", snap.Symbol),
				zap.Uint64("subscription", sub.id),
				zap.Any("panic", r))
		}
	}()
	if err := sub.cb(snap); err != nil {
		p.stats.CallbackError()
		p.logger.Warn("subscriber callback failed",
			zap.String("symbol", snap.Symbol),
			zap.Uint64("subscription", sub.id),
			zap.Error(err))
	}
}

// orderedSources returns the registered sources in failover order.
func (p *Provider) orderedSources() []*registeredSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*registeredSource(nil), p.sources...)
}
