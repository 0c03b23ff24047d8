// Package cache implements the provider's tiered cache: a bounded local
// TTL map in front of an optional Redis tier shared across processes.
// The remote tier is written through opportunistically and consulted
// only as a fallback of last resort; it is never required for
// correctness.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mdprovider/pkg/market"
)

// ErrMiss signals an internal cache miss. It triggers failover in the
// provider and is never surfaced to callers.
var ErrMiss = errors.New("cache: miss")

type Config struct {
	// LocalTTL is the freshness window for local entries. Defaults to 60s.
	LocalTTL time.Duration
	// MaxEntries bounds each local map. Defaults to 10000.
	MaxEntries int
}

func (c *Config) defaults() {
	if c.LocalTTL <= 0 {
		c.LocalTTL = 60 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
}

type snapEntry struct {
	value    market.Snapshot
	storedAt time.Time
}

type klineEntry struct {
	value    market.KlineSeries
	storedAt time.Time
}

// Tiered is safe for concurrent use. Writes are atomic replacements;
// readers never observe a partially written entry.
type Tiered struct {
	cfg    Config
	logger *zap.Logger
	rdb    *redis.Client // nil disables the remote tier

	mu        sync.RWMutex
	snapshots map[string]snapEntry
	klines    map[string]klineEntry
}

func NewTiered(cfg Config, rdb *redis.Client, logger *zap.Logger) *Tiered {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{
		cfg:       cfg,
		logger:    logger,
		rdb:       rdb,
		snapshots: make(map[string]snapEntry),
		klines:    make(map[string]klineEntry),
	}
}

func snapshotKey(symbol string) string { return "market:" + symbol }

func klineKey(symbol, interval string) string {
	return fmt.Sprintf("klines:%s:%s", symbol, interval)
}

// Snapshot returns the local entry when it is still within the TTL.
func (t *Tiered) Snapshot(symbol string) (market.Snapshot, bool) {
	t.mu.RLock()
	e, ok := t.snapshots[symbol]
	t.mu.RUnlock()
	if !ok || time.Since(e.storedAt) >= t.cfg.LocalTTL {
		return market.Snapshot{}, false
	}
	return e.value, true
}

// StaleSnapshot returns the local entry regardless of age.
func (t *Tiered) StaleSnapshot(symbol string) (market.Snapshot, bool) {
	t.mu.RLock()
	e, ok := t.snapshots[symbol]
	t.mu.RUnlock()
	if !ok {
		return market.Snapshot{}, false
	}
	return e.value, true
}

// PutSnapshot replaces the local entry and writes through to Redis with
// twice the local TTL. Remote failures are logged and ignored.
func (t *Tiered) PutSnapshot(ctx context.Context, snap market.Snapshot) {
	t.mu.Lock()
	t.snapshots[snap.Symbol] = snapEntry{value: snap, storedAt: time.Now()}
	t.evictSnapshotsLocked()
	t.mu.Unlock()

	if t.rdb == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.logger.Error("marshal snapshot for redis", zap.String("symbol", snap.Symbol), zap.Error(err))
		return
	}
	if err := t.rdb.Set(ctx, snapshotKey(snap.Symbol), raw, 2*t.cfg.LocalTTL).Err(); err != nil {
		t.logger.Warn("redis snapshot write failed", zap.String("symbol", snap.Symbol), zap.Error(err))
	}
}

// RemoteSnapshot reads the Redis tier. Used only after every live source
// failed.
func (t *Tiered) RemoteSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	if t.rdb == nil {
		return market.Snapshot{}, ErrMiss
	}
	raw, err := t.rdb.Get(ctx, snapshotKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return market.Snapshot{}, ErrMiss
		}
		return market.Snapshot{}, fmt.Errorf("redis snapshot read: %w", err)
	}
	var snap market.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return snap, nil
}

// Klines returns the local series when fresh.
func (t *Tiered) Klines(symbol, interval string) (market.KlineSeries, bool) {
	t.mu.RLock()
	e, ok := t.klines[klineKey(symbol, interval)]
	t.mu.RUnlock()
	if !ok || time.Since(e.storedAt) >= t.cfg.LocalTTL {
		return market.KlineSeries{}, false
	}
	return e.value, true
}

// StaleKlines returns the local series regardless of age.
func (t *Tiered) StaleKlines(symbol, interval string) (market.KlineSeries, bool) {
	t.mu.RLock()
	e, ok := t.klines[klineKey(symbol, interval)]
	t.mu.RUnlock()
	if !ok {
		return market.KlineSeries{}, false
	}
	return e.value, true
}

// PutKlines replaces the local series and writes through to Redis with
// five times the local TTL.
func (t *Tiered) PutKlines(ctx context.Context, series market.KlineSeries) {
	key := klineKey(series.Symbol, series.Interval)
	t.mu.Lock()
	t.klines[key] = klineEntry{value: series, storedAt: time.Now()}
	t.evictKlinesLocked()
	t.mu.Unlock()

	if t.rdb == nil {
		return
	}
	raw, err := json.Marshal(series)
	if err != nil {
		t.logger.Error("marshal klines for redis", zap.String("key", key), zap.Error(err))
		return
	}
	if err := t.rdb.Set(ctx, key, raw, 5*t.cfg.LocalTTL).Err(); err != nil {
		t.logger.Warn("redis kline write failed", zap.String("key", key), zap.Error(err))
	}
}

// RemoteKlines reads the Redis tier.
func (t *Tiered) RemoteKlines(ctx context.Context, symbol, interval string) (market.KlineSeries, error) {
	if t.rdb == nil {
		return market.KlineSeries{}, ErrMiss
	}
	raw, err := t.rdb.Get(ctx, klineKey(symbol, interval)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return market.KlineSeries{}, ErrMiss
		}
		return market.KlineSeries{}, fmt.Errorf("redis kline read: %w", err)
	}
	var series market.KlineSeries
	if err := json.Unmarshal(raw, &series); err != nil {
		return market.KlineSeries{}, fmt.Errorf("decode cached klines: %w", err)
	}
	return series, nil
}

// Len reports local entry counts (snapshots, klines).
func (t *Tiered) Len() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.snapshots), len(t.klines)
}

// evictSnapshotsLocked drops the oldest entry once the map exceeds the
// bound. Caller holds t.mu.
func (t *Tiered) evictSnapshotsLocked() {
	if len(t.snapshots) <= t.cfg.MaxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range t.snapshots {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	delete(t.snapshots, oldestKey)
}

func (t *Tiered) evictKlinesLocked() {
	if len(t.klines) <= t.cfg.MaxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range t.klines {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	delete(t.klines, oldestKey)
}
