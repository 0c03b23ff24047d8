// Package app wires configuration into a running data provider.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mdprovider/config"
	"mdprovider/internal/breaker"
	"mdprovider/internal/cache"
	"mdprovider/internal/pool"
	"mdprovider/internal/provider"
	"mdprovider/internal/quality"
	"mdprovider/internal/sources/broker"
	"mdprovider/internal/sources/vendorsdk"
	"mdprovider/pkg/market"
	"mdprovider/pkg/storage/postgres"
)

// App owns the provider and everything it was wired with.
type App struct {
	Provider *provider.Provider

	logger   *zap.Logger
	rdb      *redis.Client
	archiver *postgres.PostgresClient
	closers  []func()
}

// Start builds the full pipeline from configuration: remote cache,
// sources, optional kline archive, then the provider itself.
func Start(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.ResolvePassword(cfg.Log.Environment),
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// The local tier still works; remote reads just miss.
			logger.Warn("redis unreachable, remote cache tier disabled", zap.Error(err))
			_ = a.rdb.Close()
			a.rdb = nil
		}
	}

	tiered := cache.NewTiered(cache.Config{LocalTTL: cfg.Provider.CacheTTL}, a.rdb, logger)

	p := provider.New(provider.Config{
		HeartbeatInterval:   cfg.Provider.HeartbeatInterval,
		InstrumentCachePath: cfg.Provider.InstrumentCachePath,
		Breaker:             breakerConfig(cfg.Provider.Breaker),
		Quality:             qualityConfig(cfg.Provider.Quality),
	}, tiered, logger)

	for _, sc := range cfg.Sources {
		src, err := a.buildSource(sc, cfg.Provider.Pool, logger)
		if err != nil {
			return nil, err
		}
		p.RegisterSource(src, sc.Priority)
	}

	if cfg.Postgres.Enabled && cfg.Provider.ArchiveKlines {
		client, err := postgres.InitializeAndMigrateKlineRecord(cfg.Postgres, cfg.Log.Environment, true)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		a.archiver = client
		p.SetArchiver(client)
	}

	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	a.Provider = p
	return a, nil
}

// Stop shuts the provider down and closes every wired resource.
func (a *App) Stop(ctx context.Context) {
	if a.Provider != nil {
		if err := a.Provider.Stop(ctx); err != nil {
			a.logger.Warn("provider stop failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		closeFn()
	}
	if a.archiver != nil {
		if err := a.archiver.Close(); err != nil {
			a.logger.Warn("archive close failed", zap.Error(err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) buildSource(sc config.SourceConfig, pc config.PoolConfig, logger *zap.Logger) (market.Source, error) {
	switch sc.Kind {
	case "vendor":
		src := vendorsdk.New(vendorsdk.Config{
			ID:      sc.ID,
			WSURL:   sc.WSURL,
			BaseURL: sc.BaseURL,
			Timeout: sc.Timeout,
			Pool: pool.Config{
				MaxSize: pc.MaxSize,
				Recycle: pc.Recycle,
			},
			AcquireTimeout: pc.AcquireTimeout,
		}, logger)
		a.closers = append(a.closers, src.Close)
		return src, nil
	case "broker":
		return broker.New(broker.Config{
			ID:        sc.ID,
			BaseURL:   sc.BaseURL,
			Timeout:   sc.Timeout,
			PollEvery: sc.PollEvery,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q for %q", sc.Kind, sc.ID)
	}
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
	}
}

func qualityConfig(c config.QualityConfig) quality.Config {
	return quality.Config{
		PriceGapThreshold:     c.PriceGapThreshold,
		VolumeSpikeMultiplier: c.VolumeSpikeMultiplier,
		VolatilityMultiplier:  c.VolatilityMultiplier,
		MinAlertInterval:      c.MinAlertInterval,
	}
}
