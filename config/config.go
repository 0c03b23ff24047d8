package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Provider ProviderConfig `mapstructure:"provider"`
	Sources  []SourceConfig `mapstructure:"sources"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// ProviderConfig tunes the data provider core.
type ProviderConfig struct {
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	InstrumentCachePath string        `mapstructure:"instrument_cache_path"`
	ArchiveKlines       bool          `mapstructure:"archive_klines"`

	Pool    PoolConfig    `mapstructure:"pool"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Quality QualityConfig `mapstructure:"quality"`
}

type PoolConfig struct {
	MaxSize        int           `mapstructure:"max_size"`
	Recycle        time.Duration `mapstructure:"recycle"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

type QualityConfig struct {
	PriceGapThreshold     float64       `mapstructure:"price_gap_threshold"`
	VolumeSpikeMultiplier float64       `mapstructure:"volume_spike_multiplier"`
	VolatilityMultiplier  float64       `mapstructure:"volatility_multiplier"`
	MinAlertInterval      time.Duration `mapstructure:"min_alert_interval"`
}

// SourceConfig describes one upstream origin. Kind selects the adapter,
// "vendor" (stream plus pooled REST) or "broker" (polled REST). WSURL is
// the vendor stream endpoint, BaseURL the REST endpoint and PollEvery
// the broker quote poll cadence.
type SourceConfig struct {
	ID        string        `mapstructure:"id"`
	Kind      string        `mapstructure:"kind"`
	Priority  int           `mapstructure:"priority"`
	WSURL     string        `mapstructure:"ws_url"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	PollEvery time.Duration `mapstructure:"poll_every"`
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	// Support environment variables with dot notation (e.g., REDIS_ADDR)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}
