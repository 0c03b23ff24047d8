package config

// RedisConfig defines the remote cache tier connection.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ResolvePassword returns the connection password, reading it from the
// SSM parameter store in prod.
func (cfg *RedisConfig) ResolvePassword(env string) string {
	if env == "prod" {
		if v := getParameterStoreValue("MDPROVIDER_REDIS_PASSWORD", true); v != "" {
			return v
		}
	}
	return cfg.Password
}
