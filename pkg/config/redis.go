package config

import "time"

// RedisConfig holds the queue backend connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	// Password is expanded from the environment; leave empty for
	// unauthenticated instances.
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	PoolSize    int      `yaml:"pool_size"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		DB:          0,
		PoolSize:    10,
		DialTimeout: Duration(5 * time.Second),
	}
}
