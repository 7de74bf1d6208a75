package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr        string
	Environment string
	AdminToken  string
	DatabaseURL string
	Redis       RedisConfig
}

// RedisConfig holds Redis connection configuration.
// An empty URL means Redis is not configured and callers fall back to memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PolicyCacheTTL bounds how stale a cached rate-limit policy may be.
var PolicyCacheTTL = 60 * time.Second

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("RATEGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	env := os.Getenv("RATEGATE_ENV")
	if env == "" {
		env = "development"
	}

	if ttlStr := os.Getenv("POLICY_CACHE_TTL"); ttlStr != "" {
		if d, err := time.ParseDuration(ttlStr); err == nil {
			PolicyCacheTTL = d
		}
	}

	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		// Use a default for development - should be overridden in production
		adminToken = "dev-admin-token-change-in-production"
	}

	return Server{
		Addr:        addr,
		Environment: env,
		AdminToken:  adminToken,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis:       redisFromEnv(),
	}
}

func redisFromEnv() RedisConfig {
	cfg := RedisConfig{
		URL:          os.Getenv("REDIS_URL"),
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if sizeStr := os.Getenv("REDIS_POOL_SIZE"); sizeStr != "" {
		if n, err := strconv.Atoi(sizeStr); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	return cfg
}
