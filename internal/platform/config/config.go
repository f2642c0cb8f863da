// Package config builds process configuration from environment variables
// so main stays lean. Limiter tables live in internal/enforcement/config;
// this package only carries infrastructure settings.
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr        string
	Environment string // "development" or "production"

	// TrustedProxies are CIDR prefixes allowed to set forwarded-for headers.
	TrustedProxies []netip.Prefix

	// AdminSigningKey signs admin bearer tokens. Required outside development.
	AdminSigningKey string

	Redis RedisConfig
	Intel IntelConfig
}

// RedisConfig holds connection settings for the shared store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// IntelConfig holds settings for the external threat intelligence source.
type IntelConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	addr := os.Getenv("BASTION_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	env := os.Getenv("BASTION_ENV")
	if env == "" {
		env = "development"
	}

	return Server{
		Addr:            addr,
		Environment:     env,
		TrustedProxies:  parsePrefixes(os.Getenv("BASTION_TRUSTED_PROXIES")),
		AdminSigningKey: os.Getenv("BASTION_ADMIN_SIGNING_KEY"),
		Redis: RedisConfig{
			URL:          os.Getenv("BASTION_REDIS_URL"),
			PoolSize:     envInt("BASTION_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("BASTION_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("BASTION_REDIS_DIAL_TIMEOUT", 500*time.Millisecond),
			ReadTimeout:  envDuration("BASTION_REDIS_READ_TIMEOUT", 250*time.Millisecond),
			WriteTimeout: envDuration("BASTION_REDIS_WRITE_TIMEOUT", 250*time.Millisecond),
		},
		Intel: IntelConfig{
			BaseURL:  os.Getenv("BASTION_INTEL_URL"),
			APIKey:   os.Getenv("BASTION_INTEL_API_KEY"),
			Timeout:  envDuration("BASTION_INTEL_TIMEOUT", 3*time.Second),
			CacheTTL: envDuration("BASTION_INTEL_CACHE_TTL", time.Hour),
		},
	}
}

// IsProduction reports whether the process runs with production limits.
func (s Server) IsProduction() bool {
	return s.Environment == "production"
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parsePrefixes(raw string) []netip.Prefix {
	if raw == "" {
		return nil
	}
	var prefixes []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := netip.ParsePrefix(part); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}
