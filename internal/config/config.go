package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds service settings loaded from the environment.
// Changing the prior or sample count changes the algorithm output;
// bump AlgorithmVersion alongside such changes so allocation history
// records which revision produced each split.
type Config struct {
	ListenAddr string
	Port       int
	DBPath     string

	DefaultWindowDays int
	MaxWindowDays     int
	MinImpressions    int64
	ThompsonSamples   int
	PriorAlpha        float64
	PriorBeta         float64

	// Per-minute ceiling for GET /experiments/{id}/allocation,
	// clamped to [60, 300].
	AllocationRateLimit int

	// RateLimitBackend selects the limiter store: "memory" or "redis".
	RateLimitBackend string
	RedisAddr        string
}

// AlgorithmVersion identifies the allocation algorithm revision recorded
// with every computation.
const AlgorithmVersion = "1.0.0"

// FromEnv returns a Config populated from environment variables,
// falling back to defaults where unset.
func FromEnv() (*Config, error) {
	c := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", "0.0.0.0"),
		Port:                envInt("PORT", 8000),
		DBPath:              envOr("DB_PATH", ""),
		DefaultWindowDays:   envInt("DEFAULT_WINDOW_DAYS", 14),
		MaxWindowDays:       envInt("MAX_WINDOW_DAYS", 30),
		MinImpressions:      int64(envInt("MIN_IMPRESSIONS", 200)),
		ThompsonSamples:     envInt("THOMPSON_SAMPLES", 10000),
		PriorAlpha:          envFloat("PRIOR_ALPHA", 1),
		PriorBeta:           envFloat("PRIOR_BETA", 99),
		AllocationRateLimit: envInt("ALLOCATION_RATE_LIMIT", 300),
		RateLimitBackend:    envOr("RATE_LIMIT_BACKEND", "memory"),
		RedisAddr:           envOr("REDIS_ADDR", "localhost:6379"),
	}

	if c.DefaultWindowDays < 1 {
		c.DefaultWindowDays = 1
	}
	if c.MaxWindowDays < c.DefaultWindowDays {
		c.MaxWindowDays = c.DefaultWindowDays
	}
	if c.MinImpressions < 0 {
		c.MinImpressions = 0
	}
	if c.ThompsonSamples < 1 {
		c.ThompsonSamples = 1
	}
	if c.AllocationRateLimit < 60 {
		c.AllocationRateLimit = 60
	} else if c.AllocationRateLimit > 300 {
		c.AllocationRateLimit = 300
	}

	if c.PriorAlpha <= 0 || c.PriorBeta <= 0 {
		return nil, fmt.Errorf("prior parameters must be positive: alpha=%v beta=%v", c.PriorAlpha, c.PriorBeta)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q (want memory or redis)", c.RateLimitBackend)
	}

	return c, nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.Port)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
