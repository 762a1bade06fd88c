package store

import (
	"fmt"
	"time"
)

const (
	KindCache = "cache"

	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config selects a store implementation by feature kind and driver name,
// e.g. {Kind: "cache", Driver: "redis"}.
type Config struct {
	Kind   string
	Driver string

	Redis RedisConfig

	// CleanupInterval is the sweep period of the memory driver.
	CleanupInterval time.Duration
}

// New resolves cfg into a concrete Store. Call it once at startup.
func New(cfg Config) (Store, error) {
	if cfg.Kind != "" && cfg.Kind != KindCache {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, cfg.Kind)
	}

	switch cfg.Driver {
	case DriverRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("store: redis driver requires an address")
		}
		return NewRedisStore(cfg.Redis), nil
	case DriverMemory, "":
		return NewMemoryStore(cfg.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
